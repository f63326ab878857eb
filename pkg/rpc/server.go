package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/kbirk/duplex/pkg/log"
	"github.com/prometheus/client_golang/prometheus"
)

type ServerConfig struct {
	Transport ServerTransport
	Handlers  *HandlerRegistry
	Codec     Codec
	// MaxConcurrent bounds the connections served at once; MaxQueued bounds
	// the connections waiting for a worker. Beyond both, connections are
	// served on the accept loop itself.
	MaxConcurrent int
	MaxQueued     int
	// Debug enables debug logging when no Logger is given.
	Debug      bool
	ErrHandler func(error)
	Logger     log.Logger
	// Registerer receives the server metrics when set.
	Registerer prometheus.Registerer
}

// ConnectionInfo describes one live client connection.
type ConnectionInfo struct {
	Address     string
	ConnectedAt time.Time
	LastSeen    time.Time
	Terminated  bool
}

type Server struct {
	conf       ServerConfig
	transport  ServerTransport
	codec      Codec
	logger     log.Logger
	listeners  listenerSet
	metrics    *serverMetrics
	middleware []Middleware

	mu         sync.Mutex
	running    bool
	closed     bool
	dispatcher *Dispatcher
	pool       *WorkerPool
	acceptDone chan struct{}

	connsMu sync.RWMutex
	conns   map[*serverConn]struct{}
}

func NewServer(conf ServerConfig) *Server {
	if conf.Codec == nil {
		conf.Codec = MsgpackCodec{}
	}
	if conf.MaxConcurrent <= 0 {
		conf.MaxConcurrent = DefaultMaxConcurrent
	}
	if conf.MaxQueued <= 0 {
		conf.MaxQueued = DefaultMaxQueued
	}

	logger := conf.Logger
	if logger == nil {
		if conf.Debug {
			logger = log.New("duplex-server", true)
		} else {
			logger = log.Discard()
		}
	}

	s := &Server{
		conf:      conf,
		transport: conf.Transport,
		codec:     conf.Codec,
		logger:    logger,
		metrics:   newServerMetrics(),
		conns:     make(map[*serverConn]struct{}),
	}

	if conf.Registerer != nil {
		if err := s.metrics.register(conf.Registerer); err != nil {
			s.logger.Warn("unable to register metrics", "error", err)
		}
	}

	return s
}

func (s *Server) handleError(err error) {
	s.logger.Error("encountered error", "error", err)
	if s.conf.ErrHandler != nil {
		s.conf.ErrHandler(err)
	}
}

// Middleware wraps every handler invocation. It must be added before Start.
func (s *Server) Middleware(m Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middleware = append(s.middleware, m)
}

func (s *Server) RegisterListener(l Listener) {
	s.listeners.add(l)
}

// Start binds the transport and accepts connections in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.running {
		return ErrServerRunning
	}

	if err := s.transport.Listen(); err != nil {
		return fmt.Errorf("unable to listen: %w", err)
	}

	s.dispatcher = NewDispatcher(s.conf.Handlers, s.middleware...)
	s.pool = NewWorkerPool(s.conf.MaxConcurrent, s.conf.MaxQueued)
	s.acceptDone = make(chan struct{})
	s.running = true

	s.logger.Info("server started", "address", s.transport.Addr(), "routes", s.conf.Handlers.Routes())

	go s.acceptLoop(s.pool, s.acceptDone)
	return nil
}

// ListenAndServe starts the server and blocks until it stops accepting.
func (s *Server) ListenAndServe() error {
	if err := s.Start(); err != nil {
		return err
	}
	s.mu.Lock()
	done := s.acceptDone
	s.mu.Unlock()
	<-done
	return nil
}

// Addr returns the bound address of the transport.
func (s *Server) Addr() string {
	return s.transport.Addr()
}

func (s *Server) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) currentDispatcher() *Dispatcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatcher
}

func (s *Server) acceptLoop(pool *WorkerPool, done chan struct{}) {
	defer close(done)

	for {
		conn, err := s.transport.Accept()
		if err != nil {
			if errors.Is(err, ErrTransportClosed) || !s.isRunning() {
				s.logger.Debug("accept loop stopped")
				return
			}
			s.handleError(fmt.Errorf("accept failed: %w", err))
			continue
		}

		// raced with Shutdown; the closed pool would serve it inline forever
		if !s.isRunning() {
			s.logger.Debug("dropping connection accepted during shutdown", "address", conn.RemoteAddr())
			conn.Close()
			return
		}

		address := conn.RemoteAddr()
		s.logger.Debug("connection accepted", "address", address)

		ev := NewConnectionEvent(address, fmt.Sprintf("Connection from %s", address))
		if !s.listeners.establish(ev) {
			s.logger.Info("connection rejected by listener", "address", address)
			conn.Close()
			continue
		}

		sc := newServerConn(s, conn)
		s.addConn(sc)

		if !pool.Submit(sc.serve) {
			s.logger.Warn("worker pool saturated, serving connection on the accept loop", "address", address)
		}
	}
}

func (s *Server) addConn(sc *serverConn) {
	s.connsMu.Lock()
	s.conns[sc] = struct{}{}
	s.connsMu.Unlock()
	s.metrics.connections.Inc()
}

func (s *Server) removeConn(sc *serverConn) {
	s.connsMu.Lock()
	_, ok := s.conns[sc]
	delete(s.conns, sc)
	s.connsMu.Unlock()
	if ok {
		s.metrics.connections.Dec()
	}
}

// snapshot copies the live connections under the read lock. Writes happen
// outside it so the registry lock is never held while a connection's
// writer lock is taken.
func (s *Server) snapshot() []*serverConn {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	out := make([]*serverConn, 0, len(s.conns))
	for sc := range s.conns {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].connectedAt.Before(out[j].connectedAt)
	})
	return out
}

// SendTo writes the envelope to the first connection whose remote address
// or host equals address. An empty address broadcasts to every connection.
func (s *Server) SendTo(address string, e *Envelope) error {
	if address == "" {
		return s.Broadcast(e)
	}
	for _, sc := range s.snapshot() {
		if sc.matches(address) {
			return sc.send(e)
		}
	}
	return fmt.Errorf("%w %s", ErrUnknownPeer, address)
}

// Broadcast writes the envelope to every live connection.
func (s *Server) Broadcast(e *Envelope) error {
	var result *multierror.Error
	for _, sc := range s.snapshot() {
		if err := sc.send(e); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", sc.address, err))
		}
	}
	return result.ErrorOrNil()
}

func (s *Server) ListConnections() []ConnectionInfo {
	conns := s.snapshot()
	infos := make([]ConnectionInfo, 0, len(conns))
	for _, sc := range conns {
		infos = append(infos, sc.info())
	}
	return infos
}

// EndConnections ends every live connection gracefully.
func (s *Server) EndConnections() error {
	var result *multierror.Error
	for _, sc := range s.snapshot() {
		if err := sc.EndConnection(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", sc.address, err))
		}
	}
	return result.ErrorOrNil()
}

// Shutdown stops accepting connections, closes the worker pool queue and
// the listening endpoint. Live connections are left open; call
// EndConnections first for a full stop.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.closed = true
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.closed = true
	pool := s.pool
	done := s.acceptDone
	s.mu.Unlock()

	s.logger.Info("stopping server", "address", s.transport.Addr())

	err := s.transport.Close()
	pool.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	// the accept loop may be serving a connection inline under overload
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
