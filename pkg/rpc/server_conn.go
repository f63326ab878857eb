package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// serverConn serves one accepted client connection.
type serverConn struct {
	server      *Server
	peer        *peer
	address     string
	connectedAt time.Time
	lastSeen    atomic.Int64
	terminated  atomic.Bool
	ctx         context.Context
	cancel      context.CancelFunc
	finishOnce  sync.Once
}

func newServerConn(s *Server, conn Connection) *serverConn {
	ctx, cancel := context.WithCancel(context.Background())
	sc := &serverConn{
		server:      s,
		peer:        newPeer(conn, s.codec),
		address:     conn.RemoteAddr(),
		connectedAt: time.Now(),
		ctx:         ctx,
		cancel:      cancel,
	}
	sc.lastSeen.Store(sc.connectedAt.UnixNano())
	return sc
}

func (sc *serverConn) serve() {
	s := sc.server
	dispatcher := s.currentDispatcher()

	for {
		e, err := sc.peer.read()
		if err != nil {
			var perr *ProtocolError
			if errors.As(err, &perr) {
				s.handleError(fmt.Errorf("%s: %w", sc.address, err))
				continue
			}
			if errors.Is(err, ErrConnectionClosed) || sc.terminated.Load() {
				s.logger.Info("client disconnected", "address", sc.address)
			} else {
				s.handleError(fmt.Errorf("connection to %s failed: %w", sc.address, err))
			}
			sc.finish(fmt.Sprintf("The connection to %s has been dropped", sc.address))
			return
		}

		sc.lastSeen.Store(time.Now().UnixNano())

		switch e.Kind() {
		case KindRequest:
			sc.handleRequest(dispatcher, e)
		case KindKeepAlive:
		case KindTerminate:
			s.logger.Info("client ended the connection", "address", sc.address)
			sc.terminated.Store(true)
			sc.finish(fmt.Sprintf("The connection to %s ended gracefully", sc.address))
			return
		default:
			s.listeners.receive(e)
		}
	}
}

func (sc *serverConn) handleRequest(d *Dispatcher, req *Envelope) {
	s := sc.server

	h, ok := d.Lookup(req.Route())
	if !ok {
		s.logger.Debug("no handler for route, delivering to listeners", "route", req.Route(), "address", sc.address)
		s.metrics.unrouted.Inc()
		s.listeners.receive(req)
		return
	}

	args, err := d.Bind(h, req)
	if err != nil {
		s.logger.Debug("illegal parameter length", "route", req.Route(), "expected", len(h.Params), "got", req.NumParams())
		reply := sc.reply(req, replyIllegalParamLength(req))
		s.metrics.observe(req.Route(), reply)
		return
	}

	// never run handlers on the reader goroutine
	go func() {
		ctx := newHandlerContext(sc.ctx, sc.address, req.Route())
		reply := sc.reply(req, d.Invoke(ctx, h, req, args))
		s.metrics.observe(req.Route(), reply)
	}()
}

// reply writes the reply to req and returns what was actually sent. A reply
// the codec or the frame limit rejects is replaced by an exception. Any other
// write failure closes the stream so the reader observes the teardown.
func (sc *serverConn) reply(req, e *Envelope) *Envelope {
	err := sc.peer.write(e)
	if err != nil && rejected(err) {
		sc.server.logger.Warn("reply rejected, sending exception", "route", e.Route(), "id", e.ID(), "address", sc.address, "error", err)
		e = replyException(req, err)
		err = sc.peer.write(e)
	}
	if err == nil {
		return e
	}
	sc.server.logger.Warn("unable to write reply", "route", e.Route(), "id", e.ID(), "address", sc.address, "error", err)
	if !rejected(err) {
		sc.peer.close()
	}
	return e
}

// send writes a server-initiated message.
func (sc *serverConn) send(e *Envelope) error {
	if sc.terminated.Load() {
		return ErrConnectionTerminated
	}
	err := sc.peer.write(e)
	if err != nil {
		if !rejected(err) {
			sc.peer.close()
		}
		return err
	}
	return nil
}

// EndConnection asks the client to close. The socket is torn down once the
// client's closure is observed.
func (sc *serverConn) EndConnection() error {
	if sc.terminated.Swap(true) {
		return nil
	}
	err := sc.peer.write(newTerminate())
	if err != nil {
		sc.peer.close()
		return err
	}
	return nil
}

func (sc *serverConn) finish(message string) {
	sc.finishOnce.Do(func() {
		sc.cancel()
		sc.server.listeners.drop(NewConnectionEvent(sc.address, message))
		sc.server.removeConn(sc)
		sc.peer.close()
	})
}

func (sc *serverConn) matches(address string) bool {
	if sc.address == address {
		return true
	}
	host, _, err := net.SplitHostPort(sc.address)
	return err == nil && host == address
}

func (sc *serverConn) info() ConnectionInfo {
	return ConnectionInfo{
		Address:     sc.address,
		ConnectedAt: sc.connectedAt,
		LastSeen:    time.Unix(0, sc.lastSeen.Load()),
		Terminated:  sc.terminated.Load(),
	}
}
