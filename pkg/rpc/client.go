package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kbirk/duplex/pkg/log"
	"golang.org/x/time/rate"
)

const (
	DefaultRetryInterval     = time.Second
	DefaultKeepAliveInterval = 10 * time.Second
	DefaultDialTimeout       = 10 * time.Second
)

type ClientConfig struct {
	Transport ClientTransport
	Codec     Codec
	// RetryInterval is the fixed delay between reconnection attempts.
	RetryInterval time.Duration
	// KeepAliveInterval is the heartbeat period when keep-alive is enabled.
	KeepAliveInterval time.Duration
	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration
	// DisableRetry turns a lost connection into a terminal failure.
	DisableRetry bool
	ErrHandler   func(error)
	Logger       log.Logger
}

// Client owns one connection to a server at a time and recovers it when it
// drops.
type Client struct {
	conf      ClientConfig
	transport ClientTransport
	codec     Codec
	logger    log.Logger
	pending   *pendingTable
	listeners listenerSet

	mu            sync.Mutex
	sess          *session
	address       string
	keepAlive     bool
	everConnected bool
	ended         bool
	retryEnabled  bool
	retry         *retryState
}

// session is one established stream. It is replaced wholesale on reconnect.
type session struct {
	peer     *peer
	done     chan struct{}
	doneOnce sync.Once
	closing  atomic.Bool
}

type retryState struct {
	cancel context.CancelFunc
}

func (s *session) shutdown() error {
	s.closing.Store(true)
	s.doneOnce.Do(func() {
		close(s.done)
	})
	return s.peer.close()
}

func NewClient(conf ClientConfig) *Client {
	if conf.Codec == nil {
		conf.Codec = MsgpackCodec{}
	}
	if conf.RetryInterval <= 0 {
		conf.RetryInterval = DefaultRetryInterval
	}
	if conf.KeepAliveInterval <= 0 {
		conf.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if conf.DialTimeout <= 0 {
		conf.DialTimeout = DefaultDialTimeout
	}
	logger := conf.Logger
	if logger == nil {
		logger = log.Discard()
	}
	return &Client{
		conf:         conf,
		transport:    conf.Transport,
		codec:        conf.Codec,
		logger:       logger,
		pending:      newPendingTable(),
		retryEnabled: !conf.DisableRetry,
	}
}

func (c *Client) handleError(err error) {
	c.logger.Error("encountered error", "error", err)
	if c.conf.ErrHandler != nil {
		c.conf.ErrHandler(err)
	}
}

// RegisterListener adds a listener for pushes and connection events.
func (c *Client) RegisterListener(l Listener) {
	c.listeners.add(l)
}

// Connect opens the connection. With keepAlive a heartbeat is written every
// KeepAliveInterval.
func (c *Client) Connect(address string, keepAlive bool) error {
	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.ended = false
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.conf.DialTimeout)
	defer cancel()

	conn, err := c.dial(ctx, address)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != nil {
		conn.Close()
		return ErrAlreadyConnected
	}
	if c.ended {
		conn.Close()
		return ErrConnectionClosed
	}
	c.attachUnsafe(conn, address, keepAlive)
	return nil
}

// dial runs without c.mu held so a slow attempt never blocks callers.
func (c *Client) dial(ctx context.Context, address string) (Connection, error) {
	c.logger.Debug("connecting to server", "address", address)
	conn, err := c.transport.Dial(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s: %w", address, err)
	}
	return conn, nil
}

func (c *Client) attachUnsafe(conn Connection, address string, keepAlive bool) {
	sess := &session{
		peer: newPeer(conn, c.codec),
		done: make(chan struct{}),
	}
	c.sess = sess
	c.address = address
	c.keepAlive = keepAlive
	c.everConnected = true

	go c.readLoop(sess)
	if keepAlive {
		go c.keepAliveLoop(sess)
	}
}

func (c *Client) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// IsUp reports whether a connection is currently established.
func (c *Client) IsUp() bool {
	return c.current() != nil
}

// Address returns the last address passed to Connect.
func (c *Client) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

// detach clears sess as the current session. Only the first caller for a
// given session gets true.
func (c *Client) detach(sess *session) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != sess {
		return "", false
	}
	c.sess = nil
	return c.address, true
}

func (c *Client) send(req *Envelope) (*slot, error) {
	if req.Kind() != KindRequest {
		return nil, fmt.Errorf("cannot call with a %s envelope", req.Kind())
	}

	sess := c.current()
	if sess == nil {
		return nil, ErrNoConnection
	}

	// register before writing so a fast reply always finds its slot
	s, err := c.pending.register(req.ID())
	if err != nil {
		return nil, err
	}

	err = sess.peer.write(req)
	if err != nil {
		c.pending.release(req.ID())
		if rejected(err) {
			return nil, err
		}
		if !sess.closing.Load() {
			go c.connectionLost(sess, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return s, nil
}

// Call sends the request and returns immediately. onReply runs on its own
// goroutine once the reply arrives. Replies of kind KindIllegalParamLength
// are dropped without calling onReply, as are calls failed by teardown.
func (c *Client) Call(req *Envelope, onReply func(*Envelope)) (*Status, error) {
	s, err := c.send(req)
	if err != nil {
		return nil, err
	}

	status := newStatus()
	status.sent.Store(true)

	go func() {
		defer close(status.done)

		reply, err := s.wait(context.Background())
		if err != nil {
			c.logger.Debug("call ended without reply", "route", req.Route(), "id", req.ID(), "error", err)
			return
		}
		status.received.Store(true)

		if reply.Kind() == KindIllegalParamLength {
			c.logger.Warn("dropping reply with illegal parameter length", "route", req.Route(), "id", req.ID())
			return
		}
		if onReply != nil {
			onReply(reply)
		}
	}()

	return status, nil
}

// CallBlocking sends the request and waits for its reply. Handler failures
// are returned as *RemoteError, arity mismatches and unexpected replies as
// *ProtocolError.
func (c *Client) CallBlocking(ctx context.Context, req *Envelope) (interface{}, error) {
	s, err := c.send(req)
	if err != nil {
		return nil, err
	}

	reply, err := s.wait(ctx)
	if err != nil {
		c.pending.release(req.ID())
		return nil, err
	}

	switch reply.Kind() {
	case KindReturn:
		return reply.ReturnValue(), nil
	case KindException:
		return nil, &RemoteError{
			Route:   req.Route(),
			Message: reply.ErrorMessage(),
		}
	case KindIllegalParamLength:
		return nil, &ProtocolError{
			Route: req.Route(),
			Err:   ErrIllegalParamLength,
		}
	}
	return nil, &ProtocolError{
		Route: req.Route(),
		Err:   fmt.Errorf("unexpected %s reply", reply.Kind()),
	}
}

func (c *Client) readLoop(sess *session) {
	for {
		e, err := sess.peer.read()
		if err != nil {
			var perr *ProtocolError
			if errors.As(err, &perr) {
				c.handleError(err)
				continue
			}
			if sess.closing.Load() {
				c.logger.Debug("connection closed normally")
				return
			}
			c.connectionLost(sess, err)
			return
		}

		switch e.Kind() {
		case KindReturn, KindException, KindIllegalParamLength:
			if !c.pending.resolve(e) {
				c.logger.Warn("reply for unknown request", "route", e.Route(), "id", e.ID())
			}
		case KindKeepAlive:
		case KindTerminate:
			c.logger.Info("server ended the connection")
			if _, ok := c.detach(sess); ok {
				sess.shutdown()
				c.pending.failAll(ErrConnectionClosed)
			}
			c.listeners.gracefulEnd()
			return
		default:
			c.listeners.receive(e)
		}
	}
}

func (c *Client) keepAliveLoop(sess *session) {
	ticker := time.NewTicker(c.conf.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			err := sess.peer.write(newKeepAlive())
			if err != nil {
				if sess.closing.Load() {
					return
				}
				c.connectionLost(sess, err)
				return
			}
		}
	}
}

// connectionLost tears down sess, notifies listeners once and, when
// allowed, blocks in the reconnection loop.
func (c *Client) connectionLost(sess *session, cause error) {
	address, ok := c.detach(sess)
	if !ok {
		return
	}
	sess.shutdown()

	n := c.pending.failAll(ErrConnectionLost)
	c.logger.Warn("connection lost", "address", address, "error", cause, "failed_requests", n)

	c.listeners.drop(NewConnectionEvent(address,
		fmt.Sprintf("The connection to %s has been lost", address)))

	rs, ctx, ok := c.beginRetry()
	if !ok {
		c.handleError(fmt.Errorf("%w: %v", ErrConnectionLost, cause))
		return
	}
	defer c.finishRetry(rs)

	c.reconnect(ctx, address)
}

func (c *Client) beginRetry() (*retryState, context.Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.retryEnabled || !c.everConnected || c.ended {
		return nil, nil, false
	}
	ctx, cancel := context.WithCancel(context.Background())
	rs := &retryState{cancel: cancel}
	c.retry = rs
	return rs, ctx, true
}

func (c *Client) finishRetry(rs *retryState) {
	c.mu.Lock()
	if c.retry == rs {
		c.retry = nil
	}
	c.mu.Unlock()
	rs.cancel()
}

func (c *Client) reconnect(ctx context.Context, address string) {
	limiter := rate.NewLimiter(rate.Every(c.conf.RetryInterval), 1)

	for attempt := 1; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			c.mu.Lock()
			ended := c.ended
			c.mu.Unlock()
			if ended {
				c.logger.Debug("reconnection stopped by end of connection", "address", address)
				return
			}
			c.handleError(fmt.Errorf("%w: reconnection to %s cancelled after %d attempts", ErrConnectionLost, address, attempt-1))
			return
		}

		err := c.reopen(ctx)
		if err == nil {
			c.logger.Info("connection reestablished", "address", address, "attempts", attempt)
			c.listeners.reestablish(NewConnectionEvent(address,
				fmt.Sprintf("The connection to %s has been reestablished", address)))
			return
		}
		if errors.Is(err, ErrAlreadyConnected) || errors.Is(err, ErrConnectionClosed) {
			return
		}
		c.logger.Debug("reconnection attempt failed", "address", address, "attempt", attempt, "error", err)
	}
}

func (c *Client) reopen(ctx context.Context) error {
	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	address := c.address
	keepAlive := c.keepAlive
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.conf.DialTimeout)
	defer cancel()

	conn, err := c.dial(dialCtx, address)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// the state may have moved on while dialing
	if c.sess != nil {
		conn.Close()
		return ErrAlreadyConnected
	}
	if c.ended {
		conn.Close()
		return ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		conn.Close()
		return err
	}
	c.attachUnsafe(conn, address, keepAlive)
	return nil
}

// CancelRetry stops an ongoing reconnection loop and disables retrying, so
// the next connection loss is terminal.
func (c *Client) CancelRetry() {
	c.mu.Lock()
	c.retryEnabled = false
	rs := c.retry
	c.retry = nil
	c.mu.Unlock()

	if rs != nil {
		rs.cancel()
	}
}

// EnableRetry re-arms automatic reconnection after CancelRetry.
func (c *Client) EnableRetry() {
	c.mu.Lock()
	c.retryEnabled = true
	c.mu.Unlock()
}

// EndConnection closes the connection gracefully. It is safe to call more
// than once. Outstanding calls fail with ErrConnectionClosed.
func (c *Client) EndConnection() error {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.ended = true
	rs := c.retry
	c.retry = nil
	c.mu.Unlock()

	if rs != nil {
		rs.cancel()
	}

	var err error
	if sess != nil {
		// best effort, the server treats a bare close the same way
		if werr := sess.peer.write(newTerminate()); werr != nil {
			c.logger.Debug("unable to send terminate", "error", werr)
		}
		err = sess.shutdown()
	}
	c.pending.failAll(ErrConnectionClosed)
	return err
}
