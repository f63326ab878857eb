package rpc_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kbirk/duplex/pkg/rpc"
	"github.com/kbirk/duplex/pkg/rpc/framing"
)

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

// addrConn gives a pipe end a distinct remote address. Its write side can
// be broken while reads keep working.
type addrConn struct {
	net.Conn
	remote      memAddr
	writeBroken atomic.Bool
}

func (c *addrConn) RemoteAddr() net.Addr {
	return c.remote
}

func (c *addrConn) Write(b []byte) (int, error) {
	if c.writeBroken.Load() {
		return 0, errors.New("broken pipe")
	}
	return c.Conn.Write(b)
}

// memNetwork connects clients and a server over net.Pipe. Dials can be
// refused or left hanging, and live ends severed to simulate outages.
type memNetwork struct {
	mu        sync.Mutex
	refuse    bool
	hang      bool
	frameSize uint32
	dials     []time.Time
	next      int
	accepted  []net.Conn
	clients   []*addrConn

	connCh   chan rpc.Connection
	closedCh chan struct{}
	closed   bool
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		connCh:   make(chan rpc.Connection),
		closedCh: make(chan struct{}),
	}
}

func (n *memNetwork) setRefuse(refuse bool) {
	n.mu.Lock()
	n.refuse = refuse
	n.mu.Unlock()
}

// setHang makes dials block until their context gives up
func (n *memNetwork) setHang(hang bool) {
	n.mu.Lock()
	n.hang = hang
	n.mu.Unlock()
}

func (n *memNetwork) dialTimes() []time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]time.Time, len(n.dials))
	copy(out, n.dials)
	return out
}

// sever closes every server-side end, as a network outage would
func (n *memNetwork) sever() {
	n.mu.Lock()
	conns := n.accepted
	n.accepted = nil
	n.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// breakWrites fails every later write on the live client-side ends
func (n *memNetwork) breakWrites() {
	n.mu.Lock()
	conns := n.clients
	n.clients = nil
	n.mu.Unlock()
	for _, c := range conns {
		c.writeBroken.Store(true)
	}
}

func (n *memNetwork) Dial(ctx context.Context, address string) (rpc.Connection, error) {
	n.mu.Lock()
	n.dials = append(n.dials, time.Now())
	if n.refuse {
		n.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	if n.hang {
		n.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	n.next++
	clientAddr := memAddr(fmt.Sprintf("10.0.0.%d:%d", n.next, 5000+n.next))
	frameSize := n.frameSize
	n.mu.Unlock()

	clientEnd, serverEnd := net.Pipe()
	serverConn := &addrConn{Conn: serverEnd, remote: clientAddr}
	clientConn := &addrConn{Conn: clientEnd, remote: memAddr(address)}

	select {
	case n.connCh <- framing.New(serverConn, frameSize):
	case <-n.closedCh:
		clientEnd.Close()
		serverEnd.Close()
		return nil, errors.New("connection refused")
	case <-ctx.Done():
		clientEnd.Close()
		serverEnd.Close()
		return nil, ctx.Err()
	}

	n.mu.Lock()
	n.accepted = append(n.accepted, serverConn)
	n.clients = append(n.clients, clientConn)
	n.mu.Unlock()

	return framing.New(clientConn, frameSize), nil
}

func (n *memNetwork) Listen() error {
	return nil
}

func (n *memNetwork) Accept() (rpc.Connection, error) {
	select {
	case conn := <-n.connCh:
		return conn, nil
	case <-n.closedCh:
		return nil, rpc.ErrTransportClosed
	}
}

func (n *memNetwork) Addr() string {
	return "mem"
}

func (n *memNetwork) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.closed {
		n.closed = true
		close(n.closedCh)
	}
	return nil
}

// recorder collects listener callbacks on channels
type recorder struct {
	received    chan *rpc.Envelope
	established chan *rpc.ConnectionEvent
	dropped     chan *rpc.ConnectionEvent
	reconnected chan *rpc.ConnectionEvent
	ended       chan struct{}
	reject      bool
}

func newRecorder() *recorder {
	return &recorder{
		received:    make(chan *rpc.Envelope, 64),
		established: make(chan *rpc.ConnectionEvent, 64),
		dropped:     make(chan *rpc.ConnectionEvent, 64),
		reconnected: make(chan *rpc.ConnectionEvent, 64),
		ended:       make(chan struct{}, 64),
	}
}

func (r *recorder) OnReceive(e *rpc.Envelope) {
	r.received <- e
}

func (r *recorder) OnConnectionEstablish(ev *rpc.ConnectionEvent) {
	if r.reject {
		ev.Cancel()
	}
	r.established <- ev
}

func (r *recorder) OnConnectionDrop(ev *rpc.ConnectionEvent) {
	r.dropped <- ev
}

func (r *recorder) OnConnectionReestablish(ev *rpc.ConnectionEvent) {
	r.reconnected <- ev
}

func (r *recorder) OnServerGracefulEnd() {
	r.ended <- struct{}{}
}
