package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/kbirk/duplex/pkg/rpc"
	"github.com/kbirk/duplex/pkg/rpc/framing"
)

// setNoDelay sets TCP_NODELAY, reaching through TLS when needed
func setNoDelay(conn net.Conn, noDelay bool) error {
	if tlsConn, ok := conn.(*tls.Conn); ok {
		conn = tlsConn.NetConn()
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		return tcpConn.SetNoDelay(noDelay)
	}
	return nil
}

type ServerTransportConfig struct {
	// Address is host:port; port 0 picks a free port
	Address      string
	NoDelay      bool // Disable Nagle's algorithm for better latency
	TLSConfig    *tls.Config
	MaxFrameSize uint32
}

// ServerTransport implements rpc.ServerTransport for TCP
type ServerTransport struct {
	conf     ServerTransportConfig
	listener net.Listener
	mu       sync.Mutex
	closed   bool
}

func NewServerTransport(config ServerTransportConfig) *ServerTransport {
	return &ServerTransport{
		conf: config,
	}
}

func (t *ServerTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return rpc.ErrTransportClosed
	}
	if t.listener != nil {
		return fmt.Errorf("transport is already listening")
	}

	l, err := net.Listen("tcp", t.conf.Address)
	if err != nil {
		return err
	}
	if t.conf.TLSConfig != nil {
		l = tls.NewListener(l, t.conf.TLSConfig)
	}
	t.listener = l
	return nil
}

func (t *ServerTransport) Accept() (rpc.Connection, error) {
	t.mu.Lock()
	l := t.listener
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return nil, rpc.ErrTransportClosed
	}
	if l == nil {
		return nil, fmt.Errorf("transport is not listening")
	}

	conn, err := l.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, rpc.ErrTransportClosed
		}
		return nil, err
	}

	if err := setNoDelay(conn, t.conf.NoDelay); err != nil {
		conn.Close()
		return nil, err
	}

	return framing.New(conn, t.conf.MaxFrameSize), nil
}

func (t *ServerTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return t.conf.Address
	}
	return t.listener.Addr().String()
}

func (t *ServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

type ClientTransportConfig struct {
	NoDelay      bool // Disable Nagle's algorithm for better latency
	TLSConfig    *tls.Config
	MaxFrameSize uint32
}

// ClientTransport implements rpc.ClientTransport for TCP
type ClientTransport struct {
	conf ClientTransportConfig
}

func NewClientTransport(config ClientTransportConfig) *ClientTransport {
	return &ClientTransport{
		conf: config,
	}
}

func (t *ClientTransport) Dial(ctx context.Context, address string) (rpc.Connection, error) {
	var conn net.Conn
	var err error
	if t.conf.TLSConfig != nil {
		d := tls.Dialer{Config: t.conf.TLSConfig}
		conn, err = d.DialContext(ctx, "tcp", address)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, err
	}

	if err := setNoDelay(conn, t.conf.NoDelay); err != nil {
		conn.Close()
		return nil, err
	}

	return framing.New(conn, t.conf.MaxFrameSize), nil
}
