package unix

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/kbirk/duplex/pkg/rpc"
	"github.com/kbirk/duplex/pkg/rpc/framing"
)

type ServerTransportConfig struct {
	SocketPath   string // Path to the Unix socket file
	MaxFrameSize uint32
}

// ServerTransport implements rpc.ServerTransport for Unix sockets
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

	// a stale socket file from a previous run blocks the bind
	if err := os.RemoveAll(t.conf.SocketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket file: %w", err)
	}

	l, err := net.Listen("unix", t.conf.SocketPath)
	if err != nil {
		return err
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
	return framing.New(conn, t.conf.MaxFrameSize), nil
}

func (t *ServerTransport) Addr() string {
	return t.conf.SocketPath
}

func (t *ServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	os.RemoveAll(t.conf.SocketPath)
	return err
}

// ClientTransport implements rpc.ClientTransport for Unix sockets. The dial
// address is the socket path.
type ClientTransport struct {
	MaxFrameSize uint32
}

func NewClientTransport() *ClientTransport {
	return &ClientTransport{}
}

func (t *ClientTransport) Dial(ctx context.Context, address string) (rpc.Connection, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", address)
	if err != nil {
		return nil, err
	}
	return framing.New(conn, t.MaxFrameSize), nil
}
