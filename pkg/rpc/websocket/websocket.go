package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kbirk/duplex/pkg/rpc"
)

const Path = "/rpc"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Connection implements rpc.Connection over a WebSocket, one binary message
// per frame.
type Connection struct {
	conn         *websocket.Conn
	mu           sync.Mutex
	maxFrameSize uint32
}

func newConnection(conn *websocket.Conn, maxFrameSize uint32) *Connection {
	if maxFrameSize > 0 {
		conn.SetReadLimit(int64(maxFrameSize))
	}
	return &Connection{
		conn:         conn,
		maxFrameSize: maxFrameSize,
	}
}

func (c *Connection) Send(data []byte) error {
	if c.maxFrameSize > 0 && uint32(len(data)) > c.maxFrameSize {
		return fmt.Errorf("%w: %d > %d", rpc.ErrMessageTooLarge, len(data), c.maxFrameSize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.conn.WriteMessage(websocket.BinaryMessage, data)
	if err != nil && errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("%w: %v", rpc.ErrConnectionClosed, err)
	}
	return err
}

func (c *Connection) Receive() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
			return nil, fmt.Errorf("%w: %v", rpc.ErrConnectionClosed, err)
		}
		return nil, err
	}
	return data, nil
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// close frame first, with a short deadline
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)

	closeErr := c.conn.Close()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return closeErr
}

func (c *Connection) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

type ServerTransportConfig struct {
	// Address is host:port; port 0 picks a free port
	Address      string
	CertFile     string // Optional: for TLS
	KeyFile      string // Optional: for TLS
	MaxFrameSize uint32
}

// ServerTransport implements rpc.ServerTransport by upgrading requests on
// Path.
type ServerTransport struct {
	conf     ServerTransportConfig
	server   *http.Server
	listener net.Listener
	connCh   chan *Connection
	closedCh chan struct{}
	mu       sync.Mutex
	closed   bool
}

func NewServerTransport(config ServerTransportConfig) *ServerTransport {
	return &ServerTransport{
		conf:     config,
		connCh:   make(chan *Connection),
		closedCh: make(chan struct{}),
	}
}

func (t *ServerTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return rpc.ErrTransportClosed
	}
	if t.server != nil {
		return fmt.Errorf("transport is already listening")
	}

	l, err := net.Listen("tcp", t.conf.Address)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc(Path, t.handleWebSocket)

	t.listener = l
	t.server = &http.Server{
		Handler: mux,
	}

	go func() {
		if t.conf.CertFile != "" && t.conf.KeyFile != "" {
			t.server.ServeTLS(l, t.conf.CertFile, t.conf.KeyFile)
		} else {
			t.server.Serve(l)
		}
	}()

	return nil
}

func (t *ServerTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// hand over to Accept; the connection outlives this handler
	select {
	case t.connCh <- newConnection(conn, t.conf.MaxFrameSize):
	case <-t.closedCh:
		conn.Close()
	}
}

func (t *ServerTransport) Accept() (rpc.Connection, error) {
	select {
	case conn := <-t.connCh:
		return conn, nil
	case <-t.closedCh:
		return nil, rpc.ErrTransportClosed
	}
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
	close(t.closedCh)

	if t.server != nil {
		// hijacked websocket connections are not affected
		return t.server.Close()
	}
	return nil
}

type ClientTransportConfig struct {
	TLSConfig    *tls.Config
	MaxFrameSize uint32
}

// ClientTransport implements rpc.ClientTransport. Dial takes host:port.
type ClientTransport struct {
	conf ClientTransportConfig
}

func NewClientTransport(config ClientTransportConfig) *ClientTransport {
	return &ClientTransport{
		conf: config,
	}
}

func (t *ClientTransport) Dial(ctx context.Context, address string) (rpc.Connection, error) {
	scheme := "ws"

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if t.conf.TLSConfig != nil {
		dialer.TLSClientConfig = t.conf.TLSConfig
		scheme = "wss"
	}

	u := url.URL{Scheme: scheme, Host: address, Path: Path}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return newConnection(conn, t.conf.MaxFrameSize), nil
}
