package rpc

import "context"

// Connection represents a bidirectional, ordered, reliable message channel
// to a single peer. Each Send carries exactly one frame.
type Connection interface {
	// Send writes one frame to the remote peer
	Send(data []byte) error

	// Receive blocks until one frame is read from the remote peer. A clean
	// close is reported as ErrConnectionClosed.
	Receive() ([]byte, error)

	// Close closes the connection
	Close() error

	// RemoteAddr returns the peer address in host:port form when available
	RemoteAddr() string
}

// ServerTransport handles incoming connections for the server
type ServerTransport interface {
	// Listen binds the listening endpoint
	Listen() error

	// Accept blocks until a new connection is available. After Close it
	// returns ErrTransportClosed.
	Accept() (Connection, error)

	// Addr returns the bound address once listening
	Addr() string

	// Close stops listening and closes the transport
	Close() error
}

// ClientTransport opens outgoing connections for the client
type ClientTransport interface {
	// Dial establishes a connection to the given address. It must give up
	// when ctx is done.
	Dial(ctx context.Context, address string) (Connection, error)
}
