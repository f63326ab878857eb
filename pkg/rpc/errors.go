package rpc

import (
	"errors"
	"fmt"
)

var (
	ErrNoConnection         = errors.New("no connection to server")
	ErrAlreadyConnected     = errors.New("already connected")
	ErrConnectionLost       = errors.New("connection lost")
	ErrConnectionClosed     = errors.New("connection closed")
	ErrConnectionTerminated = errors.New("connection terminated")
	ErrIllegalParamLength   = errors.New("illegal parameter length, the correct number of parameters was not supplied")
	ErrTransportClosed      = errors.New("transport is closed")
	ErrServerRunning        = errors.New("server is already running")
	ErrServerClosed         = errors.New("server is closed")
	ErrUnknownPeer          = errors.New("no connection for address")

	// ErrEncode and ErrMessageTooLarge reject one outbound envelope before
	// anything reaches the stream; the connection stays usable.
	ErrEncode          = errors.New("unable to encode envelope")
	ErrMessageTooLarge = errors.New("message exceeds maximum frame size")
)

// rejected reports whether a write failed without touching the stream.
func rejected(err error) bool {
	return errors.Is(err, ErrEncode) || errors.Is(err, ErrMessageTooLarge)
}

// RemoteError is returned when the remote handler failed.
type RemoteError struct {
	Route   string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error on %q: %s", e.Route, e.Message)
}

// ProtocolError reports a malformed or unexpected reply.
type ProtocolError struct {
	Route string
	Err   error
}

func (e *ProtocolError) Error() string {
	if e.Route == "" {
		return fmt.Sprintf("protocol error: %v", e.Err)
	}
	return fmt.Sprintf("protocol error on %q: %v", e.Route, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
