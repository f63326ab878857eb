package rpc

import (
	"fmt"
	"sync"
)

// peer wraps a transport connection with the codec and the single writer
// lock shared by every goroutine that writes to it.
type peer struct {
	conn      Connection
	codec     Codec
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newPeer(conn Connection, codec Codec) *peer {
	return &peer{
		conn:  conn,
		codec: codec,
	}
}

// write encodes and sends one envelope. Errors matching ErrEncode or
// ErrMessageTooLarge leave the stream intact; anything else means it is
// broken.
func (p *peer) write(e *Envelope) error {
	bs, err := p.codec.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w %s: %v", ErrEncode, e, err)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	return p.conn.Send(bs)
}

// read must only be called from the connection's reader goroutine. A decode
// failure is returned as a *ProtocolError so the caller can skip the frame.
func (p *peer) read() (*Envelope, error) {
	bs, err := p.conn.Receive()
	if err != nil {
		return nil, err
	}
	e, err := p.codec.Unmarshal(bs)
	if err != nil {
		return nil, &ProtocolError{Err: err}
	}
	return e, nil
}

func (p *peer) close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.conn.Close()
	})
	return p.closeErr
}
