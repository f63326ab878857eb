// Package framing carries length-prefixed frames over a stream socket. Each
// frame is a 4 byte big-endian length followed by the payload.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/kbirk/duplex/pkg/rpc"
)

const (
	headerSize = 4

	DefaultMaxFrameSize = 64 << 20
)

// ErrFrameTooLarge is returned by Send before writing anything, and by
// Receive when the declared length exceeds the limit.
var ErrFrameTooLarge = rpc.ErrMessageTooLarge

// Conn implements rpc.Connection over a net.Conn.
type Conn struct {
	conn         net.Conn
	maxFrameSize uint32
	mu           sync.Mutex
}

// New wraps conn. A maxFrameSize of zero selects DefaultMaxFrameSize.
func New(conn net.Conn, maxFrameSize uint32) *Conn {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Conn{
		conn:         conn,
		maxFrameSize: maxFrameSize,
	}
}

func (c *Conn) Send(data []byte) error {
	if uint64(len(data)) > uint64(c.maxFrameSize) {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(data), c.maxFrameSize)
	}

	// header and payload in one write so frames never interleave
	buf := make([]byte, headerSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[headerSize:], data)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.conn.Write(buf); err != nil {
		return mapClosed(err)
	}
	return nil
}

func (c *Conn) Receive() ([]byte, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, mapClosed(err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > c.maxFrameSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, c.maxFrameSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return nil, mapClosed(err)
	}
	return data, nil
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func mapClosed(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("%w: %v", rpc.ErrConnectionClosed, err)
	}
	return err
}
