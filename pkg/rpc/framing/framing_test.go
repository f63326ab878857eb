package framing

import (
	"net"
	"testing"

	"github.com/kbirk/duplex/pkg/rpc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrames(t *testing.T) {

	a, b := net.Pipe()
	left := New(a, 0)
	right := New(b, 0)

	go func() {
		left.Send([]byte("first"))
		left.Send(nil)
		left.Send([]byte("third"))
	}()

	for _, want := range []string{"first", "", "third"} {
		got, err := right.Receive()
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}

	require.NoError(t, left.Close())
	_, err := right.Receive()
	assert.ErrorIs(t, err, rpc.ErrConnectionClosed)
}

func TestFrameTooLarge(t *testing.T) {

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	small := New(a, 4)
	err := small.Send([]byte("too long"))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.ErrorIs(t, err, rpc.ErrMessageTooLarge)

	// the receiving side checks the declared length before reading
	big := New(b, 0)
	go big.Send([]byte("too long"))
	_, err = small.Receive()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
