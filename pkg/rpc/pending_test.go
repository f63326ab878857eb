package rpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingResolveOnce(t *testing.T) {

	p := newPendingTable()
	req := NewRequest("echo")

	s, err := p.register(req.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, p.len())

	reply := replyReturn(req, "a")
	assert.True(t, p.resolve(reply))
	assert.False(t, p.resolve(reply))
	assert.Equal(t, 0, p.len())

	got, err := s.wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", got.ReturnValue())
}

func TestPendingRegisterDuplicate(t *testing.T) {

	p := newPendingTable()

	_, err := p.register("id")
	require.NoError(t, err)
	_, err = p.register("id")
	assert.Error(t, err)
}

func TestPendingUnknownReply(t *testing.T) {

	p := newPendingTable()
	assert.False(t, p.resolve(replyReturn(NewRequest("echo"), nil)))
}

func TestPendingFailAll(t *testing.T) {

	p := newPendingTable()

	var slots []*slot
	for i := 0; i < 5; i++ {
		s, err := p.register(NewRequest("x").ID())
		require.NoError(t, err)
		slots = append(slots, s)
	}

	assert.Equal(t, 5, p.failAll(ErrConnectionLost))
	assert.Equal(t, 0, p.len())

	for _, s := range slots {
		_, err := s.wait(context.Background())
		assert.ErrorIs(t, err, ErrConnectionLost)
	}
}

func TestPendingWaitContext(t *testing.T) {

	p := newPendingTable()
	s, err := p.register("id")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = s.wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	p.release("id")
	assert.Equal(t, 0, p.len())
}

func TestPendingConcurrentResolve(t *testing.T) {

	p := newPendingTable()

	n := 64
	reqs := make([]*Envelope, n)
	slots := make([]*slot, n)
	for i := range reqs {
		reqs[i] = NewRequest("x")
		s, err := p.register(reqs[i].ID())
		require.NoError(t, err)
		slots[i] = s
	}

	wg := &sync.WaitGroup{}
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.resolve(replyReturn(reqs[i], i))
		}(i)
	}
	wg.Wait()

	for i, s := range slots {
		reply, err := s.wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, reqs[i].ID(), reply.ID())
		assert.Equal(t, i, reply.ReturnValue())
	}
}
