package rpc

import (
	"context"
	"fmt"
	"sync"
)

// slot is a single-assignment cell for one in-flight request. done is
// closed exactly once, after reply or err has been set.
type slot struct {
	once  sync.Once
	done  chan struct{}
	reply *Envelope
	err   error
}

func newSlot() *slot {
	return &slot{
		done: make(chan struct{}),
	}
}

func (s *slot) settle(reply *Envelope, err error) bool {
	settled := false
	s.once.Do(func() {
		s.reply = reply
		s.err = err
		close(s.done)
		settled = true
	})
	return settled
}

func (s *slot) wait(ctx context.Context) (*Envelope, error) {
	select {
	case <-s.done:
		return s.reply, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pendingTable correlates in-flight request ids with their slots.
type pendingTable struct {
	mu    sync.RWMutex
	slots map[string]*slot
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		slots: make(map[string]*slot),
	}
}

func (p *pendingTable) register(id string) (*slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.slots[id]; ok {
		return nil, fmt.Errorf("request %s is already in flight", id)
	}
	s := newSlot()
	p.slots[id] = s
	return s, nil
}

// resolve hands the reply to the matching slot and removes it. It is the
// only path that completes a slot with a reply, so an id resolves at most
// once.
func (p *pendingTable) resolve(reply *Envelope) bool {
	p.mu.Lock()
	s, ok := p.slots[reply.ID()]
	delete(p.slots, reply.ID())
	p.mu.Unlock()

	if !ok {
		return false
	}
	return s.settle(reply, nil)
}

func (p *pendingTable) release(id string) {
	p.mu.Lock()
	delete(p.slots, id)
	p.mu.Unlock()
}

// failAll settles every outstanding slot with err and empties the table.
func (p *pendingTable) failAll(err error) int {
	p.mu.Lock()
	slots := p.slots
	p.slots = make(map[string]*slot)
	p.mu.Unlock()

	for _, s := range slots {
		s.settle(nil, err)
	}
	return len(slots)
}

func (p *pendingTable) len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.slots)
}
