package rpc

import (
	"sync"
)

// Listener observes unsolicited messages and connection lifecycle events.
// Callbacks may run on the connection's reader goroutine and should not
// block for long.
type Listener interface {
	// OnReceive is called with messages that are neither replies nor routed
	// to a handler.
	OnReceive(*Envelope)

	// OnConnectionEstablish is called before an accepted connection is
	// handed off. Calling Cancel on the event rejects the connection.
	OnConnectionEstablish(*ConnectionEvent)

	OnConnectionDrop(*ConnectionEvent)

	OnConnectionReestablish(*ConnectionEvent)

	// OnServerGracefulEnd is called when the server ends the connection
	// with a terminate message.
	OnServerGracefulEnd()
}

// BaseListener implements Listener with no-ops, for embedding.
type BaseListener struct{}

func (BaseListener) OnReceive(*Envelope)                      {}
func (BaseListener) OnConnectionEstablish(*ConnectionEvent)   {}
func (BaseListener) OnConnectionDrop(*ConnectionEvent)        {}
func (BaseListener) OnConnectionReestablish(*ConnectionEvent) {}
func (BaseListener) OnServerGracefulEnd()                     {}

// ConnectionEvent describes a lifecycle change of one connection.
type ConnectionEvent struct {
	Message string
	Address string

	mu        sync.Mutex
	cancelled bool
}

func NewConnectionEvent(address string, message string) *ConnectionEvent {
	return &ConnectionEvent{
		Message: message,
		Address: address,
	}
}

func (e *ConnectionEvent) Cancel() {
	e.mu.Lock()
	e.cancelled = true
	e.mu.Unlock()
}

func (e *ConnectionEvent) Cancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

func (e *ConnectionEvent) String() string {
	return e.Message
}

type listenerSet struct {
	mu        sync.RWMutex
	listeners []Listener
}

func (s *listenerSet) add(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

func (s *listenerSet) snapshot() []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Listener, len(s.listeners))
	copy(out, s.listeners)
	return out
}

func (s *listenerSet) receive(e *Envelope) {
	for _, l := range s.snapshot() {
		l.OnReceive(e)
	}
}

// establish returns false when any listener cancelled the event.
func (s *listenerSet) establish(ev *ConnectionEvent) bool {
	for _, l := range s.snapshot() {
		l.OnConnectionEstablish(ev)
	}
	return !ev.Cancelled()
}

func (s *listenerSet) drop(ev *ConnectionEvent) {
	for _, l := range s.snapshot() {
		l.OnConnectionDrop(ev)
	}
}

func (s *listenerSet) reestablish(ev *ConnectionEvent) {
	for _, l := range s.snapshot() {
		l.OnConnectionReestablish(ev)
	}
}

func (s *listenerSet) gracefulEnd() {
	for _, l := range s.snapshot() {
		l.OnServerGracefulEnd()
	}
}
