package rpc

import (
	"fmt"
	"sync/atomic"
)

// Status tracks a fire-and-forget call.
type Status struct {
	sent     atomic.Bool
	received atomic.Bool
	done     chan struct{}
}

func newStatus() *Status {
	return &Status{
		done: make(chan struct{}),
	}
}

// Sent reports whether the request was written to the connection.
func (s *Status) Sent() bool {
	return s.sent.Load()
}

// Received reports whether a reply arrived.
func (s *Status) Received() bool {
	return s.received.Load()
}

// Done is closed once the call settles, whether by reply or by teardown.
func (s *Status) Done() <-chan struct{} {
	return s.done
}

func (s *Status) String() string {
	yesNo := func(b bool) string {
		if b {
			return "YES"
		}
		return "NO"
	}
	return fmt.Sprintf("Sent: %s Received: %s", yesNo(s.Sent()), yesNo(s.Received()))
}
