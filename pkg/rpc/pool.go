package rpc

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxConcurrent = 10
	DefaultMaxQueued     = 10
)

// WorkerPool runs tasks on a fixed number of workers fed by a bounded
// queue. When the queue is full the task runs on the submitting goroutine,
// so no task is ever dropped.
type WorkerPool struct {
	queue  chan func()
	group  errgroup.Group
	mu     sync.RWMutex
	closed bool
}

func NewWorkerPool(maxConcurrent int, maxQueued int) *WorkerPool {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if maxQueued < 0 {
		maxQueued = DefaultMaxQueued
	}

	p := &WorkerPool{
		queue: make(chan func(), maxQueued),
	}
	for i := 0; i < maxConcurrent; i++ {
		p.group.Go(func() error {
			for task := range p.queue {
				task()
			}
			return nil
		})
	}
	return p
}

// Submit queues the task, or runs it inline when the queue is full or the
// pool is closed. It reports whether the task was queued.
func (p *WorkerPool) Submit(task func()) bool {
	p.mu.RLock()
	if !p.closed {
		select {
		case p.queue <- task:
			p.mu.RUnlock()
			return true
		default:
		}
	}
	p.mu.RUnlock()

	task()
	return false
}

// Close stops accepting queued work. Tasks already queued still run.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.queue)
}

// Wait blocks until every worker has exited. Only meaningful after Close.
func (p *WorkerPool) Wait() {
	p.group.Wait()
}
