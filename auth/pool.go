package auth

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned by Do after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// Pool is a fixed-size worker pool with a bounded queue for CPU-bound work.
// Submission applies backpressure: Do blocks the caller while the queue is
// full. Sized once at startup; hashing and verification run here so they
// never stall the dispatcher or timer callbacks.
type Pool struct {
	jobs    chan func()
	quit    chan struct{}
	workers sync.WaitGroup
	senders sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

// NewPool starts workers goroutines backed by a queue of the same size.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		jobs: make(chan func(), workers),
		quit: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.workers.Add(1)
		go func() {
			defer p.workers.Done()
			for job := range p.jobs {
				job()
			}
		}()
	}
	return p
}

// Do runs fn on a pool worker and waits for it to finish. It returns early
// with the context error if ctx is cancelled while queueing or running, and
// ErrPoolClosed if the pool shuts down while the submission is waiting for
// a queue slot.
func (p *Pool) Do(ctx context.Context, fn func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	// Registered under the lock so Close cannot observe zero senders
	// between the closed check and the enqueue below.
	p.senders.Add(1)
	p.mu.Unlock()
	defer p.senders.Done()

	done := make(chan struct{})
	job := func() {
		defer close(done)
		fn()
	}

	select {
	case p.jobs <- job:
	case <-p.quit:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work and waits for queued jobs to finish. Callers
// blocked waiting for a queue slot are released with ErrPoolClosed; the
// jobs channel is only closed once no submitter can still be sending on it.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.quit)
	p.senders.Wait()
	close(p.jobs)
	p.workers.Wait()
}
