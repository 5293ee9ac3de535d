// Package clock provides the single monotonic time source for the server
// and one-shot timers scheduled against it.
//
// Instants are time.Duration offsets from a per-Service epoch captured at
// construction. The epoch is read with Go's monotonic clock reading, so
// wall-clock adjustments never move scheduled work.
package clock

import (
	"sync"
	"time"
)

// Service is the monotonic clock and timer scheduler.
type Service struct {
	epoch time.Time
}

// NewService captures the epoch and returns a ready Service.
func NewService() *Service {
	return &Service{epoch: time.Now()}
}

// Now returns the monotonic instant: elapsed time since the service epoch.
func (s *Service) Now() time.Duration {
	return time.Since(s.epoch)
}

// Schedule arranges for fn to run on its own goroutine at the given instant.
// Instants in the past fire immediately. The returned Timer can be cancelled
// until the callback has started.
func (s *Service) Schedule(at time.Duration, fn func()) *Timer {
	t := &Timer{fn: fn}
	delay := at - s.Now()
	if delay < 0 {
		delay = 0
	}
	t.timer = time.AfterFunc(delay, t.run)
	return t
}

// Timer is a cancellable one-shot scheduled callback.
type Timer struct {
	mu        sync.Mutex
	timer     *time.Timer
	fn        func()
	started   bool
	cancelled bool
}

// run is the time.AfterFunc trampoline. The started flag is flipped under
// the lock so Cancel can distinguish "not yet run" from "already running".
func (t *Timer) run() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.started = true
	fn := t.fn
	t.mu.Unlock()

	fn()
}

// Cancel stops the timer. It returns true when the callback will not run,
// and false ("late") when the callback has already started; in the late
// case the callback may still be executing when Cancel returns.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return false
	}
	t.cancelled = true
	t.timer.Stop()
	return true
}
