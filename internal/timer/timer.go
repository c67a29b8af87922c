// Package timer provides the clock and cancellable timer service used by the
// lifecycle manager and the alert engine. Keeping scheduling behind one small
// interface lets tests substitute a manual clock.
package timer

import (
	"sync"
	"time"
)

// Handle is a scheduled callback that can be cancelled. For one-shot timers
// Cancel reports whether it won the race against the callback: a true return
// guarantees the callback has not run and never will; false means the
// callback was already committed and may still run. For tickers Cancel stops
// future ticks and always returns true the first time.
type Handle interface {
	Cancel() bool
}

// Scheduler is the clock surface consumed by the core services.
type Scheduler interface {
	Now() time.Time
	Schedule(delay time.Duration, fn func()) Handle
	Every(interval time.Duration, fn func()) Handle
}

// Service implements Scheduler on the runtime clock.
type Service struct {
	// now is replaceable in tests.
	now func() time.Time
}

// NewService creates a timer service backed by the wall clock.
func NewService() *Service {
	return &Service{now: time.Now}
}

// Now returns the current time.
func (s *Service) Now() time.Time {
	return s.now()
}

// Schedule runs fn once after delay unless cancelled first.
func (s *Service) Schedule(delay time.Duration, fn func()) Handle {
	t := &oneShot{}
	t.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		if t.cancelled {
			t.mu.Unlock()
			return
		}
		t.fired = true
		t.mu.Unlock()
		fn()
	})
	return t
}

// Every runs fn every interval until cancelled.
func (s *Service) Every(interval time.Duration, fn func()) Handle {
	t := &ticker{done: make(chan struct{})}
	go func() {
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-t.done:
				return
			case <-tick.C:
				fn()
			}
		}
	}()
	return t
}

// oneShot resolves the fire/cancel race under a single mutex: whichever side
// takes the lock first wins, and the loser observes the flag.
type oneShot struct {
	mu        sync.Mutex
	timer     *time.Timer
	fired     bool
	cancelled bool
}

func (t *oneShot) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired {
		return false
	}
	t.cancelled = true
	t.timer.Stop()
	return true
}

type ticker struct {
	once sync.Once
	done chan struct{}
}

func (t *ticker) Cancel() bool {
	t.once.Do(func() { close(t.done) })
	return true
}
