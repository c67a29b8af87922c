package timer

import (
	"sort"
	"sync"
	"time"
)

// Manual is a deterministic Scheduler for tests. Time only moves when Advance
// is called, and due callbacks run synchronously on the advancing goroutine
// in firing order.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	nextID int
	timers map[int]*manualTimer
}

type manualTimer struct {
	owner    *Manual
	id       int
	at       time.Time
	interval time.Duration
	fn       func()
}

// NewManual creates a manual scheduler starting at the given instant.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, timers: make(map[int]*manualTimer)}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Schedule(delay time.Duration, fn func()) Handle {
	return m.add(delay, 0, fn)
}

func (m *Manual) Every(interval time.Duration, fn func()) Handle {
	return m.add(interval, interval, fn)
}

func (m *Manual) add(delay, interval time.Duration, fn func()) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t := &manualTimer{owner: m, id: m.nextID, at: m.now.Add(delay), interval: interval, fn: fn}
	m.timers[t.id] = t
	return t
}

// Advance moves the clock forward by d, firing every timer that comes due.
// Callbacks may schedule or cancel other timers.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	for {
		t := m.nextDue(target)
		if t == nil {
			break
		}
		m.now = t.at
		if t.interval > 0 {
			t.at = t.at.Add(t.interval)
		} else {
			delete(m.timers, t.id)
		}
		fn := t.fn
		m.mu.Unlock()
		fn()
		m.mu.Lock()
	}
	m.now = target
	m.mu.Unlock()
}

// nextDue returns the earliest timer at or before target, ties broken by
// creation order. Caller holds the lock.
func (m *Manual) nextDue(target time.Time) *manualTimer {
	ids := make([]int, 0, len(m.timers))
	for id := range m.timers {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var due *manualTimer
	for _, id := range ids {
		t := m.timers[id]
		if t.at.After(target) {
			continue
		}
		if due == nil || t.at.Before(due.at) {
			due = t
		}
	}
	return due
}

func (t *manualTimer) Cancel() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if _, ok := t.owner.timers[t.id]; !ok {
		return t.interval > 0
	}
	delete(t.owner.timers, t.id)
	return true
}
