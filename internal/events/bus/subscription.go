package bus

import (
	"sync"

	"github.com/google/uuid"

	"github.com/opencode/opencode-dashboard/internal/events"
)

// queueCapacity bounds the per-subscriber queue. Past this point the oldest
// event is discarded and a gap marker is delivered before the next event.
const queueCapacity = 256

// Subscription is one consumer's bounded view of the event stream. Enqueueing
// is lock-only so publishers never block; a pump goroutine moves events from
// the queue to the outbound channel at whatever pace the consumer sustains.
type Subscription struct {
	id     string
	out    chan *events.DashboardEvent
	notify chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	queue   []*events.DashboardEvent
	dropped int
	closed  bool

	closeOnce sync.Once
	remove    func(*Subscription)
}

func newSubscription(remove func(*Subscription)) *Subscription {
	s := &Subscription{
		id:     uuid.New().String(),
		out:    make(chan *events.DashboardEvent),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		remove: remove,
	}
	go s.pump()
	return s
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// C returns the channel events are delivered on. It is closed after
// Unsubscribe, once the pump has exited.
func (s *Subscription) C() <-chan *events.DashboardEvent { return s.out }

// Unsubscribe releases the queue. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		if s.remove != nil {
			s.remove(s)
		}
		close(s.done)
	})
}

// enqueue appends the event, evicting the oldest entry when the queue is at
// capacity. Called by publishers; never blocks.
func (s *Subscription) enqueue(event *events.DashboardEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= queueCapacity {
		copy(s.queue, s.queue[1:])
		s.queue = s.queue[:len(s.queue)-1]
		s.dropped++
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump delivers queued events to the consumer. When events were dropped since
// the last delivery, a gap marker with the drop count is delivered first so
// the client can resync.
func (s *Subscription) pump() {
	defer close(s.out)

	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			event, gap := s.next()
			if event == nil {
				break
			}
			if gap > 0 {
				marker := events.New(events.StreamGap, map[string]interface{}{"dropped": gap})
				select {
				case s.out <- marker:
				case <-s.done:
					return
				}
			}
			select {
			case s.out <- event:
			case <-s.done:
				return
			}
		}
	}
}

// next pops the head of the queue along with any pending drop count.
func (s *Subscription) next() (*events.DashboardEvent, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return nil, 0
	}
	event := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	gap := s.dropped
	s.dropped = 0
	return event, gap
}
