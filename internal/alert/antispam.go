package alert

import (
	"sync"
	"time"
)

// Push anti-spam limits: at most pushAgentPerHour deliveries per agent and
// pushGlobalPerHour across all agents in a trailing hour.
const (
	pushWindow        = time.Hour
	pushGlobalPerHour = 10
	pushAgentPerHour  = 3
)

// In-app coalescing: more than coalesceThreshold deliveries for one agent
// within coalesceWindow switches that agent into digest mode for the next
// coalesceWindow, merging everything into a single digest message.
const (
	coalesceWindow    = 60 * time.Second
	coalesceThreshold = 5
)

// PushLimiter is the push-channel gate. The engine consults it at delivery
// time; the lifecycle manager shares the same instance so cross-agent
// coordination sees the same budget. Safe for concurrent use.
type PushLimiter struct {
	mu       sync.Mutex
	global   []time.Time
	perAgent map[string]*agentWindow
}

// agentWindow counts deliveries since windowStart. The window is not sliding:
// once it ages past an hour the next delivery resets it.
type agentWindow struct {
	windowStart time.Time
	count       int
}

// NewPushLimiter creates an empty push gate.
func NewPushLimiter() *PushLimiter {
	return &PushLimiter{perAgent: make(map[string]*agentWindow)}
}

// Allow admits and records one push delivery for the agent, or denies it
// leaving the budget untouched.
func (p *PushLimiter) Allow(agentID string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.global = prune(p.global, now.Add(-pushWindow))
	if len(p.global) >= pushGlobalPerHour {
		return false
	}

	w, ok := p.perAgent[agentID]
	if !ok || now.Sub(w.windowStart) >= pushWindow {
		p.perAgent[agentID] = &agentWindow{windowStart: now, count: 1}
		p.global = append(p.global, now)
		return true
	}
	if w.count >= pushAgentPerHour {
		return false
	}
	w.count++
	p.global = append(p.global, now)
	return true
}

// Refund returns one admitted delivery to the budget. Used when persisting
// the message failed after admission, so a storage error never burns a slot.
func (p *PushLimiter) Refund(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.global); n > 0 {
		p.global = p.global[:n-1]
	}
	if w, ok := p.perAgent[agentID]; ok && w.count > 0 {
		w.count--
	}
}

func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}

// coalesceState is the per-agent in-app rate tracker. Callers hold the
// engine lock.
type coalesceState struct {
	recent      []time.Time
	digestUntil time.Time
	digestCount int
}

// admit decides the fate of one in-app delivery: deliver normally, or absorb
// it into the agent's digest. Entering digest mode is reported so the engine
// can schedule the flush.
func (c *coalesceState) admit(now time.Time) (deliver, entered bool) {
	if now.Before(c.digestUntil) {
		c.digestCount++
		return false, false
	}

	c.recent = prune(c.recent, now.Add(-coalesceWindow))
	c.recent = append(c.recent, now)
	if len(c.recent) > coalesceThreshold {
		c.digestUntil = now.Add(coalesceWindow)
		c.digestCount = 1
		c.recent = nil
		return false, true
	}
	return true, false
}
