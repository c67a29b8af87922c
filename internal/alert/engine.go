package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/opencode/opencode-dashboard/internal/common/logger"
	"github.com/opencode/opencode-dashboard/internal/events"
	"github.com/opencode/opencode-dashboard/internal/events/bus"
	"github.com/opencode/opencode-dashboard/internal/store"
	"github.com/opencode/opencode-dashboard/internal/timer"
)

const deliverTimeout = 10 * time.Second

// RuleStore is the slice of the store the engine needs.
type RuleStore interface {
	ListAlertRulesFor(ctx context.Context, trigger store.Trigger, priority store.Priority) ([]*store.AlertRule, error)
	CreateMessage(ctx context.Context, msg *store.Message) (int64, error)
}

// pendingKey identifies one scheduled, not-yet-fired alert.
type pendingKey struct {
	agentID string
	taskID  string
	trigger store.Trigger
	ruleID  string
}

type pendingAlert struct {
	handle timer.Handle
	rule   *store.AlertRule
	event  Event
}

// batch accumulates completion events for one rule until its window closes.
// The window is anchored at the first event; later events join it without
// extending it.
type batch struct {
	handle timer.Handle
	events []Event
}

// Engine matches lifecycle events against alert rules and turns them into
// persisted messages, applying delays, completion batching, push throttling,
// and in-app coalescing. All methods are safe for concurrent use.
type Engine struct {
	store  RuleStore
	bus    bus.EventBus
	timers timer.Scheduler
	logger *logger.Logger

	push *PushLimiter

	mu       sync.Mutex
	pending  map[pendingKey]*pendingAlert
	batches  map[string]*batch
	coalesce map[string]*coalesceState

	dropped atomic.Int64
}

// NewEngine creates an alert engine. It holds no goroutines of its own; all
// deferred work runs on the scheduler's timers.
func NewEngine(ruleStore RuleStore, eventBus bus.EventBus, timers timer.Scheduler, log *logger.Logger) *Engine {
	return &Engine{
		store:    ruleStore,
		bus:      eventBus,
		timers:   timers,
		logger:   log.WithFields(zap.String("component", "alert-engine")),
		push:     NewPushLimiter(),
		pending:  make(map[pendingKey]*pendingAlert),
		batches:  make(map[string]*batch),
		coalesce: make(map[string]*coalesceState),
	}
}

// Limiter exposes the push gate so the composition root can share it with
// the lifecycle manager.
func (e *Engine) Limiter() *PushLimiter {
	return e.push
}

// ProcessEvent evaluates every enabled rule for the event's trigger and
// priority. Zero-delay rules deliver immediately, completion rules with a
// delay join a batch, and everything else is scheduled and cancellable.
// Failures are logged, never returned: notification trouble must not reach
// the lifecycle path.
func (e *Engine) ProcessEvent(ctx context.Context, event Event) {
	rules, err := e.store.ListAlertRulesFor(ctx, event.Trigger, event.Priority)
	if err != nil {
		e.logger.Error("failed to load alert rules",
			zap.String("trigger", string(event.Trigger)), zap.Error(err))
		return
	}

	for _, rule := range rules {
		switch {
		case rule.DelayMS == 0:
			e.deliver(ctx, rule, event)
		case event.Trigger == store.TriggerCompleted:
			e.enqueueBatch(rule, event)
		default:
			e.schedule(rule, event)
		}
	}
}

// ProcessImmediate delivers all matching rules right away, ignoring delays
// and batching. Used during startup reconciliation where the condition has
// already persisted longer than any configured delay.
func (e *Engine) ProcessImmediate(ctx context.Context, event Event) {
	rules, err := e.store.ListAlertRulesFor(ctx, event.Trigger, event.Priority)
	if err != nil {
		e.logger.Error("failed to load alert rules",
			zap.String("trigger", string(event.Trigger)), zap.Error(err))
		return
	}
	for _, rule := range rules {
		e.deliver(ctx, rule, event)
	}
}

// CancelPendingAlerts cancels every scheduled alert and batch entry for the
// agent. A non-empty taskID narrows cancellation to that task. Returns how
// many deliveries were prevented; cancelling nothing is not an error.
func (e *Engine) CancelPendingAlerts(agentID, taskID string) int {
	return e.cancelWhere(func(k pendingKey, ev Event) bool {
		if k.agentID != agentID && ev.AgentID != agentID {
			return false
		}
		if taskID != "" && k.taskID != taskID && ev.TaskID != taskID {
			return false
		}
		return true
	})
}

// CancelPendingTrigger cancels scheduled alerts for one (agent, task, trigger)
// combination. Used when a state transition supersedes an earlier condition,
// such as a block arriving while a completion alert is still pending.
func (e *Engine) CancelPendingTrigger(agentID, taskID string, trigger store.Trigger) int {
	return e.cancelWhere(func(k pendingKey, ev Event) bool {
		if ev.Trigger != trigger {
			return false
		}
		return k.agentID == agentID && k.taskID == taskID ||
			ev.AgentID == agentID && ev.TaskID == taskID
	})
}

func (e *Engine) cancelWhere(match func(pendingKey, Event) bool) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	count := 0
	for key, p := range e.pending {
		if !match(key, p.event) {
			continue
		}
		delete(e.pending, key)
		// Only a won race counts: if the callback already committed the
		// delivery happened and must not be reported as prevented.
		if p.handle.Cancel() {
			count++
		}
	}

	for ruleID, b := range e.batches {
		kept := b.events[:0]
		for _, ev := range b.events {
			if match(pendingKey{agentID: ev.AgentID, taskID: ev.TaskID, ruleID: ruleID}, ev) {
				count++
				continue
			}
			kept = append(kept, ev)
		}
		b.events = kept
		if len(b.events) == 0 {
			b.handle.Cancel()
			delete(e.batches, ruleID)
		}
	}
	return count
}

// DroppedCount reports deliveries silently dropped by anti-spam.
func (e *Engine) DroppedCount() int64 {
	return e.dropped.Load()
}

// Shutdown cancels all scheduled work. In-flight deliveries finish.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, p := range e.pending {
		p.handle.Cancel()
		delete(e.pending, key)
	}
	for ruleID, b := range e.batches {
		b.handle.Cancel()
		delete(e.batches, ruleID)
	}
}

func (e *Engine) schedule(rule *store.AlertRule, event Event) {
	key := pendingKey{agentID: event.AgentID, taskID: event.TaskID, trigger: event.Trigger, ruleID: rule.ID}

	e.mu.Lock()
	defer e.mu.Unlock()

	// A repeat of the same condition keeps the earlier timer running.
	if _, exists := e.pending[key]; exists {
		return
	}

	p := &pendingAlert{rule: rule, event: event}
	p.handle = e.timers.Schedule(time.Duration(rule.DelayMS)*time.Millisecond, func() {
		e.firePending(key)
	})
	e.pending[key] = p
}

func (e *Engine) firePending(key pendingKey) {
	e.mu.Lock()
	p, ok := e.pending[key]
	if ok {
		delete(e.pending, key)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()
	e.deliver(ctx, p.rule, p.event)
}

func (e *Engine) enqueueBatch(rule *store.AlertRule, event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if b, ok := e.batches[rule.ID]; ok {
		b.events = append(b.events, event)
		return
	}

	b := &batch{events: []Event{event}}
	b.handle = e.timers.Schedule(time.Duration(rule.DelayMS)*time.Millisecond, func() {
		e.flushBatch(rule)
	})
	e.batches[rule.ID] = b
}

func (e *Engine) flushBatch(rule *store.AlertRule) {
	e.mu.Lock()
	b, ok := e.batches[rule.ID]
	if ok {
		delete(e.batches, rule.ID)
	}
	e.mu.Unlock()
	if !ok || len(b.events) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	if len(b.events) == 1 {
		e.deliver(ctx, rule, b.events[0])
		return
	}

	titles := make([]string, len(b.events))
	for i, ev := range b.events {
		titles[i] = ev.Title
	}
	merged := b.events[0]
	merged.Title = ""
	merged.Reason = ""
	e.send(ctx, rule, merged, "completed",
		fmt.Sprintf("%d tasks completed: %s", len(b.events), strings.Join(titles, ", ")))
}

// deliver pushes one event through anti-spam and persists the resulting
// message. With channel both, a throttled push collapses into the in-app
// delivery rather than producing a duplicate.
func (e *Engine) deliver(ctx context.Context, rule *store.AlertRule, event Event) {
	now := e.timers.Now()

	wantPush := rule.Channel == store.ChannelPush || rule.Channel == store.ChannelBoth
	wantInApp := rule.Channel == store.ChannelInApp || rule.Channel == store.ChannelBoth

	downgraded := false
	if wantPush {
		if !e.push.Allow(event.AgentID, now) {
			wantPush = false
			downgraded = !wantInApp
			wantInApp = true
		}
	}

	if wantInApp {
		e.mu.Lock()
		state, ok := e.coalesce[event.AgentID]
		if !ok {
			state = &coalesceState{}
			e.coalesce[event.AgentID] = state
		}
		admitted, entered := state.admit(now)
		e.mu.Unlock()

		if entered {
			e.timers.Schedule(coalesceWindow, func() {
				e.flushDigest(event.AgentID)
			})
		}
		if !admitted {
			if !wantPush {
				// Absorbed into the agent's digest. A delivery that only got
				// here by downgrade lost both channels and counts as dropped.
				if downgraded {
					e.dropped.Add(1)
				}
				return
			}
			wantInApp = false
		}
	}

	msgID := e.createMessage(ctx, event, string(event.Trigger), renderContent(event))
	if msgID == 0 {
		if wantPush {
			e.push.Refund(event.AgentID)
		}
		return
	}
	if wantInApp {
		e.publishDelivery(ctx, msgID, rule.ID, event, store.ChannelInApp)
	}
	if wantPush {
		e.publishDelivery(ctx, msgID, rule.ID, event, store.ChannelPush)
	}
}

// send persists a pre-rendered message and publishes it in-app. Batches and
// digests always land in-app; they are summaries, not pages.
func (e *Engine) send(ctx context.Context, rule *store.AlertRule, event Event, msgType, content string) {
	msgID := e.createMessage(ctx, event, msgType, content)
	if msgID == 0 {
		return
	}
	ruleID := ""
	if rule != nil {
		ruleID = rule.ID
	}
	e.publishDelivery(ctx, msgID, ruleID, event, store.ChannelInApp)
}

func (e *Engine) flushDigest(agentID string) {
	e.mu.Lock()
	state, ok := e.coalesce[agentID]
	var count int
	if ok {
		count = state.digestCount
		state.digestCount = 0
		state.digestUntil = time.Time{}
	}
	e.mu.Unlock()
	if count == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()
	e.send(ctx, nil, Event{AgentID: agentID}, "digest",
		fmt.Sprintf("%d notifications for agent %s in the last minute", count, agentID))
}

func (e *Engine) createMessage(ctx context.Context, event Event, msgType, content string) int64 {
	msg := &store.Message{
		Type:      msgType,
		Content:   content,
		CreatedAt: e.timers.Now().Unix(),
	}
	if event.TaskID != "" {
		msg.TodoID = &event.TaskID
	}
	if event.AgentID != "" {
		msg.SessionID = &event.AgentID
	}
	if event.ProjectID != "" {
		msg.ProjectID = &event.ProjectID
	}

	id, err := e.store.CreateMessage(ctx, msg)
	if err != nil {
		e.logger.Error("failed to persist alert message",
			zap.String("agent_id", event.AgentID), zap.String("type", msgType), zap.Error(err))
		return 0
	}
	return id
}

func (e *Engine) publishDelivery(ctx context.Context, msgID int64, ruleID string, event Event, channel store.Channel) {
	payload := map[string]interface{}{
		"message_id": msgID,
		"channel":    string(channel),
		"agent_id":   event.AgentID,
	}
	if ruleID != "" {
		payload["rule_id"] = ruleID
	}
	if event.TaskID != "" {
		payload["task_id"] = event.TaskID
	}
	if err := e.bus.Publish(ctx, events.New(events.MessageCreated, payload)); err != nil {
		e.logger.Error("failed to publish message event", zap.Error(err))
	}
}

func renderContent(event Event) string {
	switch event.Trigger {
	case store.TriggerBlocked:
		if event.Reason != "" {
			return fmt.Sprintf("Agent %s is blocked on %q: %s", event.AgentID, event.Title, event.Reason)
		}
		return fmt.Sprintf("Agent %s is blocked on %q", event.AgentID, event.Title)
	case store.TriggerError:
		return fmt.Sprintf("Agent %s hit repeated errors on %q: %s", event.AgentID, event.Title, event.Reason)
	case store.TriggerCompleted:
		return fmt.Sprintf("Agent %s completed %q", event.AgentID, event.Title)
	case store.TriggerIdleTooLong:
		return fmt.Sprintf("Agent %s has been idle for over 30 minutes with pending tasks", event.AgentID)
	case store.TriggerStaleTask:
		return fmt.Sprintf("Task %q on agent %s has not progressed", event.Title, event.AgentID)
	default:
		return fmt.Sprintf("Agent %s: %s", event.AgentID, event.Reason)
	}
}
