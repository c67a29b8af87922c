package alert

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode/opencode-dashboard/internal/common/logger"
	"github.com/opencode/opencode-dashboard/internal/events"
	"github.com/opencode/opencode-dashboard/internal/events/bus"
	"github.com/opencode/opencode-dashboard/internal/store"
	"github.com/opencode/opencode-dashboard/internal/timer"
)

type fakeStore struct {
	mu       sync.Mutex
	rules    []*store.AlertRule
	messages []*store.Message
	fail     error
}

func (f *fakeStore) ListAlertRulesFor(_ context.Context, trigger store.Trigger, priority store.Priority) ([]*store.AlertRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []*store.AlertRule
	for _, r := range f.rules {
		if r.Trigger == trigger && r.Matches(priority) {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

func (f *fakeStore) CreateMessage(_ context.Context, msg *store.Message) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return 0, f.fail
	}
	msg.ID = int64(len(f.messages) + 1)
	f.messages = append(f.messages, msg)
	return msg.ID, nil
}

func (f *fakeStore) created() []*store.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*store.Message(nil), f.messages...)
}

type fakeBus struct {
	mu        sync.Mutex
	published []*events.DashboardEvent
}

func (f *fakeBus) Publish(_ context.Context, event *events.DashboardEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, event)
	return nil
}

func (f *fakeBus) Subscribe() (*bus.Subscription, error) { return nil, fmt.Errorf("not implemented") }
func (f *fakeBus) Close()                                {}
func (f *fakeBus) IsConnected() bool                     { return true }

func (f *fakeBus) byChannel(channel string) []*events.DashboardEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*events.DashboardEvent
	for _, ev := range f.published {
		if ev.Type == events.MessageCreated && ev.Payload["channel"] == channel {
			out = append(out, ev)
		}
	}
	return out
}

func rule(id string, trigger store.Trigger, filter string, delayMS int64, channel store.Channel) *store.AlertRule {
	return &store.AlertRule{ID: id, Trigger: trigger, PriorityFilter: filter, DelayMS: delayMS, Channel: channel, Enabled: true}
}

func newTestEngine(t *testing.T, rules ...*store.AlertRule) (*Engine, *fakeStore, *fakeBus, *timer.Manual) {
	t.Helper()
	st := &fakeStore{rules: rules}
	eventBus := &fakeBus{}
	clock := timer.NewManual(time.Unix(1_700_000_000, 0))
	engine := NewEngine(st, eventBus, clock, logger.Default())
	return engine, st, eventBus, clock
}

func blockedEvent(agentID, taskID string, priority store.Priority) Event {
	return Event{
		Trigger:  store.TriggerBlocked,
		AgentID:  agentID,
		TaskID:   taskID,
		Title:    "implement parser",
		Priority: priority,
		Reason:   "waiting on credentials",
	}
}

func TestImmediateDelivery(t *testing.T) {
	engine, st, eventBus, _ := newTestEngine(t,
		rule("blocked-high", store.TriggerBlocked, "high", 0, store.ChannelBoth))

	engine.ProcessEvent(context.Background(), blockedEvent("agent-1", "task-1", store.PriorityHigh))

	msgs := st.created()
	require.Len(t, msgs, 1)
	assert.Equal(t, "blocked", msgs[0].Type)
	assert.Contains(t, msgs[0].Content, "waiting on credentials")
	require.NotNil(t, msgs[0].SessionID)
	assert.Equal(t, "agent-1", *msgs[0].SessionID)

	assert.Len(t, eventBus.byChannel("in_app"), 1)
	assert.Len(t, eventBus.byChannel("push"), 1)
}

func TestNonMatchingPriorityIgnored(t *testing.T) {
	engine, st, _, _ := newTestEngine(t,
		rule("blocked-high", store.TriggerBlocked, "high", 0, store.ChannelBoth))

	engine.ProcessEvent(context.Background(), blockedEvent("agent-1", "task-1", store.PriorityLow))
	assert.Empty(t, st.created())
}

func TestDelayedAlertFires(t *testing.T) {
	engine, st, _, clock := newTestEngine(t,
		rule("blocked-medium", store.TriggerBlocked, "medium", 120_000, store.ChannelInApp))

	engine.ProcessEvent(context.Background(), blockedEvent("agent-1", "task-1", store.PriorityMedium))
	assert.Empty(t, st.created())

	clock.Advance(119 * time.Second)
	assert.Empty(t, st.created())

	clock.Advance(2 * time.Second)
	require.Len(t, st.created(), 1)
}

func TestCancelPreventsDelayedAlert(t *testing.T) {
	engine, st, _, clock := newTestEngine(t,
		rule("blocked-medium", store.TriggerBlocked, "medium", 120_000, store.ChannelInApp))

	engine.ProcessEvent(context.Background(), blockedEvent("agent-1", "task-1", store.PriorityMedium))
	assert.Equal(t, 1, engine.CancelPendingAlerts("agent-1", "task-1"))

	clock.Advance(5 * time.Minute)
	assert.Empty(t, st.created())

	// Cancelling again finds nothing and is not an error.
	assert.Equal(t, 0, engine.CancelPendingAlerts("agent-1", "task-1"))
}

func TestCancelScopedToTask(t *testing.T) {
	engine, st, _, clock := newTestEngine(t,
		rule("blocked-medium", store.TriggerBlocked, "medium", 120_000, store.ChannelInApp))

	engine.ProcessEvent(context.Background(), blockedEvent("agent-1", "task-1", store.PriorityMedium))
	engine.ProcessEvent(context.Background(), blockedEvent("agent-1", "task-2", store.PriorityMedium))

	assert.Equal(t, 1, engine.CancelPendingAlerts("agent-1", "task-1"))
	clock.Advance(5 * time.Minute)
	require.Len(t, st.created(), 1)
}

func TestRepeatEventKeepsOriginalTimer(t *testing.T) {
	engine, st, _, clock := newTestEngine(t,
		rule("blocked-medium", store.TriggerBlocked, "medium", 120_000, store.ChannelInApp))

	engine.ProcessEvent(context.Background(), blockedEvent("agent-1", "task-1", store.PriorityMedium))
	clock.Advance(90 * time.Second)
	engine.ProcessEvent(context.Background(), blockedEvent("agent-1", "task-1", store.PriorityMedium))

	// The second report does not restart the delay.
	clock.Advance(31 * time.Second)
	require.Len(t, st.created(), 1)
}

func TestCompletionBatch(t *testing.T) {
	engine, st, eventBus, clock := newTestEngine(t,
		rule("completed-batch-medium", store.TriggerCompleted, "medium", 300_000, store.ChannelInApp))

	for i := 1; i <= 3; i++ {
		engine.ProcessEvent(context.Background(), Event{
			Trigger:  store.TriggerCompleted,
			AgentID:  "agent-1",
			TaskID:   fmt.Sprintf("task-%d", i),
			Title:    fmt.Sprintf("chore %d", i),
			Priority: store.PriorityMedium,
		})
		clock.Advance(30 * time.Second)
	}
	assert.Empty(t, st.created())

	// The window is anchored at the first event, not the last.
	clock.Advance(250 * time.Second)
	msgs := st.created()
	require.Len(t, msgs, 1)
	assert.Equal(t, "completed", msgs[0].Type)
	assert.Contains(t, msgs[0].Content, "3 tasks completed")
	assert.Contains(t, msgs[0].Content, "chore 2")
	assert.Len(t, eventBus.byChannel("in_app"), 1)
}

func TestSingleEventBatchDeliversNormally(t *testing.T) {
	engine, st, _, clock := newTestEngine(t,
		rule("completed-batch-low", store.TriggerCompleted, "low", 300_000, store.ChannelInApp))

	engine.ProcessEvent(context.Background(), Event{
		Trigger:  store.TriggerCompleted,
		AgentID:  "agent-1",
		TaskID:   "task-1",
		Title:    "tidy docs",
		Priority: store.PriorityLow,
	})
	clock.Advance(301 * time.Second)

	msgs := st.created()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Content, `completed "tidy docs"`)
	assert.NotContains(t, msgs[0].Content, "tasks completed")
}

func TestCancelRemovesBatchEntry(t *testing.T) {
	engine, st, _, clock := newTestEngine(t,
		rule("completed-batch-medium", store.TriggerCompleted, "medium", 300_000, store.ChannelInApp))

	for _, agent := range []string{"agent-1", "agent-2"} {
		engine.ProcessEvent(context.Background(), Event{
			Trigger:  store.TriggerCompleted,
			AgentID:  agent,
			TaskID:   "task-" + agent,
			Title:    "work for " + agent,
			Priority: store.PriorityMedium,
		})
	}

	assert.Equal(t, 1, engine.CancelPendingAlerts("agent-1", ""))
	clock.Advance(301 * time.Second)

	msgs := st.created()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Content, "agent-2")
	assert.NotContains(t, msgs[0].Content, "agent-1")
}

func TestEmptiedBatchNeverFlushes(t *testing.T) {
	engine, st, _, clock := newTestEngine(t,
		rule("completed-batch-medium", store.TriggerCompleted, "medium", 300_000, store.ChannelInApp))

	engine.ProcessEvent(context.Background(), Event{
		Trigger:  store.TriggerCompleted,
		AgentID:  "agent-1",
		TaskID:   "task-1",
		Title:    "only entry",
		Priority: store.PriorityMedium,
	})
	assert.Equal(t, 1, engine.CancelPendingAlerts("agent-1", ""))

	clock.Advance(10 * time.Minute)
	assert.Empty(t, st.created())
}

func TestCancelPendingTrigger(t *testing.T) {
	engine, st, _, clock := newTestEngine(t,
		rule("blocked-medium", store.TriggerBlocked, "medium", 120_000, store.ChannelInApp),
		rule("stale-all", store.TriggerStaleTask, "all", 600_000, store.ChannelPush))

	engine.ProcessEvent(context.Background(), blockedEvent("agent-1", "task-1", store.PriorityMedium))
	engine.ProcessEvent(context.Background(), Event{
		Trigger:  store.TriggerStaleTask,
		AgentID:  "agent-1",
		TaskID:   "task-1",
		Title:    "implement parser",
		Priority: store.PriorityMedium,
	})

	// Only the blocked alert is superseded; the stale watch survives.
	assert.Equal(t, 1, engine.CancelPendingTrigger("agent-1", "task-1", store.TriggerBlocked))
	clock.Advance(11 * time.Minute)

	msgs := st.created()
	require.Len(t, msgs, 1)
	assert.Equal(t, "stale_task", msgs[0].Type)
}

func TestPushThrottlePerAgent(t *testing.T) {
	engine, st, eventBus, clock := newTestEngine(t,
		rule("error-all", store.TriggerError, "all", 0, store.ChannelPush))

	for i := 0; i < 4; i++ {
		engine.ProcessEvent(context.Background(), Event{
			Trigger:  store.TriggerError,
			AgentID:  "agent-1",
			TaskID:   "task-1",
			Title:    "implement parser",
			Priority: store.PriorityHigh,
			Reason:   "compile failure",
		})
		clock.Advance(time.Minute)
	}

	// Three pushes per agent per hour; the fourth downgrades to in-app.
	assert.Len(t, eventBus.byChannel("push"), 3)
	assert.Len(t, eventBus.byChannel("in_app"), 1)
	assert.Len(t, st.created(), 4)
}

func TestPushThrottleGlobal(t *testing.T) {
	engine, _, eventBus, _ := newTestEngine(t,
		rule("error-all", store.TriggerError, "all", 0, store.ChannelPush))

	for i := 0; i < 11; i++ {
		engine.ProcessEvent(context.Background(), Event{
			Trigger:  store.TriggerError,
			AgentID:  fmt.Sprintf("agent-%d", i),
			TaskID:   "task-1",
			Title:    "implement parser",
			Priority: store.PriorityHigh,
		})
	}

	assert.Len(t, eventBus.byChannel("push"), 10)
	assert.Len(t, eventBus.byChannel("in_app"), 1)
}

func TestPushWindowSlides(t *testing.T) {
	engine, _, eventBus, clock := newTestEngine(t,
		rule("error-all", store.TriggerError, "all", 0, store.ChannelPush))

	send := func() {
		engine.ProcessEvent(context.Background(), Event{
			Trigger:  store.TriggerError,
			AgentID:  "agent-1",
			TaskID:   "task-1",
			Title:    "implement parser",
			Priority: store.PriorityHigh,
		})
	}

	for i := 0; i < 3; i++ {
		send()
	}
	send()
	assert.Len(t, eventBus.byChannel("push"), 3)

	clock.Advance(61 * time.Minute)
	send()
	assert.Len(t, eventBus.byChannel("push"), 4)
}

func TestInAppCoalescing(t *testing.T) {
	engine, st, _, clock := newTestEngine(t,
		rule("error-all", store.TriggerError, "all", 0, store.ChannelInApp))

	send := func() {
		engine.ProcessEvent(context.Background(), Event{
			Trigger:  store.TriggerError,
			AgentID:  "agent-1",
			TaskID:   "task-1",
			Title:    "implement parser",
			Priority: store.PriorityHigh,
			Reason:   "flaky test",
		})
	}

	// Five deliveries pass, the sixth tips the agent into digest mode.
	for i := 0; i < 6; i++ {
		send()
		clock.Advance(time.Second)
	}
	require.Len(t, st.created(), 5)

	send()
	send()
	require.Len(t, st.created(), 5)

	clock.Advance(coalesceWindow)
	msgs := st.created()
	require.Len(t, msgs, 6)
	digest := msgs[5]
	assert.Equal(t, "digest", digest.Type)
	assert.Contains(t, digest.Content, "3 notifications")
}

func TestCoalescingIsPerAgent(t *testing.T) {
	engine, st, _, clock := newTestEngine(t,
		rule("error-all", store.TriggerError, "all", 0, store.ChannelInApp))

	for i := 0; i < 6; i++ {
		engine.ProcessEvent(context.Background(), Event{
			Trigger:  store.TriggerError,
			AgentID:  "agent-1",
			TaskID:   "task-1",
			Priority: store.PriorityHigh,
		})
		clock.Advance(time.Second)
	}
	engine.ProcessEvent(context.Background(), Event{
		Trigger:  store.TriggerError,
		AgentID:  "agent-2",
		TaskID:   "task-2",
		Priority: store.PriorityHigh,
	})

	// agent-1 digesting, agent-2 unaffected.
	assert.Len(t, st.created(), 6)
}

func TestProcessImmediateIgnoresDelay(t *testing.T) {
	engine, st, _, _ := newTestEngine(t,
		rule("blocked-medium", store.TriggerBlocked, "medium", 120_000, store.ChannelInApp))

	engine.ProcessImmediate(context.Background(), blockedEvent("agent-1", "task-1", store.PriorityMedium))
	require.Len(t, st.created(), 1)
}

func TestShutdownCancelsEverything(t *testing.T) {
	engine, st, _, clock := newTestEngine(t,
		rule("blocked-medium", store.TriggerBlocked, "medium", 120_000, store.ChannelInApp),
		rule("completed-batch-medium", store.TriggerCompleted, "medium", 300_000, store.ChannelInApp))

	engine.ProcessEvent(context.Background(), blockedEvent("agent-1", "task-1", store.PriorityMedium))
	engine.ProcessEvent(context.Background(), Event{
		Trigger:  store.TriggerCompleted,
		AgentID:  "agent-2",
		TaskID:   "task-2",
		Title:    "wrap up",
		Priority: store.PriorityMedium,
	})

	engine.Shutdown()
	clock.Advance(time.Hour)
	assert.Empty(t, st.created())
}

func TestFailedPersistRefundsPushBudget(t *testing.T) {
	engine, st, eventBus, _ := newTestEngine(t,
		rule("blocked-high", store.TriggerBlocked, "high", 0, store.ChannelPush))
	ctx := context.Background()

	st.mu.Lock()
	st.fail = fmt.Errorf("disk full")
	st.mu.Unlock()
	engine.ProcessEvent(ctx, blockedEvent("agent-1", "task-1", store.PriorityHigh))
	assert.Empty(t, eventBus.byChannel("push"))

	st.mu.Lock()
	st.fail = nil
	st.mu.Unlock()
	for i := 0; i < 3; i++ {
		engine.ProcessEvent(ctx, blockedEvent("agent-1", fmt.Sprintf("task-%d", i+2), store.PriorityHigh))
	}
	// All three hourly push slots are still available; the failed insert
	// did not consume one.
	assert.Len(t, eventBus.byChannel("push"), 3)
}

func TestDisabledRuleNeverMatches(t *testing.T) {
	r := rule("blocked-high", store.TriggerBlocked, "high", 0, store.ChannelBoth)
	r.Enabled = false
	engine, st, _, _ := newTestEngine(t, r)

	engine.ProcessEvent(context.Background(), blockedEvent("agent-1", "task-1", store.PriorityHigh))
	assert.Empty(t, st.created())
}
