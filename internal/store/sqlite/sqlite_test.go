package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode/opencode-dashboard/internal/common/logger"
	"github.com/opencode/opencode-dashboard/internal/store"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	s, err := Open(Options{
		Path:    path,
		KeyPath: filepath.Join(dir, "keys", "message.key"),
	}, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func seedAgent(t *testing.T, s *Store, id string) {
	t.Helper()
	require.NoError(t, s.CreateAgent(context.Background(), &store.Agent{ID: id, Name: "agent " + id}))
}

func assignTask(t *testing.T, s *Store, agentID, taskID string, priority store.Priority) *store.AgentTask {
	t.Helper()
	task, err := s.AssignTask(context.Background(), &store.AgentTask{
		ID:       taskID,
		AgentID:  agentID,
		Title:    "task " + taskID,
		Status:   store.TaskPending,
		Priority: priority,
	}, 1_700_000_000)
	require.NoError(t, err)
	return task
}

func TestAgentCRUD(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	agent := &store.Agent{
		ID:     "A1",
		Name:   "builder",
		SoulMD: "# soul",
		Skills: []string{"go", "sql"},
		Config: map[string]interface{}{"model": "large"},
	}
	require.NoError(t, s.CreateAgent(ctx, agent))
	assert.Equal(t, store.AgentIdle, agent.Status)
	assert.Equal(t, store.AgentTypePrimary, agent.Type)

	got, err := s.GetAgent(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, "builder", got.Name)
	assert.Equal(t, []string{"go", "sql"}, got.Skills)
	assert.Equal(t, "large", got.Config["model"])

	name := "rebuilt"
	updated, err := s.UpdateAgent(ctx, "A1", store.AgentUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "rebuilt", updated.Name)

	require.NoError(t, s.DeleteAgent(ctx, "A1"))
	_, err = s.GetAgent(ctx, "A1")
	assert.True(t, store.IsNotFound(err))
}

func TestCreateAgentDuplicateIsConflict(t *testing.T) {
	s, _ := openTestStore(t)
	seedAgent(t, s, "A1")

	err := s.CreateAgent(context.Background(), &store.Agent{ID: "A1", Name: "dup"})
	assert.True(t, store.IsConflict(err))
}

func TestListAgentsFilters(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	seedAgent(t, s, "A1")
	seedAgent(t, s, "A2")
	parent := "A1"
	require.NoError(t, s.CreateAgent(ctx, &store.Agent{
		ID: "A3", Name: "child", Type: store.AgentTypeSubAgent, ParentAgentID: &parent,
	}))
	require.NoError(t, s.SetAgentStatus(ctx, "A2", store.AgentSleeping))

	all, err := s.ListAgents(ctx, store.AgentFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	sleeping := store.AgentSleeping
	agents, err := s.ListAgents(ctx, store.AgentFilter{Status: &sleeping})
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "A2", agents[0].ID)

	sub := store.AgentTypeSubAgent
	agents, err = s.ListAgents(ctx, store.AgentFilter{Type: &sub})
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "A3", agents[0].ID)

	agents, err = s.ListAgents(ctx, store.AgentFilter{ParentID: &parent})
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "A3", agents[0].ID)
}

func TestDeleteAgentCascadesTasks(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	seedAgent(t, s, "A1")
	assignTask(t, s, "A1", "T1", store.PriorityHigh)

	require.NoError(t, s.DeleteAgent(ctx, "A1"))
	_, err := s.GetTask(ctx, "T1")
	assert.True(t, store.IsNotFound(err))
}

func TestAssignTaskLifecycle(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	seedAgent(t, s, "A1")

	task := assignTask(t, s, "A1", "T1", store.PriorityHigh)
	assert.Equal(t, store.TaskPending, task.Status)

	agent, err := s.GetAgent(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentWorking, agent.Status)
	require.NotNil(t, agent.CurrentTaskID)
	assert.Equal(t, "T1", *agent.CurrentTaskID)
	require.NotNil(t, agent.LastHeartbeat)
	assert.Equal(t, int64(1_700_000_000), *agent.LastHeartbeat)
}

func TestAssignToOfflineAgentIsConflict(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	seedAgent(t, s, "A1")
	require.NoError(t, s.SetAgentStatus(ctx, "A1", store.AgentOffline))

	_, err := s.AssignTask(ctx, &store.AgentTask{ID: "T1", AgentID: "A1", Title: "x"}, 0)
	assert.True(t, store.IsConflict(err))
}

func TestStartTaskStampsStartedOnce(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	seedAgent(t, s, "A1")
	assignTask(t, s, "A1", "T1", store.PriorityHigh)

	task, err := s.StartTask(ctx, "A1", "T1", 1_700_000_100)
	require.NoError(t, err)
	assert.Equal(t, store.TaskInProgress, task.Status)
	require.NotNil(t, task.StartedAt)
	assert.Equal(t, int64(1_700_000_100), *task.StartedAt)

	// Starting a non-pending task is a conflict.
	_, err = s.StartTask(ctx, "A1", "T1", 1_700_000_200)
	assert.True(t, store.IsConflict(err))
}

func TestBlockAndUnblock(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	seedAgent(t, s, "A1")
	assignTask(t, s, "A1", "T1", store.PriorityHigh)
	_, err := s.StartTask(ctx, "A1", "T1", 1_700_000_100)
	require.NoError(t, err)

	task, err := s.BlockTask(ctx, "A1", "T1", "[question] need-key", 1_700_000_200)
	require.NoError(t, err)
	assert.Equal(t, store.TaskBlocked, task.Status)
	require.NotNil(t, task.BlockedReason)
	assert.Equal(t, "[question] need-key", *task.BlockedReason)
	require.NotNil(t, task.BlockedAt)

	agent, err := s.GetAgent(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentBlocked, agent.Status)

	task, err = s.UnblockTask(ctx, "A1", "T1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskInProgress, task.Status)
	assert.Nil(t, task.BlockedReason)
	assert.Nil(t, task.BlockedAt)

	// Unblocking a task that is not blocked is a conflict.
	_, err = s.UnblockTask(ctx, "A1", "T1")
	assert.True(t, store.IsConflict(err))
}

func TestTerminalStatusIsMonotone(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	seedAgent(t, s, "A1")
	assignTask(t, s, "A1", "T1", store.PriorityHigh)

	_, task, _, err := s.CompleteTask(ctx, "A1", "T1", 1_700_000_300, false)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)
	require.NotNil(t, task.CompletedAt)

	_, err = s.BlockTask(ctx, "A1", "T1", "[explicit] too late", 1_700_000_400)
	assert.True(t, store.IsConflict(err))

	_, _, _, err = s.CompleteTask(ctx, "A1", "T1", 1_700_000_500, false)
	assert.True(t, store.IsConflict(err))
}

func TestCompleteTaskSettlesAgent(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	seedAgent(t, s, "A1")
	assignTask(t, s, "A1", "T1", store.PriorityMedium)

	agent, _, hasPending, err := s.CompleteTask(ctx, "A1", "T1", 1_700_000_300, false)
	require.NoError(t, err)
	assert.False(t, hasPending)
	assert.Equal(t, store.AgentIdle, agent.Status)
	assert.Nil(t, agent.CurrentTaskID)
}

func TestCompleteTaskSleepActive(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	seedAgent(t, s, "A1")
	assignTask(t, s, "A1", "T1", store.PriorityMedium)

	agent, _, _, err := s.CompleteTask(ctx, "A1", "T1", 1_700_000_300, true)
	require.NoError(t, err)
	assert.Equal(t, store.AgentSleeping, agent.Status)
}

func TestCompleteTaskAdvancesToOldestPending(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	seedAgent(t, s, "A1")
	assignTask(t, s, "A1", "T1", store.PriorityMedium)
	assignTask(t, s, "A1", "T2", store.PriorityMedium)
	assignTask(t, s, "A1", "T3", store.PriorityMedium)

	agent, _, hasPending, err := s.CompleteTask(ctx, "A1", "T1", 1_700_000_300, false)
	require.NoError(t, err)
	assert.True(t, hasPending)
	assert.Equal(t, store.AgentWorking, agent.Status)
	require.NotNil(t, agent.CurrentTaskID)
	assert.Equal(t, "T2", *agent.CurrentTaskID)
}

func TestStopAgentCancelsOpenTasks(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	seedAgent(t, s, "A1")
	assignTask(t, s, "A1", "T1", store.PriorityMedium)
	assignTask(t, s, "A1", "T2", store.PriorityMedium)
	_, _, _, err := s.CompleteTask(ctx, "A1", "T1", 1_700_000_300, false)
	require.NoError(t, err)

	cancelled, err := s.StopAgent(ctx, "A1", 1_700_000_400)
	require.NoError(t, err)
	assert.Equal(t, []string{"T2"}, cancelled)

	task, err := s.GetTask(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, store.TaskCancelled, task.Status)
	require.NotNil(t, task.CompletedAt)
}

func TestSeedDefaultAlertRules(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SeedDefaultAlertRules(ctx))
	// Seeding twice must not duplicate or clobber edits.
	enabled := false
	_, err := s.UpdateAlertRule(ctx, "blocked-high", store.AlertRuleUpdate{Enabled: &enabled})
	require.NoError(t, err)
	require.NoError(t, s.SeedDefaultAlertRules(ctx))

	rules, err := s.ListAlertRules(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, len(defaultRules))

	byID := map[string]*store.AlertRule{}
	for _, r := range rules {
		byID[r.ID] = r
	}
	assert.False(t, byID["blocked-high"].Enabled, "reseed must not clobber edits")
	assert.Equal(t, int64(600_000), byID["blocked-medium"].DelayMS)
	assert.Equal(t, store.ChannelPush, byID["stale-all"].Channel)
}

func TestListAlertRulesForFiltering(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SeedDefaultAlertRules(ctx))

	rules, err := s.ListAlertRulesFor(ctx, store.TriggerBlocked, store.PriorityHigh)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "blocked-high", rules[0].ID)

	rules, err = s.ListAlertRulesFor(ctx, store.TriggerError, store.PriorityLow)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "error-all", rules[0].ID)

	// Disabled rules never match.
	enabled := false
	_, err = s.UpdateAlertRule(ctx, "error-all", store.AlertRuleUpdate{Enabled: &enabled})
	require.NoError(t, err)
	rules, err = s.ListAlertRulesFor(ctx, store.TriggerError, store.PriorityLow)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestMessageRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	taskID := "T1"
	id, err := s.CreateMessage(ctx, &store.Message{
		Type:    "blocked",
		Content: "agent stuck on credentials",
		TodoID:  &taskID,
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	msgs, err := s.ListMessages(ctx, store.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "agent stuck on credentials", msgs[0].Content)
	assert.False(t, msgs[0].Read)

	require.NoError(t, s.MarkMessageRead(ctx, id))
	msgs, err = s.ListMessages(ctx, store.MessageFilter{UnreadOnly: true})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMessageContentEncryptedAtRest(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()

	const secret = "plaintext-should-not-touch-disk"
	_, err := s.CreateMessage(ctx, &store.Message{Type: "blocked", Content: secret})
	require.NoError(t, err)

	// Read the stored column through a raw connection.
	raw, err := sqlx.Open("sqlite3", path)
	require.NoError(t, err)
	defer func() { _ = raw.Close() }()

	var stored string
	require.NoError(t, raw.Get(&stored, `SELECT content FROM messages LIMIT 1`))
	assert.NotEqual(t, secret, stored)
	assert.NotContains(t, stored, "plaintext")
}

func TestMessageOrderingAndLimit(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.CreateMessage(ctx, &store.Message{
			Type:      "completed",
			Content:   "done",
			CreatedAt: int64(1_700_000_000 + i),
		})
		require.NoError(t, err)
	}

	msgs, err := s.ListMessages(ctx, store.MessageFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Greater(t, msgs[0].CreatedAt, msgs[1].CreatedAt)
}

func TestLinearUpsertIsIdempotent(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	issue := &store.LinearIssue{ID: "I1", Title: "fix login", Priority: 2, UpdatedAt: 1}
	require.NoError(t, s.UpsertLinearIssue(ctx, issue))
	require.NoError(t, s.UpsertLinearIssue(ctx, issue))

	got, err := s.GetLinearIssue(ctx, "I1")
	require.NoError(t, err)
	assert.Equal(t, "fix login", got.Title)
	assert.Equal(t, 2, got.Priority)
}

func TestLinkIssueToTask(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertLinearIssue(ctx, &store.LinearIssue{ID: "I1", Title: "x"}))
	require.NoError(t, s.LinkIssueToTask(ctx, "I1", "linear_I1"))

	got, err := s.GetLinearIssue(ctx, "I1")
	require.NoError(t, err)
	require.NotNil(t, got.AgentTaskID)
	assert.Equal(t, "linear_I1", *got.AgentTaskID)

	err = s.LinkIssueToTask(ctx, "ghost", "T1")
	assert.True(t, store.IsNotFound(err))
}

func TestSleepScheduleRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetSleepSchedule(ctx)
	assert.True(t, store.IsNotFound(err))

	require.NoError(t, s.PutSleepSchedule(ctx, &store.SleepSchedule{
		StartHour: 22, EndHour: 6, Timezone: "UTC", Enabled: true,
	}))

	got, err := s.GetSleepSchedule(ctx)
	require.NoError(t, err)
	assert.Equal(t, 22, got.StartHour)
	assert.Equal(t, 6, got.EndHour)
	assert.True(t, got.Enabled)

	// Second put overwrites.
	require.NoError(t, s.PutSleepSchedule(ctx, &store.SleepSchedule{
		StartHour: 1, EndHour: 5, Timezone: "UTC", Enabled: false,
	}))
	got, err = s.GetSleepSchedule(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, got.StartHour)
	assert.False(t, got.Enabled)
}
