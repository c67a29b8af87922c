package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode/opencode-dashboard/internal/alert"
	"github.com/opencode/opencode-dashboard/internal/common/httpmw"
	"github.com/opencode/opencode-dashboard/internal/common/logger"
	"github.com/opencode/opencode-dashboard/internal/events/bus"
	"github.com/opencode/opencode-dashboard/internal/gateway/stream"
	"github.com/opencode/opencode-dashboard/internal/gateway/websocket"
	"github.com/opencode/opencode-dashboard/internal/lifecycle"
	"github.com/opencode/opencode-dashboard/internal/linear"
	"github.com/opencode/opencode-dashboard/internal/store"
	"github.com/opencode/opencode-dashboard/internal/store/sqlite"
	"github.com/opencode/opencode-dashboard/internal/timer"
)

const (
	testAPIKey        = "test-api-key"
	testWebhookSecret = "webhook-secret"
)

type testEnv struct {
	router *gin.Engine
	store  store.Store
	clock  *timer.Manual
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Default()

	dir := t.TempDir()
	st, err := sqlite.Open(sqlite.Options{
		Path:    filepath.Join(dir, "test.db"),
		KeyPath: filepath.Join(dir, "keys", "message.key"),
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.SeedDefaultAlertRules(context.Background()))

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	clock := timer.NewManual(time.Unix(1_700_000_000, 0))
	engine := alert.NewEngine(st, eventBus, clock, log)
	manager := lifecycle.NewManager(st, engine, eventBus, clock, engine.Limiter(), log)
	webhooks := linear.NewService(st, manager, eventBus, testWebhookSecret, log)

	hub := websocket.NewHub(log)
	server := NewServer(st, manager, webhooks,
		stream.NewGateway(eventBus, log),
		websocket.NewHandler(hub, nil, log),
		eventBus, log)

	router := server.Router(Options{APIKey: testAPIKey})
	return &testEnv{router: router, store: st, clock: clock}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, opts ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func (e *testEnv) registerAgent(t *testing.T, id string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/agents", gin.H{"id": id, "name": "agent " + id})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (e *testEnv) assign(t *testing.T, agentID, taskID, priority string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/agents/"+agentID+"/assign",
		gin.H{"taskId": taskID, "title": "task " + taskID, "priority": priority})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set("Authorization", "Bearer wrong-key")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthzIsPublic(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAgentCRUD(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "A1")

	rec := env.do(t, http.MethodPost, "/api/agents", gin.H{"id": "A1", "name": "dup"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/agents/A1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var agent store.Agent
	decode(t, rec, &agent)
	assert.Equal(t, "agent A1", agent.Name)
	assert.Equal(t, store.AgentIdle, agent.Status)

	rec = env.do(t, http.MethodPatch, "/api/agents/A1", gin.H{"name": "renamed"})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &agent)
	assert.Equal(t, "renamed", agent.Name)

	rec = env.do(t, http.MethodDelete, "/api/agents/A1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/agents/A1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateAgentValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/agents", gin.H{"id": "A1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Contains(t, body, "error")
	assert.Contains(t, body, "details")

	rec = env.do(t, http.MethodPost, "/api/agents", gin.H{"name": "x", "type": "overlord"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAgentsFilter(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "A1")
	env.registerAgent(t, "A2")
	env.assign(t, "A2", "T1", "medium")

	rec := env.do(t, http.MethodGet, "/api/agents?status=working", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Agents []*store.Agent `json:"agents"`
		Total  int            `json:"total"`
	}
	decode(t, rec, &body)
	require.Equal(t, 1, body.Total)
	assert.Equal(t, "A2", body.Agents[0].ID)
}

func TestTaskTransitionsThroughPatch(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "A1")
	env.assign(t, "A1", "T1", "high")

	rec := env.do(t, http.MethodPatch, "/api/agents/A1/tasks/T1", gin.H{"status": "in_progress"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var task store.AgentTask
	decode(t, rec, &task)
	assert.Equal(t, store.TaskInProgress, task.Status)
	assert.NotNil(t, task.StartedAt)

	rec = env.do(t, http.MethodPatch, "/api/agents/A1/tasks/T1", gin.H{"status": "completed"})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &task)
	assert.Equal(t, store.TaskCompleted, task.Status)

	// Terminal tasks reject further transitions.
	rec = env.do(t, http.MethodPatch, "/api/agents/A1/tasks/T1", gin.H{"status": "in_progress"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPatch, "/api/agents/A1/tasks/T1", gin.H{"status": "pending"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskFieldEdit(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "A1")
	env.assign(t, "A1", "T1", "low")

	rec := env.do(t, http.MethodPatch, "/api/agents/A1/tasks/T1",
		gin.H{"title": "sharper title", "priority": "high"})
	require.Equal(t, http.StatusOK, rec.Code)
	var task store.AgentTask
	decode(t, rec, &task)
	assert.Equal(t, "sharper title", task.Title)
	assert.Equal(t, store.PriorityHigh, task.Priority)
}

func TestBlockEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "A1")
	env.assign(t, "A1", "T1", "medium")

	rec := env.do(t, http.MethodPost, "/api/agents/A1/block",
		gin.H{"taskId": "T1", "source": "nonsense", "reason": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/agents/A1/block",
		gin.H{"taskId": "T1", "source": "question", "reason": "need credentials"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/agents/A1", nil)
	var agent store.Agent
	decode(t, rec, &agent)
	assert.Equal(t, store.AgentBlocked, agent.Status)
}

func TestErrorEndpointReportsTrigger(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "A1")
	env.assign(t, "A1", "T1", "medium")

	var body struct {
		Triggered bool `json:"triggered"`
	}
	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/api/agents/A1/error", gin.H{"taskId": "T1"})
		require.Equal(t, http.StatusOK, rec.Code)
		decode(t, rec, &body)
		assert.False(t, body.Triggered)
	}

	rec := env.do(t, http.MethodPost, "/api/agents/A1/error", gin.H{"taskId": "T1"})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &body)
	assert.True(t, body.Triggered, "third error inside the window blocks the task")
}

func TestCompleteEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "A1")
	env.assign(t, "A1", "T1", "high")

	rec := env.do(t, http.MethodPost, "/api/agents/A1/complete", gin.H{"taskId": "T1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Agent store.Agent     `json:"agent"`
		Task  store.AgentTask `json:"task"`
	}
	decode(t, rec, &body)
	assert.Equal(t, store.AgentIdle, body.Agent.Status)
	assert.Equal(t, store.TaskCompleted, body.Task.Status)
}

func TestAgentActions(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "A1")
	env.assign(t, "A1", "T1", "medium")

	rec := env.do(t, http.MethodPost, "/api/agents/A1/actions", gin.H{"action": "levitate"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/agents/A1/actions", gin.H{"action": "stop"})
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Cancelled []string `json:"cancelled_tasks"`
	}
	decode(t, rec, &body)
	assert.Equal(t, []string{"T1"}, body.Cancelled)

	rec = env.do(t, http.MethodPost, "/api/agents/A1/actions", gin.H{"action": "restart"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/agents/A1/actions", gin.H{"action": "sleep"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/agents/A1", nil)
	var agent store.Agent
	decode(t, rec, &agent)
	assert.Equal(t, store.AgentSleeping, agent.Status)

	rec = env.do(t, http.MethodPost, "/api/agents/A1/actions", gin.H{"action": "wake"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUnblockActionWithoutBlockedTask(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "A1")

	rec := env.do(t, http.MethodPost, "/api/agents/A1/actions", gin.H{"action": "unblock"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMessagesEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Messages []*store.Message `json:"messages"`
		Total    int              `json:"total"`
	}
	decode(t, rec, &body)
	assert.Equal(t, 0, body.Total)
	assert.NotNil(t, body.Messages)

	id, err := env.store.CreateMessage(context.Background(), &store.Message{Type: "blocked", Content: "stuck"})
	require.NoError(t, err)

	rec = env.do(t, http.MethodGet, "/api/messages?unread=true", nil)
	decode(t, rec, &body)
	require.Equal(t, 1, body.Total)
	assert.Equal(t, "stuck", body.Messages[0].Content)

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/messages/%d/read", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/messages?unread=true", nil)
	decode(t, rec, &body)
	assert.Equal(t, 0, body.Total)

	rec = env.do(t, http.MethodPost, "/api/messages/99999/read", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/messages/abc/read", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAlertRulesEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/alert-rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Rules []*store.AlertRule `json:"rules"`
		Total int                `json:"total"`
	}
	decode(t, rec, &list)
	assert.Greater(t, list.Total, 0)

	rec = env.do(t, http.MethodPatch, "/api/alert-rules/blocked-high",
		gin.H{"enabled": false, "channel": "in_app"})
	require.Equal(t, http.StatusOK, rec.Code)
	var rule store.AlertRule
	decode(t, rec, &rule)
	assert.False(t, rule.Enabled)
	assert.Equal(t, store.ChannelInApp, rule.Channel)

	rec = env.do(t, http.MethodPatch, "/api/alert-rules/blocked-high", gin.H{"channel": "carrier-pigeon"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPatch, "/api/alert-rules/ghost", gin.H{"enabled": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSleepScheduleEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/settings/sleep-schedule", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var schedule store.SleepSchedule
	decode(t, rec, &schedule)
	assert.False(t, schedule.Enabled)

	rec = env.do(t, http.MethodPut, "/api/settings/sleep-schedule",
		gin.H{"start_hour": 25, "end_hour": 6, "timezone": "UTC", "enabled": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/settings/sleep-schedule",
		gin.H{"start_hour": 22, "end_hour": 6, "timezone": "UTC", "enabled": true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/settings/sleep-schedule", nil)
	decode(t, rec, &schedule)
	assert.Equal(t, 22, schedule.StartHour)
	assert.Equal(t, 6, schedule.EndHour)
	assert.True(t, schedule.Enabled)
}

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookEndpoint(t *testing.T) {
	env := newTestEnv(t)

	payload := []byte(`{"type":"Issue","action":"create","data":{"id":"I1","title":"fix login","priority":2}}`)

	req := httptest.NewRequest(http.MethodPost, "/api/linear/webhook", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing signature is a hard 401")

	req = httptest.NewRequest(http.MethodPost, "/api/linear/webhook", bytes.NewReader(payload))
	req.Header.Set(linear.SignatureHeader, signBody([]byte("other body")))
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/linear/webhook", bytes.NewReader(payload))
	req.Header.Set(linear.SignatureHeader, signBody(payload))
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	issue, err := env.store.GetLinearIssue(context.Background(), "I1")
	require.NoError(t, err)
	assert.Equal(t, "fix login", issue.Title)

	malformed := []byte(`{"type":"Issue","action":"create","data":{"id":123}}`)
	req = httptest.NewRequest(http.MethodPost, "/api/linear/webhook", bytes.NewReader(malformed))
	req.Header.Set(linear.SignatureHeader, signBody(malformed))
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimiterOnWrites(t *testing.T) {
	gin.SetMode(gin.TestMode)
	env := newTestEnv(t)

	// Rebuild the router with a tiny write budget.
	log := logger.Default()
	hub := websocket.NewHub(log)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	clock := timer.NewManual(time.Unix(1_700_000_000, 0))
	engine := alert.NewEngine(env.store, eventBus, clock, log)
	manager := lifecycle.NewManager(env.store, engine, eventBus, clock, engine.Limiter(), log)
	server := NewServer(env.store, manager,
		linear.NewService(env.store, manager, eventBus, testWebhookSecret, log),
		stream.NewGateway(eventBus, log),
		websocket.NewHandler(hub, nil, log),
		eventBus, log)
	router := server.Router(Options{
		APIKey:    testAPIKey,
		RateLimit: httpmw.NewRateLimiter(time.Minute, 2),
	})

	send := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewReader([]byte(`{"name":"x"}`)))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusCreated, send(http.MethodPost, "/api/agents").Code)
	require.Equal(t, http.StatusCreated, send(http.MethodPost, "/api/agents").Code)

	rec := send(http.MethodPost, "/api/agents")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Reads pass regardless of the write budget.
	assert.Equal(t, http.StatusOK, send(http.MethodGet, "/api/agents").Code)
}
