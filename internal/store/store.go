package store

import "context"

// Store is the transactional persistence surface of the control plane. Every
// operation is atomic; the lifecycle compounds execute their multi-row
// mutations inside a single transaction. Implementations classify failures as
// ErrNotFound, ErrConflict or ErrTransient.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error)
	UpdateAgent(ctx context.Context, id string, update AgentUpdate) (*Agent, error)
	DeleteAgent(ctx context.Context, id string) error

	// Tasks
	GetTask(ctx context.Context, id string) (*AgentTask, error)
	ListTasksByAgent(ctx context.Context, agentID string) ([]*AgentTask, error)
	ListTasksByStatus(ctx context.Context, status TaskStatus) ([]*AgentTask, error)
	UpdateTask(ctx context.Context, id string, update TaskUpdate) (*AgentTask, error)
	DeleteTask(ctx context.Context, id string) error

	// Lifecycle compounds. Each runs as one transaction so a crash can never
	// leave the agent row and its task rows disagreeing.

	// AssignTask inserts the task in pending and moves its agent to working
	// with current_task_id and last_heartbeat set.
	AssignTask(ctx context.Context, task *AgentTask, heartbeat int64) (*AgentTask, error)

	// StartTask moves a pending task to in_progress, stamping started_at on
	// first entry.
	StartTask(ctx context.Context, agentID, taskID string, now int64) (*AgentTask, error)

	// BlockTask moves the task to blocked with reason/timestamp and its agent
	// to blocked with current_task_id pointing at it.
	BlockTask(ctx context.Context, agentID, taskID, reason string, now int64) (*AgentTask, error)

	// UnblockTask returns a blocked task to in_progress, clearing blocked_*,
	// and its agent to working.
	UnblockTask(ctx context.Context, agentID, taskID string) (*AgentTask, error)

	// CompleteTask marks the task completed and settles the agent row: with
	// no pending tasks left the agent goes to sleeping (sleepActive) or idle
	// with current_task_id cleared; otherwise it stays working with
	// current_task_id advanced to the oldest pending task. Returns the
	// updated rows and whether pending tasks remain.
	CompleteTask(ctx context.Context, agentID, taskID string, now int64, sleepActive bool) (*Agent, *AgentTask, bool, error)

	// StopAgent forces the agent offline and cancels all of its non-terminal
	// tasks, returning their IDs.
	StopAgent(ctx context.Context, agentID string, now int64) ([]string, error)

	// RestartAgent resets the agent to idle with no current task.
	RestartAgent(ctx context.Context, agentID string) error

	// SetAgentStatus writes the agent status; edge validation is the
	// lifecycle manager's job.
	SetAgentStatus(ctx context.Context, agentID string, status AgentStatus) error

	// UpdateHeartbeat stamps last_heartbeat.
	UpdateHeartbeat(ctx context.Context, agentID string, ts int64) error

	// Alert rules
	SeedDefaultAlertRules(ctx context.Context) error
	ListAlertRules(ctx context.Context) ([]*AlertRule, error)
	ListAlertRulesFor(ctx context.Context, trigger Trigger, priority Priority) ([]*AlertRule, error)
	CreateAlertRule(ctx context.Context, rule *AlertRule) error
	UpdateAlertRule(ctx context.Context, id string, update AlertRuleUpdate) (*AlertRule, error)
	DeleteAlertRule(ctx context.Context, id string) error

	// Messages
	CreateMessage(ctx context.Context, msg *Message) (int64, error)
	ListMessages(ctx context.Context, filter MessageFilter) ([]*Message, error)
	MarkMessageRead(ctx context.Context, id int64) error

	// Linear mirror
	UpsertLinearIssue(ctx context.Context, issue *LinearIssue) error
	GetLinearIssue(ctx context.Context, id string) (*LinearIssue, error)
	DeleteLinearIssue(ctx context.Context, id string) error
	UpsertLinearProject(ctx context.Context, project *LinearProject) error
	DeleteLinearProject(ctx context.Context, id string) error
	LinkIssueToTask(ctx context.Context, issueID, taskID string) error

	// Settings
	GetSleepSchedule(ctx context.Context) (*SleepSchedule, error)
	PutSleepSchedule(ctx context.Context, schedule *SleepSchedule) error

	Close() error
}
