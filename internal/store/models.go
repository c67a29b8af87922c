// Package store defines the persistent entities of the control plane and the
// typed operations the core uses to read and write them.
package store

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

// Agent statuses. Transitions between them are owned by the lifecycle manager.
const (
	AgentIdle     AgentStatus = "idle"
	AgentWorking  AgentStatus = "working"
	AgentBlocked  AgentStatus = "blocked"
	AgentSleeping AgentStatus = "sleeping"
	AgentOffline  AgentStatus = "offline"
)

// AgentType distinguishes top-level agents from spawned sub-agents.
type AgentType string

const (
	AgentTypePrimary  AgentType = "primary"
	AgentTypeSubAgent AgentType = "sub-agent"
)

// TaskStatus is the state of a unit of work.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status can never change again.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled
}

// Priority orders tasks and selects alert rules.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Trigger identifies the lifecycle condition an alert rule reacts to.
type Trigger string

const (
	TriggerBlocked     Trigger = "blocked"
	TriggerError       Trigger = "error"
	TriggerCompleted   Trigger = "completed"
	TriggerIdleTooLong Trigger = "idle_too_long"
	TriggerStaleTask   Trigger = "stale_task"
)

// Channel selects where a notification is delivered.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "in_app"
	ChannelBoth  Channel = "both"
)

// PriorityFilterAll matches every event priority in an alert rule.
const PriorityFilterAll = "all"

// Agent is the identity and live status of one coding agent. Timestamps are
// whole seconds since the epoch.
type Agent struct {
	ID            string                 `db:"id" json:"id"`
	Name          string                 `db:"name" json:"name"`
	Type          AgentType              `db:"type" json:"type"`
	ParentAgentID *string                `db:"parent_agent_id" json:"parent_agent_id,omitempty"`
	Status        AgentStatus            `db:"status" json:"status"`
	CurrentTaskID *string                `db:"current_task_id" json:"current_task_id,omitempty"`
	LastHeartbeat *int64                 `db:"last_heartbeat" json:"last_heartbeat,omitempty"`
	SoulMD        string                 `db:"soul_md" json:"soul_md,omitempty"`
	Skills        []string               `json:"skills,omitempty"`
	Config        map[string]interface{} `json:"config,omitempty"`
	CreatedAt     int64                  `db:"created_at" json:"created_at"`
}

// AgentFilter narrows ListAgents.
type AgentFilter struct {
	Status   *AgentStatus
	Type     *AgentType
	ParentID *string
}

// AgentUpdate carries the mutable agent fields; nil pointers are left as-is.
type AgentUpdate struct {
	Name          *string
	Status        *AgentStatus
	CurrentTaskID *string
	ClearCurrent  bool
	LastHeartbeat *int64
	SoulMD        *string
	Skills        *[]string
	Config        *map[string]interface{}
}

// AgentTask is a unit of work owned by exactly one agent.
type AgentTask struct {
	ID            string     `db:"id" json:"id"`
	AgentID       string     `db:"agent_id" json:"agent_id"`
	LinearIssueID *string    `db:"linear_issue_id" json:"linear_issue_id,omitempty"`
	ProjectID     *string    `db:"project_id" json:"project_id,omitempty"`
	Title         string     `db:"title" json:"title"`
	Status        TaskStatus `db:"status" json:"status"`
	Priority      Priority   `db:"priority" json:"priority"`
	BlockedReason *string    `db:"blocked_reason" json:"blocked_reason,omitempty"`
	BlockedAt     *int64     `db:"blocked_at" json:"blocked_at,omitempty"`
	StartedAt     *int64     `db:"started_at" json:"started_at,omitempty"`
	CompletedAt   *int64     `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt     int64      `db:"created_at" json:"created_at"`
	UpdatedAt     int64      `db:"updated_at" json:"updated_at"`
}

// TaskUpdate carries the mutable task fields for admin edits.
type TaskUpdate struct {
	Title    *string
	Priority *Priority
}

// AlertRule is a declarative notification policy.
type AlertRule struct {
	ID             string  `db:"id" json:"id"`
	Trigger        Trigger `db:"trigger" json:"trigger"`
	PriorityFilter string  `db:"priority_filter" json:"priority_filter"`
	DelayMS        int64   `db:"delay_ms" json:"delay_ms"`
	Channel        Channel `db:"channel" json:"channel"`
	Enabled        bool    `db:"enabled" json:"enabled"`
}

// Matches reports whether the rule applies to an event of the given priority.
func (r *AlertRule) Matches(p Priority) bool {
	return r.Enabled && (r.PriorityFilter == PriorityFilterAll || r.PriorityFilter == string(p))
}

// AlertRuleUpdate carries the mutable rule fields.
type AlertRuleUpdate struct {
	Enabled *bool
	DelayMS *int64
	Channel *Channel
}

// Message is a persisted notification. Content is encrypted at rest; the
// store decrypts on read so callers only ever see plaintext.
type Message struct {
	ID        int64   `db:"id" json:"id"`
	Type      string  `db:"type" json:"type"`
	Content   string  `json:"content"`
	TodoID    *string `db:"todo_id" json:"todo_id,omitempty"`
	SessionID *string `db:"session_id" json:"session_id,omitempty"`
	ProjectID *string `db:"project_id" json:"project_id,omitempty"`
	Read      bool    `json:"read"`
	CreatedAt int64   `db:"created_at" json:"created_at"`
}

// MessageFilter narrows ListMessages.
type MessageFilter struct {
	UnreadOnly bool
	Type       string
	Limit      int
}

// LinearProject mirrors an external tracker project.
type LinearProject struct {
	ID        string `db:"id" json:"id"`
	Name      string `db:"name" json:"name"`
	State     string `db:"state" json:"state,omitempty"`
	UpdatedAt int64  `db:"updated_at" json:"updated_at"`
}

// LinearIssue mirrors an external tracker issue. AgentTaskID is the only
// field with control-plane semantics: it links the mirror row to an AgentTask
// and short-circuits repeated auto-assignment.
type LinearIssue struct {
	ID           string  `db:"id" json:"id"`
	ProjectID    *string `db:"project_id" json:"project_id,omitempty"`
	Title        string  `db:"title" json:"title"`
	Priority     int     `db:"priority" json:"priority"`
	StateType    string  `db:"state_type" json:"state_type,omitempty"`
	StateName    string  `db:"state_name" json:"state_name,omitempty"`
	AssigneeName string  `db:"assignee_name" json:"assignee_name,omitempty"`
	AgentTaskID  *string `db:"agent_task_id" json:"agent_task_id,omitempty"`
	UpdatedAt    int64   `db:"updated_at" json:"updated_at"`
}

// LinearWorkflowState mirrors a tracker workflow state definition.
type LinearWorkflowState struct {
	ID   string `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
	Type string `db:"type" json:"type"`
}

// SleepSchedule is the persisted sleep-window configuration.
type SleepSchedule struct {
	StartHour int    `json:"start_hour"`
	EndHour   int    `json:"end_hour"`
	Timezone  string `json:"timezone"`
	Enabled   bool   `json:"enabled"`
}
