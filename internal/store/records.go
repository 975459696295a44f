// Package store provides durable state for pipeline sessions: the task
// graph, the append-only execution journal, signals, and cost records, all
// in a single SQLite file.
//
// Every table maps to one concrete record type in this file. Conversion
// happens at the SQL boundary only; no raw rows escape the package.
package store

import "time"

// Session statuses.
const (
	SessionActive    = "active"
	SessionPaused    = "paused"
	SessionComplete  = "complete"
	SessionCancelled = "cancelled"
)

// Task statuses. pending through running are live; completed, failed, and
// cancelled are terminal.
const (
	TaskPending   = "pending"
	TaskReady     = "ready"
	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// Signal kinds carried through the session_signals IPC table.
const (
	SignalPause  = "pause"
	SignalResume = "resume"
	SignalCancel = "cancel"
)

// Execution log event kinds.
const (
	LogTaskStatusChange        = "task:status_change"
	LogSessionStatusChange     = "session:status_change"
	LogOrchestratorStateChange = "orchestrator:state_change"
)

// Billing modes for cost entries.
const (
	BillingSubscription = "subscription"
	BillingAPI          = "api"
	BillingFree         = "free"
)

// Cost entry categories.
const (
	CategoryExecution = "execution"
	CategoryPlanning  = "planning"
)

// TerminalTaskStatus reports whether a task status is terminal.
func TerminalTaskStatus(status string) bool {
	switch status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Session is the root of one graph execution.
type Session struct {
	ID              string         `db:"id"`
	Name            string         `db:"name"`
	GraphSource     string         `db:"graph_source"`
	Status          string         `db:"status"`
	BudgetUSD       *float64       `db:"budget_usd"`
	TotalCostUSD    float64        `db:"total_cost_usd"`
	PlanningCostUSD float64        `db:"planning_cost_usd"`
	BaseBranch      string         `db:"base_branch"`
	ConfigSnapshot  map[string]any `db:"-"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

// Task is a single unit of agent work. IDs are unique within a session.
type Task struct {
	SessionID    string         `db:"session_id"`
	ID           string         `db:"id"`
	Name         string         `db:"name"`
	Prompt       string         `db:"prompt"`
	TaskType     string         `db:"task_type"`
	Status       string         `db:"status"`
	AdapterID    string         `db:"adapter_id"`
	Model        string         `db:"model"`
	WorkerID     string         `db:"worker_id"`
	StartedAt    *time.Time     `db:"started_at"`
	CompletedAt  *time.Time     `db:"completed_at"`
	Result       map[string]any `db:"-"`
	Error        string         `db:"error"`
	ExitCode     *int           `db:"exit_code"`
	RetryCount   int            `db:"retry_count"`
	RetryCeiling int            `db:"retry_ceiling"`
	BudgetUSD    *float64       `db:"budget_usd"`
	CostUSD      float64        `db:"cost_usd"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

// TaskDependency is a directed edge: Task depends on DependsOn. Dependencies
// are immutable once persisted.
type TaskDependency struct {
	SessionID string `db:"session_id"`
	TaskID    string `db:"task_id"`
	DependsOn string `db:"depends_on_id"`
}

// ExecutionLogEntry is one row of the append-only intent journal. Every
// state change writes its entry before the status update, in the same
// transaction; on restart, statuses are consistent with the latest entry.
type ExecutionLogEntry struct {
	ID        int64          `db:"id"`
	SessionID string         `db:"session_id"`
	TaskID    *string        `db:"task_id"` // nil for session/orchestrator transitions
	EventKind string         `db:"event_kind"`
	OldStatus string         `db:"old_status"`
	NewStatus string         `db:"new_status"`
	Agent     string         `db:"agent"`
	CostDelta float64        `db:"cost_delta"`
	Data      map[string]any `db:"-"`
	CreatedAt time.Time      `db:"created_at"`
}

// SessionSignal is one row of the CLI-to-engine IPC queue. ProcessedAt is
// nil until the engine consumes the signal.
type SessionSignal struct {
	ID          int64      `db:"id"`
	SessionID   string     `db:"session_id"`
	Signal      string     `db:"signal"`
	ProcessedAt *time.Time `db:"processed_at"`
	CreatedAt   time.Time  `db:"created_at"`
}

// CostEntry records tokens and money for one dispatch. TaskID is nil for
// planning dispatches that are not tied to a task.
type CostEntry struct {
	ID            int64     `db:"id"`
	SessionID     string    `db:"session_id"`
	TaskID        *string   `db:"task_id"`
	Agent         string    `db:"agent"`
	BillingMode   string    `db:"billing_mode"`
	Category      string    `db:"category"`
	InputTokens   int       `db:"input_tokens"`
	OutputTokens  int       `db:"output_tokens"`
	EstimatedCost float64   `db:"estimated_cost"`
	ActualCost    *float64  `db:"actual_cost"`
	Savings       float64   `db:"savings"`
	Model         string    `db:"model"`
	Provider      string    `db:"provider"`
	CreatedAt     time.Time `db:"created_at"`
}

// CostAggregate is one row of a grouped cost report.
type CostAggregate struct {
	Key           string  `db:"grouping"`
	Entries       int     `db:"entries"`
	InputTokens   int     `db:"input_tokens"`
	OutputTokens  int     `db:"output_tokens"`
	EstimatedCost float64 `db:"estimated_cost"`
	ActualCost    float64 `db:"actual_cost"`
	Savings       float64 `db:"savings"`
}

// Plan is a named graph document with append-only versions.
type Plan struct {
	ID            string    `db:"id"`
	Name          string    `db:"name"`
	LatestVersion int       `db:"latest_version"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// PlanVersion is one immutable revision of a plan. Rollback inserts a new
// version duplicating an earlier one.
type PlanVersion struct {
	PlanID    string    `db:"plan_id"`
	Version   int       `db:"version"`
	Content   string    `db:"content"`
	Note      string    `db:"note"`
	CreatedAt time.Time `db:"created_at"`
}

// PipelineRun persists the story orchestrator's snapshot so a run can be
// reloaded after a restart.
type PipelineRun struct {
	ID        string         `db:"id"`
	SessionID string         `db:"session_id"`
	Status    string         `db:"status"`
	Snapshot  map[string]any `db:"-"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

// StatusCounts summarises a session's tasks by status.
type StatusCounts struct {
	Pending   int
	Ready     int
	Queued    int
	Running   int
	Completed int
	Failed    int
	Cancelled int
}

// Total returns the number of tasks across all statuses.
func (c StatusCounts) Total() int {
	return c.Pending + c.Ready + c.Queued + c.Running + c.Completed + c.Failed + c.Cancelled
}

// Live returns the number of tasks not yet in a terminal status.
func (c StatusCounts) Live() int {
	return c.Pending + c.Ready + c.Queued + c.Running
}
