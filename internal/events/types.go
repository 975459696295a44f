// Package events defines the pipeline's event topics and payload types, and
// provides the configured bus implementation.
package events

// Event topics for task lifecycle
const (
	TaskReady    = "task:ready"
	TaskComplete = "task:complete"
	TaskFailed   = "task:failed"
)

// Event topics for workers
const (
	WorkerSpawned    = "worker:spawned"
	WorkerTerminated = "worker:terminated"
)

// Event topics for graph execution
const (
	GraphLoaded    = "graph:loaded"
	GraphPaused    = "graph:paused"
	GraphResumed   = "graph:resumed"
	GraphCancelled = "graph:cancelled"
	GraphComplete  = "graph:complete"
)

// Event topics for the story orchestrator
const (
	OrchestratorStarted            = "orchestrator:started"
	OrchestratorStoryPhaseComplete = "orchestrator:story-phase-complete"
	OrchestratorStoryComplete      = "orchestrator:story-complete"
	OrchestratorStoryEscalated     = "orchestrator:story-escalated"
	OrchestratorPaused             = "orchestrator:paused"
	OrchestratorResumed            = "orchestrator:resumed"
	OrchestratorComplete           = "orchestrator:complete"
)

// Event topics for session signal requests (CLI to engine IPC)
const (
	SessionPauseRequested  = "session:pause:requested"
	SessionResumeRequested = "session:resume:requested"
	SessionCancelRequested = "session:cancel:requested"
)

// TaskReadyPayload accompanies task:ready. The receiver owns the task until
// it reports back through MarkTaskRunning.
type TaskReadyPayload struct {
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id"`
}

// TaskCompletePayload accompanies task:complete.
type TaskCompletePayload struct {
	SessionID string  `json:"session_id"`
	TaskID    string  `json:"task_id"`
	CostUSD   float64 `json:"cost_usd"`
}

// TaskFailedPayload accompanies task:failed.
type TaskFailedPayload struct {
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id"`
	Error     string `json:"error"`
	ExitCode  int    `json:"exit_code"`
	WillRetry bool   `json:"will_retry"`
}

// WorkerSpawnedPayload accompanies worker:spawned.
type WorkerSpawnedPayload struct {
	WorkerID string `json:"worker_id"`
	TaskID   string `json:"task_id"`
	PID      int    `json:"pid"`
}

// WorkerTerminatedPayload accompanies worker:terminated.
type WorkerTerminatedPayload struct {
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason"`
}

// GraphLoadedPayload accompanies graph:loaded.
type GraphLoadedPayload struct {
	SessionID string `json:"session_id"`
	TaskCount int    `json:"task_count"`
}

// GraphPausedPayload accompanies graph:paused.
type GraphPausedPayload struct {
	SessionID string `json:"session_id"`
}

// GraphResumedPayload accompanies graph:resumed.
type GraphResumedPayload struct {
	SessionID string `json:"session_id"`
}

// GraphCancelledPayload accompanies graph:cancelled.
type GraphCancelledPayload struct {
	SessionID      string `json:"session_id"`
	CancelledTasks int    `json:"cancelled_tasks"`
}

// GraphCompletePayload accompanies graph:complete. The counts and cost are a
// snapshot taken atomically with the transition to Completing.
type GraphCompletePayload struct {
	SessionID      string  `json:"session_id"`
	TotalTasks     int     `json:"total_tasks"`
	CompletedTasks int     `json:"completed_tasks"`
	FailedTasks    int     `json:"failed_tasks"`
	TotalCostUSD   float64 `json:"total_cost_usd"`
}

// OrchestratorStartedPayload accompanies orchestrator:started.
type OrchestratorStartedPayload struct {
	RunID      string `json:"run_id"`
	SessionID  string `json:"session_id"`
	StoryCount int    `json:"story_count"`
}

// StoryPhaseCompletePayload accompanies orchestrator:story-phase-complete.
type StoryPhaseCompletePayload struct {
	RunID   string `json:"run_id"`
	StoryID string `json:"story_id"`
	Phase   string `json:"phase"`
}

// StoryCompletePayload accompanies orchestrator:story-complete.
type StoryCompletePayload struct {
	RunID        string `json:"run_id"`
	StoryID      string `json:"story_id"`
	ReviewCycles int    `json:"review_cycles"`
}

// StoryEscalatedPayload accompanies orchestrator:story-escalated.
type StoryEscalatedPayload struct {
	RunID       string   `json:"run_id"`
	StoryID     string   `json:"story_id"`
	LastVerdict string   `json:"last_verdict"`
	Issues      []string `json:"issues"`
}

// OrchestratorPausedPayload accompanies orchestrator:paused.
type OrchestratorPausedPayload struct {
	RunID string `json:"run_id"`
}

// OrchestratorResumedPayload accompanies orchestrator:resumed.
type OrchestratorResumedPayload struct {
	RunID string `json:"run_id"`
}

// OrchestratorCompletePayload accompanies orchestrator:complete.
type OrchestratorCompletePayload struct {
	RunID            string `json:"run_id"`
	CompletedStories int    `json:"completed_stories"`
	EscalatedStories int    `json:"escalated_stories"`
}

// SignalRequestedPayload accompanies session:pause:requested,
// session:resume:requested, and session:cancel:requested.
type SignalRequestedPayload struct {
	SessionID string `json:"session_id"`
	SignalID  int64  `json:"signal_id"`
}
