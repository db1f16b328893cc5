// Package models holds the data types shared across the orchestrator:
// tasks, tool events, sessions, and the cost ledger.
package models

import "time"

// TaskState is a state in the Task lifecycle machine.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskStopped   TaskState = "stopped"
)

// terminal reports whether s has no further transitions.
func (s TaskState) terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskStopped:
		return true
	default:
		return false
	}
}

// Terminal reports whether the state has no further transitions.
func (s TaskState) Terminal() bool { return s.terminal() }

// Priority is a worker-pool dispatch tier. Lower numbers dispatch first.
type Priority int

const (
	PriorityUrgent Priority = 0
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

// KnownAgentKinds lists the agent kinds dashboards render icons for.
// Task.AgentKind is not checked against it: any value is accepted, and
// unknown values are neither rejected nor logged.
var KnownAgentKinds = map[string]bool{
	"coding":   true,
	"frontend": true,
	"research": true,
	"review":   true,
}

// ActivityEntry is one line of a Task's human-readable activity log.
type ActivityEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Task is the central unit of work: a description dispatched to a
// coding-agent subprocess running in an isolated working copy.
type Task struct {
	ID          string    `json:"id"`
	SessionUUID string    `json:"sessionUuid"`
	UserID      string    `json:"userId"`
	Description string    `json:"description"`
	Model       string    `json:"model"`
	AgentKind   string    `json:"agentKind"`
	Workflow    string    `json:"workflow,omitempty"`
	Workspace   string    `json:"workspace"`
	Branch      string    `json:"branch"`
	State       TaskState `json:"state"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	PID         int       `json:"pid,omitempty"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	ActivityLog []ActivityEntry `json:"activityLog"`
}

// TaskPatch is a partial update applied by the durable store under the
// state-transition predicate in the task manager.
type TaskPatch struct {
	State   *TaskState
	PID     *int
	Result  *string
	Error   *string
}

// CanTransition reports whether moving from the receiver's state to next is
// a legal edge of the state machine: pending -> running -> {completed,
// failed, stopped}; pending -> failed (admission denied, never ran); all
// three terminal states are absorbing.
func (s TaskState) CanTransition(next TaskState) bool {
	if s.terminal() {
		return false
	}
	switch s {
	case TaskPending:
		return next == TaskRunning || next == TaskFailed
	case TaskRunning:
		return next == TaskCompleted || next == TaskFailed || next == TaskStopped
	default:
		return false
	}
}
