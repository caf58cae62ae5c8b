// Package models defines the persisted data model for the task runtime:
// queued tasks, their audit trails, captured execution logs, and the
// monitoring events emitted after each run.
package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a queued task.
type TaskStatus string

const (
	// StatusWaitingQueue is the initial state assigned at dispatch.
	StatusWaitingQueue TaskStatus = "waiting_queue"

	// StatusQueued indicates the task sits in a run queue awaiting a worker.
	StatusQueued TaskStatus = "queued"

	// StatusInProgress indicates a worker is executing the task.
	StatusInProgress TaskStatus = "in_progress"

	// StatusPending indicates an execution paused without terminating.
	// Pending tasks are picked up by startup recovery. Tasks held by the
	// timer scheduler count as queued.
	StatusPending TaskStatus = "pending"

	// StatusCancelled indicates the task was cancelled by the user.
	StatusCancelled TaskStatus = "cancelled"

	// StatusCompleted indicates the task finished successfully.
	StatusCompleted TaskStatus = "completed"

	// StatusFailed indicates the task failed after retries were exhausted.
	StatusFailed TaskStatus = "failed"

	// StatusServiceStopped indicates execution was interrupted by host
	// shutdown; the task is replayed by recovery on the next start.
	StatusServiceStopped TaskStatus = "service_stopped"
)

// IsTerminal reports whether the status ends the lifecycle of a
// non-recurring task.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// QueuedTask is the persisted record for a dispatched task.
type QueuedTask struct {
	// ID is a time-ordered (v7) UUID, assigned at dispatch.
	ID uuid.UUID `json:"id"`

	CreatedAtUtc          time.Time  `json:"created_at_utc"`
	LastExecutionUtc      *time.Time `json:"last_execution_utc,omitempty"`
	ScheduledExecutionUtc *time.Time `json:"scheduled_execution_utc,omitempty"`
	NextRunUtc            *time.Time `json:"next_run_utc,omitempty"`

	// Type is the fully-qualified name of the request type, used by the
	// handler registry to reconstruct the request at recovery.
	Type string `json:"type"`

	// Request is the JSON-serialised request payload.
	Request string `json:"request"`

	// Handler is the fully-qualified name of the handler type.
	Handler string `json:"handler"`

	Status TaskStatus `json:"status"`

	// Exception holds the last error in detailed textual form.
	Exception string `json:"exception,omitempty"`

	IsRecurring bool `json:"is_recurring"`

	// RecurringTask is the JSON-serialised recurrence spec.
	RecurringTask string `json:"recurring_task,omitempty"`

	// RecurringInfo is a human-readable description of the recurrence.
	RecurringInfo string `json:"recurring_info,omitempty"`

	CurrentRunCount *int       `json:"current_run_count,omitempty"`
	MaxRuns         *int       `json:"max_runs,omitempty"`
	RunUntil        *time.Time `json:"run_until,omitempty"`

	QueueName string `json:"queue_name,omitempty"`

	// TaskKey is an optional idempotency key identifying at most one task.
	TaskKey string `json:"task_key,omitempty"`

	StatusAudits []StatusAudit `json:"status_audits,omitempty"`
	RunsAudits   []RunsAudit   `json:"runs_audits,omitempty"`
}

// StatusAudit records one status transition of a queued task.
type StatusAudit struct {
	ID           int64      `json:"id"`
	QueuedTaskID uuid.UUID  `json:"queued_task_id"`
	UpdatedAtUtc time.Time  `json:"updated_at_utc"`
	NewStatus    TaskStatus `json:"new_status"`
	Exception    string     `json:"exception,omitempty"`
}

// RunsAudit records one recurring-run completion or a summary of skipped
// occurrences.
type RunsAudit struct {
	ID           int64      `json:"id"`
	QueuedTaskID uuid.UUID  `json:"queued_task_id"`
	ExecutedAt   time.Time  `json:"executed_at"`
	Status       TaskStatus `json:"status"`
	Exception    string     `json:"exception,omitempty"`
}

// TaskExecutionLog is one log line captured from a handler during a single
// execution. SequenceNumber is monotonic per task and defines display order.
type TaskExecutionLog struct {
	ID               int64     `json:"id"`
	TaskID           uuid.UUID `json:"task_id"`
	TimestampUtc     time.Time `json:"timestamp_utc"`
	Level            string    `json:"level"`
	Message          string    `json:"message"`
	ExceptionDetails string    `json:"exception_details,omitempty"`
	SequenceNumber   int64     `json:"sequence_number"`
}
