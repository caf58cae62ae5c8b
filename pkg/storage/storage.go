// Package storage defines the persistence contract consumed by the task
// runtime, together with an in-memory implementation. Durable providers
// live in the postgres and sqlite subpackages.
//
// Implementations must be safe for concurrent use and individually atomic
// per operation; the runtime performs no cross-operation transactions.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/evertask/evertask/pkg/models"
)

// ErrNotFound indicates the requested task does not exist.
var ErrNotFound = errors.New("task not found")

// ErrAlreadyExists indicates a task with the same id is already persisted.
var ErrAlreadyExists = errors.New("task already exists")

// TaskStorage persists queued tasks, their audit trails and captured
// execution logs, and answers the recovery query.
type TaskStorage interface {
	// Persist stores a new task record.
	Persist(ctx context.Context, task *models.QueuedTask) error

	// Get retrieves a task by id.
	Get(ctx context.Context, id uuid.UUID) (*models.QueuedTask, error)

	// GetByTaskKey retrieves the task identified by an idempotency key, or
	// ErrNotFound.
	GetByTaskKey(ctx context.Context, key string) (*models.QueuedTask, error)

	// UpdateTask replaces the stored record for the task's id.
	UpdateTask(ctx context.Context, task *models.QueuedTask) error

	// Remove deletes a task; audits and logs cascade.
	Remove(ctx context.Context, id uuid.UUID) error

	// RetrievePending pages over tasks whose lifecycle did not terminate
	// (queued, pending, in progress, or service stopped) and whose MaxRuns
	// and RunUntil terminators still permit execution. Keyset pagination
	// ordered by (CreatedAtUtc, Id); pass zero values for the first page.
	RetrievePending(ctx context.Context, lastCreatedAt time.Time, lastID uuid.UUID, take int) ([]*models.QueuedTask, error)

	// SetStatus transitions the task's status and appends a StatusAudit
	// when the audit level records the new status.
	SetStatus(ctx context.Context, id uuid.UUID, status models.TaskStatus, exception string, level models.AuditLevel) error

	// GetCurrentRunCount returns the number of completed recurring runs.
	GetCurrentRunCount(ctx context.Context, id uuid.UUID) (int, error)

	// UpdateCurrentRun records the completion of one recurring run: it
	// appends a RunsAudit (subject to the audit level), sets NextRunUtc
	// and increments CurrentRunCount.
	UpdateCurrentRun(ctx context.Context, id uuid.UUID, nextRun *time.Time, level models.AuditLevel) error

	// RecordSkippedOccurrences appends a single RunsAudit summarising
	// occurrences missed during downtime.
	RecordSkippedOccurrences(ctx context.Context, id uuid.UUID, skipped []time.Time) error

	// SaveExecutionLogs bulk-appends log lines captured during one
	// execution, assigning monotonic per-task sequence numbers in order.
	SaveExecutionLogs(ctx context.Context, id uuid.UUID, logs []models.TaskExecutionLog) error

	// GetExecutionLogs returns logs for a task ordered by sequence number.
	// A non-positive take returns everything after skip.
	GetExecutionLogs(ctx context.Context, id uuid.UUID, skip, take int) ([]models.TaskExecutionLog, error)
}

// Closer is implemented by stores that hold external resources.
type Closer interface {
	Close() error
}

// SetQueued marks the task as sitting in a run queue.
func SetQueued(ctx context.Context, s TaskStorage, id uuid.UUID, level models.AuditLevel) error {
	return s.SetStatus(ctx, id, models.StatusQueued, "", level)
}

// SetInProgress marks the task as executing.
func SetInProgress(ctx context.Context, s TaskStorage, id uuid.UUID, level models.AuditLevel) error {
	return s.SetStatus(ctx, id, models.StatusInProgress, "", level)
}

// SetCompleted marks the task as successfully finished.
func SetCompleted(ctx context.Context, s TaskStorage, id uuid.UUID, level models.AuditLevel) error {
	return s.SetStatus(ctx, id, models.StatusCompleted, "", level)
}

// SetCancelledByUser marks the task as cancelled through the dispatcher.
func SetCancelledByUser(ctx context.Context, s TaskStorage, id uuid.UUID, level models.AuditLevel) error {
	return s.SetStatus(ctx, id, models.StatusCancelled, "", level)
}

// SetCancelledByService marks the task as interrupted by host shutdown.
func SetCancelledByService(ctx context.Context, s TaskStorage, id uuid.UUID, exception string, level models.AuditLevel) error {
	return s.SetStatus(ctx, id, models.StatusServiceStopped, exception, level)
}
