// Package runner defines the unit of work flowing between the dispatcher,
// the timer scheduler and the run queues. The executable body is carried as
// a closure so the queueing layers stay independent of handler machinery.
package runner

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/evertask/evertask/pkg/models"
)

// Job is a dispatched task ready to be queued or timed.
type Job struct {
	ID        uuid.UUID
	QueueName string

	// Recurring jobs are routed to the recurring queue when no queue name
	// is set, and rescheduled after each run.
	Recurring bool

	// ExecutionTime, when set, holds the job in the timer scheduler until
	// the instant passes.
	ExecutionTime *time.Time

	AuditLevel models.AuditLevel

	// Run executes the task. The executor binds retries, timeout and
	// lifecycle callbacks into this closure before the job leaves the
	// dispatcher.
	Run func(ctx context.Context)
}

// Due reports whether the job's execution time has passed at now.
func (j *Job) Due(now time.Time) bool {
	return j.ExecutionTime == nil || !j.ExecutionTime.After(now)
}
