package evertask

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/evertask/evertask/pkg/models"
	"github.com/evertask/evertask/pkg/recurrence"
	"github.com/evertask/evertask/pkg/storage"
)

// recoverPending replays persisted tasks whose lifecycle did not terminate:
// interrupted executions run again, future-dated tasks go back to the timer
// and recurring schedules are reconciled against the wall clock.
func (s *TaskService) recoverPending(ctx context.Context) error {
	var (
		lastCreated time.Time
		lastID      uuid.UUID
		restored    int
	)
	for {
		page, err := s.store.RetrievePending(ctx, lastCreated, lastID, s.config.RecoveryPageSize)
		if err != nil {
			return fmt.Errorf("retrieve pending tasks: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, task := range page {
			if s.isLive(task.ID) {
				// Already held in memory by a dispatch that preceded Start.
				continue
			}
			s.restore(ctx, task)
			restored++
		}
		tail := page[len(page)-1]
		lastCreated = tail.CreatedAtUtc
		lastID = tail.ID
	}
	if restored > 0 {
		s.logger.Info("startup recovery finished", "tasks", restored)
	}
	return nil
}

func (s *TaskService) restore(ctx context.Context, task *models.QueuedTask) {
	reg, err := s.handlers.lookupName(task.Type)
	if err != nil {
		s.markUnrecoverable(ctx, task, fmt.Sprintf("recovery: %v", err))
		return
	}
	level := s.effectiveAuditLevel(reg, task.QueueName)

	exec := &execution{
		id:       task.ID,
		reg:      reg,
		payload:  task.Request,
		taskType: task.Type,
		level:    level,
		queue:    task.QueueName,
	}

	if task.IsRecurring {
		s.restoreRecurring(ctx, task, exec)
		return
	}

	var at *time.Time
	if task.ScheduledExecutionUtc != nil && task.ScheduledExecutionUtc.After(s.now()) {
		at = task.ScheduledExecutionUtc
	}
	if err := s.route(ctx, s.buildJob(exec, at), level); err != nil {
		s.logger.Error("failed to restore task", "task_id", task.ID, "error", err)
	}
}

func (s *TaskService) restoreRecurring(ctx context.Context, task *models.QueuedTask, exec *execution) {
	spec := &recurrence.Spec{}
	if err := json.Unmarshal([]byte(task.RecurringTask), spec); err != nil {
		s.markUnrecoverable(ctx, task, fmt.Sprintf("recovery: decode schedule: %v", err))
		return
	}
	exec.spec = spec

	runIndex := 0
	if task.CurrentRunCount != nil {
		runIndex = *task.CurrentRunCount
	}

	// A stored next run that has not passed yet is authoritative.
	if task.NextRunUtc != nil && task.NextRunUtc.After(s.now()) {
		if err := s.route(ctx, s.buildJob(exec, task.NextRunUtc), exec.level); err != nil {
			s.logger.Error("failed to restore recurring task", "task_id", task.ID, "error", err)
		}
		return
	}

	scheduled := task.CreatedAtUtc
	if task.LastExecutionUtc != nil {
		scheduled = *task.LastExecutionUtc
	}
	next, skipped := spec.CalculateNextValidRun(scheduled, runIndex, s.now())
	s.finishRestoreRecurring(ctx, task, exec, scheduled, next, skipped)
}

func (s *TaskService) finishRestoreRecurring(ctx context.Context, task *models.QueuedTask, exec *execution, scheduled time.Time, next *time.Time, skipped int) {
	updated := *task
	if skipped > 0 {
		s.recordSkips(ctx, exec.spec, task.ID, scheduled, skipped)
		// Skipped occurrences consume MaxRuns like performed runs.
		count := skipped
		if task.CurrentRunCount != nil {
			count += *task.CurrentRunCount
		}
		updated.CurrentRunCount = &count
	}
	updated.NextRunUtc = next
	if err := s.store.UpdateTask(ctx, &updated); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("failed to store reconciled next run", "task_id", task.ID, "error", err)
	}
	if next == nil {
		s.completeSchedule(ctx, task, exec)
		return
	}
	if err := s.route(ctx, s.buildJob(exec, next), exec.level); err != nil {
		s.logger.Error("failed to restore recurring task", "task_id", task.ID, "error", err)
	}
}

// completeSchedule closes out a recurring task whose terminators leave no
// further runs.
func (s *TaskService) completeSchedule(ctx context.Context, task *models.QueuedTask, exec *execution) {
	s.logger.Info("recurring task schedule exhausted during downtime", "task_id", task.ID)
	if err := storage.SetCompleted(ctx, s.store, task.ID, exec.level); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("failed to mark task completed", "task_id", task.ID, "error", err)
	}
	s.dispose(exec)
}

func (s *TaskService) markUnrecoverable(ctx context.Context, task *models.QueuedTask, reason string) {
	s.logger.Error("task cannot be recovered", "task_id", task.ID, "type", task.Type, "reason", reason)
	level := s.config.queueAuditLevel(task.QueueName)
	if err := s.store.SetStatus(ctx, task.ID, models.StatusFailed, reason, level); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("failed to mark task failed", "task_id", task.ID, "error", err)
	}
}
