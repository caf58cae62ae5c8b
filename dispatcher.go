package evertask

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/evertask/evertask/internal/runner"
	"github.com/evertask/evertask/pkg/models"
	"github.com/evertask/evertask/pkg/recurrence"
	"github.com/evertask/evertask/pkg/storage"
)

// DispatchOption customises a single dispatch.
type DispatchOption func(*dispatchOptions)

type dispatchOptions struct {
	delay   *time.Duration
	runAt   *time.Time
	spec    *recurrence.Spec
	queue   string
	taskKey string
}

// WithDelay holds the task in the timer scheduler for d before queueing.
func WithDelay(d time.Duration) DispatchOption {
	return func(o *dispatchOptions) { o.delay = &d }
}

// WithRunAt holds the task until the given instant. Past instants run
// immediately.
func WithRunAt(at time.Time) DispatchOption {
	return func(o *dispatchOptions) { o.runAt = &at }
}

// WithSchedule makes the task recurring under the given schedule.
func WithSchedule(spec *recurrence.Spec) DispatchOption {
	return func(o *dispatchOptions) { o.spec = spec }
}

// WithQueue routes the task to a named run queue.
func WithQueue(name string) DispatchOption {
	return func(o *dispatchOptions) { o.queue = name }
}

// WithTaskKey makes the dispatch idempotent: if a task with the same key
// already exists its id is returned and nothing new is created.
func WithTaskKey(key string) DispatchOption {
	return func(o *dispatchOptions) { o.taskKey = key }
}

// Dispatch persists and routes a task for the given request. The request
// type must have a registered handler.
func (s *TaskService) Dispatch(ctx context.Context, request any, opts ...DispatchOption) (uuid.UUID, error) {
	options := dispatchOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	return s.dispatch(ctx, request, options)
}

// DispatchAfter runs the task once the delay elapses.
func (s *TaskService) DispatchAfter(ctx context.Context, request any, delay time.Duration, opts ...DispatchOption) (uuid.UUID, error) {
	return s.Dispatch(ctx, request, append(opts, WithDelay(delay))...)
}

// DispatchAt runs the task at the given instant.
func (s *TaskService) DispatchAt(ctx context.Context, request any, at time.Time, opts ...DispatchOption) (uuid.UUID, error) {
	return s.Dispatch(ctx, request, append(opts, WithRunAt(at))...)
}

// DispatchRecurring runs the task under the given schedule.
func (s *TaskService) DispatchRecurring(ctx context.Context, request any, spec *recurrence.Spec, opts ...DispatchOption) (uuid.UUID, error) {
	return s.Dispatch(ctx, request, append(opts, WithSchedule(spec))...)
}

func (s *TaskService) dispatch(ctx context.Context, request any, options dispatchOptions) (uuid.UUID, error) {
	reg, err := s.handlers.lookup(request)
	if err != nil {
		return uuid.Nil, err
	}
	if err := validateDispatchOptions(options); err != nil {
		return uuid.Nil, err
	}
	if options.queue == "" {
		if configurer, ok := reg.handler.(QueueConfigurer); ok {
			options.queue = configurer.Queue()
		}
	}

	if options.taskKey != "" {
		existing, err := s.store.GetByTaskKey(ctx, options.taskKey)
		if err == nil {
			s.logger.Debug("task key already dispatched", "task_key", options.taskKey, "task_id", existing.ID)
			if err := s.redispatchKeyed(ctx, existing, reg, request, options); err != nil {
				return uuid.Nil, err
			}
			return existing.ID, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return uuid.Nil, fmt.Errorf("look up task key: %w", err)
		}
	}

	payload, err := reg.marshal(request)
	if err != nil {
		return uuid.Nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate task id: %w", err)
	}
	now := s.now().UTC()

	task := &models.QueuedTask{
		ID:           id,
		CreatedAtUtc: now,
		Type:         reg.requestName,
		Request:      payload,
		Handler:      reg.handlerName,
		Status:       models.StatusWaitingQueue,
		QueueName:    options.queue,
		TaskKey:      options.taskKey,
	}

	kind := "immediate"
	var executionTime *time.Time
	switch {
	case options.spec != nil:
		spec := options.spec
		if err := spec.Validate(); err != nil {
			return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		first, ok := spec.NextRun(now, 0)
		if !ok {
			return uuid.Nil, fmt.Errorf("%w: schedule yields no runs", ErrInvalidArgument)
		}
		specJSON, err := json.Marshal(spec)
		if err != nil {
			return uuid.Nil, fmt.Errorf("encode schedule: %w", err)
		}
		task.IsRecurring = true
		task.RecurringTask = string(specJSON)
		task.RecurringInfo = spec.String()
		task.MaxRuns = spec.MaxRuns
		task.RunUntil = spec.RunUntil
		task.NextRunUtc = &first
		executionTime = &first
		kind = "recurring"

	case options.runAt != nil:
		at := options.runAt.UTC()
		task.ScheduledExecutionUtc = &at
		if at.After(now) {
			executionTime = &at
			kind = "delayed"
		}

	case options.delay != nil && *options.delay > 0:
		at := now.Add(*options.delay)
		task.ScheduledExecutionUtc = &at
		executionTime = &at
		kind = "delayed"
	}

	level := s.effectiveAuditLevel(reg, options.queue)

	if err := s.store.Persist(ctx, task); err != nil {
		if s.config.ThrowIfUnableToPersist == nil || *s.config.ThrowIfUnableToPersist {
			return uuid.Nil, fmt.Errorf("persist task: %w", err)
		}
		s.logger.Warn("task not persisted, running without durability", "task_id", id, "error", err)
	}

	if s.metrics != nil {
		s.metrics.TasksDispatched.WithLabelValues(kind).Inc()
	}

	job := s.buildJob(&execution{
		id:       id,
		reg:      reg,
		payload:  payload,
		taskType: reg.requestName,
		spec:     options.spec,
		level:    level,
		queue:    options.queue,
	}, executionTime)

	if err := s.route(ctx, job, level); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// redispatchKeyed updates the stored payload and schedule of an existing
// keyed task and, unless a live copy is already queued or running, routes
// it again under its original id. When a live copy exists, only the record
// is refreshed; the executor re-reads it before scheduling the next
// occurrence.
func (s *TaskService) redispatchKeyed(ctx context.Context, existing *models.QueuedTask, reg *registration, request any, options dispatchOptions) error {
	payload, err := reg.marshal(request)
	if err != nil {
		return err
	}
	now := s.now().UTC()

	updated := *existing
	updated.Request = payload
	updated.Handler = reg.handlerName
	updated.QueueName = options.queue

	var executionTime *time.Time
	switch {
	case options.spec != nil:
		spec := options.spec
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		runIndex := 0
		if existing.CurrentRunCount != nil {
			runIndex = *existing.CurrentRunCount
		}
		first, ok := spec.NextRun(now, runIndex)
		if !ok {
			return fmt.Errorf("%w: schedule yields no runs", ErrInvalidArgument)
		}
		specJSON, err := json.Marshal(spec)
		if err != nil {
			return fmt.Errorf("encode schedule: %w", err)
		}
		updated.IsRecurring = true
		updated.RecurringTask = string(specJSON)
		updated.RecurringInfo = spec.String()
		updated.MaxRuns = spec.MaxRuns
		updated.RunUntil = spec.RunUntil
		updated.NextRunUtc = &first
		executionTime = &first

	case options.runAt != nil:
		at := options.runAt.UTC()
		updated.ScheduledExecutionUtc = &at
		if at.After(now) {
			executionTime = &at
		}

	case options.delay != nil && *options.delay > 0:
		at := now.Add(*options.delay)
		updated.ScheduledExecutionUtc = &at
		executionTime = &at
	}

	if s.isLive(existing.ID) {
		if err := s.store.UpdateTask(ctx, &updated); err != nil {
			return fmt.Errorf("refresh keyed task: %w", err)
		}
		s.logger.Debug("task key refreshed in place", "task_key", options.taskKey, "task_id", existing.ID)
		return nil
	}

	updated.Status = models.StatusWaitingQueue
	updated.Exception = ""
	if err := s.store.UpdateTask(ctx, &updated); err != nil {
		return fmt.Errorf("refresh keyed task: %w", err)
	}

	level := s.effectiveAuditLevel(reg, options.queue)
	job := s.buildJob(&execution{
		id:       existing.ID,
		reg:      reg,
		payload:  payload,
		taskType: reg.requestName,
		spec:     options.spec,
		level:    level,
		queue:    options.queue,
	}, executionTime)
	return s.route(ctx, job, level)
}

// route hands the job to the timer scheduler or straight to its queue.
// Timer-held tasks count as queued; their run queue stays empty until the
// instant arrives.
func (s *TaskService) route(ctx context.Context, job *runner.Job, level models.AuditLevel) error {
	s.markLive(job.ID)
	if job.ExecutionTime != nil && job.ExecutionTime.After(s.now()) {
		if err := storage.SetQueued(ctx, s.store, job.ID, level); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("failed to mark task queued", "task_id", job.ID, "error", err)
		}
		s.timer.Schedule(job)
		return nil
	}
	return s.queues.Enqueue(ctx, job)
}

// Cancel stops the task: if it is waiting it never runs, if it is executing
// its context is cancelled. Terminal tasks are unaffected.
func (s *TaskService) Cancel(ctx context.Context, id uuid.UUID) error {
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}
	s.cancels.Blacklist(id)
	s.unmarkLive(id)
	level := s.config.queueAuditLevel(task.QueueName)
	if err := storage.SetCancelledByUser(ctx, s.store, id, level); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	s.logger.Info("task cancelled", "task_id", id)
	return nil
}

func (s *TaskService) effectiveAuditLevel(reg *registration, queueName string) models.AuditLevel {
	if configurer, ok := reg.handler.(AuditConfigurer); ok {
		if level := configurer.AuditLevel(); level != "" {
			return level
		}
	}
	return s.config.queueAuditLevel(queueName)
}

func validateDispatchOptions(options dispatchOptions) error {
	set := 0
	if options.spec != nil {
		set++
	}
	if options.runAt != nil {
		set++
	}
	if options.delay != nil {
		set++
	}
	if set > 1 {
		return fmt.Errorf("%w: at most one of delay, run-at and schedule may be set", ErrInvalidArgument)
	}
	if options.delay != nil && *options.delay < 0 {
		return fmt.Errorf("%w: negative delay", ErrInvalidArgument)
	}
	return nil
}
