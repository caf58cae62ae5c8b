package evertask

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/evertask/evertask/internal/observability"
	"github.com/evertask/evertask/internal/runner"
	"github.com/evertask/evertask/pkg/models"
	"github.com/evertask/evertask/pkg/recurrence"
	"github.com/evertask/evertask/pkg/storage"
)

// execution carries everything a worker needs to run one task.
type execution struct {
	id       uuid.UUID
	reg      *registration
	payload  string
	taskType string
	spec     *recurrence.Spec
	level    models.AuditLevel
	queue    string
}

// errAttemptTimeout marks an attempt that exceeded its per-attempt timeout,
// distinguishing it from cancellation of the whole execution.
var errAttemptTimeout = errors.New("execution attempt timed out")

func (s *TaskService) buildJob(exec *execution, at *time.Time) *runner.Job {
	return &runner.Job{
		ID:            exec.id,
		QueueName:     exec.queue,
		Recurring:     exec.spec != nil,
		ExecutionTime: at,
		AuditLevel:    exec.level,
		Run: func(ctx context.Context) {
			s.execute(ctx, exec)
		},
	}
}

// execute runs one task to a final status: lifecycle callbacks, retries
// with optional per-attempt timeout, outcome classification, recurrence
// rescheduling, log flushing and monitor notification.
func (s *TaskService) execute(ctx context.Context, exec *execution) {
	s.inflight.Add(1)
	defer s.inflight.Done()

	id := exec.id
	if s.cancels.IsBlacklisted(id) {
		// Cancelled between dequeue and execution; status already set.
		s.cancels.Unblacklist(id)
		return
	}

	execCtx, cancel := s.cancels.Track(ctx, id)
	defer cancel()
	defer s.cancels.Release(id)

	if err := storage.SetInProgress(execCtx, s.store, id, exec.level); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("failed to mark task in progress", "task_id", id, "error", err)
	}

	capture := observability.NewCaptureHandler(id, observability.ParseLevel(s.config.CaptureLogLevel), s.config.MaxCapturedLogs)
	execLogger := slog.New(observability.NewTeeHandler(s.logger.Handler(), capture)).
		With("task_id", id, "task_type", exec.taskType)

	s.runCallback(id, "OnStarted", func() {
		if h, ok := exec.reg.handler.(StartedHandler); ok {
			h.OnStarted(execCtx, id)
		}
	})

	started := s.now()
	runErr := s.runAttempts(execCtx, exec, execLogger)
	duration := s.now().Sub(started)

	status, exception := s.classify(ctx, execCtx, id, runErr)

	switch status {
	case models.StatusCompleted:
		if err := storage.SetCompleted(ctx, s.store, id, exec.level); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("failed to mark task completed", "task_id", id, "error", err)
		}
		s.runCallback(id, "OnCompleted", func() {
			if h, ok := exec.reg.handler.(CompletedHandler); ok {
				h.OnCompleted(ctx, id)
			}
		})

	case models.StatusFailed:
		if err := s.store.SetStatus(ctx, id, models.StatusFailed, exception, exec.level); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("failed to mark task failed", "task_id", id, "error", err)
		}
		s.runCallback(id, "OnError", func() {
			if h, ok := exec.reg.handler.(ErrorHandler); ok {
				h.OnError(ctx, id, runErr, exception)
			}
		})

	case models.StatusServiceStopped:
		if err := storage.SetCancelledByService(context.WithoutCancel(ctx), s.store, id, exception, exec.level); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("failed to mark task service-stopped", "task_id", id, "error", err)
		}
		s.runCallback(id, "OnError", func() {
			if h, ok := exec.reg.handler.(ErrorHandler); ok {
				h.OnError(context.WithoutCancel(ctx), id, runErr, exception)
			}
		})

	case models.StatusCancelled:
		// Status was set by Cancel; clear the blacklist entry.
		s.cancels.Unblacklist(id)
		s.runCallback(id, "OnError", func() {
			if h, ok := exec.reg.handler.(ErrorHandler); ok {
				h.OnError(context.WithoutCancel(ctx), id, runErr, exception)
			}
		})
	}

	if s.metrics != nil {
		s.metrics.RecordExecution(exec.taskType, string(status), duration.Seconds())
	}

	rescheduled := false
	if exec.spec != nil && (status == models.StatusCompleted || status == models.StatusFailed) {
		rescheduled = s.rescheduleRecurring(ctx, exec)
	}

	lines := capture.Drain()
	if len(lines) > 0 {
		flushCtx := context.WithoutCancel(ctx)
		if err := s.store.SaveExecutionLogs(flushCtx, id, lines); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("failed to persist execution logs", "task_id", id, "error", err)
		}
	}

	if !rescheduled {
		s.unmarkLive(id)
	}
	if !rescheduled && status.IsTerminal() {
		s.dispose(exec)
	}

	s.publishOutcome(exec, status, exception, lines)
	s.logger.Debug("task finished",
		"task_id", id, "status", status, "duration", duration, "rescheduled", rescheduled)
}

// runAttempts executes the handler under its retry policy, bounding each
// attempt by the effective timeout and containing handler panics.
func (s *TaskService) runAttempts(execCtx context.Context, exec *execution, execLogger *slog.Logger) error {
	timeout := s.config.queueTimeout(exec.queue)
	if configurer, ok := exec.reg.handler.(TimeoutConfigurer); ok {
		timeout = configurer.Timeout()
	}
	policy := s.config.queueRetryPolicy(exec.queue)
	if configurer, ok := exec.reg.handler.(RetryConfigurer); ok {
		if p := configurer.RetryPolicy(); p != nil {
			policy = p
		}
	}
	cpuBound := false
	if marker, ok := exec.reg.handler.(CpuBoundMarker); ok {
		cpuBound = marker.CpuBound()
	}

	attempt := func(ctx context.Context, n int) error {
		attemptCtx := ctx
		if timeout > 0 {
			var cancelAttempt context.CancelFunc
			attemptCtx, cancelAttempt = context.WithTimeout(ctx, timeout)
			defer cancelAttempt()
		}
		attemptCtx = withLogger(attemptCtx, execLogger)

		err := s.invoke(attemptCtx, exec, cpuBound)
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// The attempt hit its own deadline, not an outer cancellation;
			// the retry policy may try again.
			execLogger.Warn("attempt timed out", "attempt", n, "timeout", timeout)
			return fmt.Errorf("%w after %s", errAttemptTimeout, timeout)
		}
		return err
	}

	return policy.Execute(execCtx, execLogger, attempt)
}

// invoke runs a single handler attempt, optionally on a dedicated OS
// thread, converting panics into errors.
func (s *TaskService) invoke(ctx context.Context, exec *execution, cpuBound bool) (err error) {
	run := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		return exec.reg.invoke(ctx, exec.payload)
	}
	if !cpuBound {
		return run()
	}

	done := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		done <- run()
	}()
	select {
	case err = <-done:
		return err
	case <-ctx.Done():
		// The computation keeps its thread until it returns on its own.
		return ctx.Err()
	}
}

// classify maps the run error onto a final status.
func (s *TaskService) classify(hostCtx, execCtx context.Context, id uuid.UUID, runErr error) (models.TaskStatus, string) {
	switch {
	case runErr == nil:
		return models.StatusCompleted, ""
	case s.cancels.IsBlacklisted(id):
		return models.StatusCancelled, "cancelled by user"
	case hostCtx.Err() != nil:
		return models.StatusServiceStopped, "service stopped during execution"
	case execCtx.Err() != nil && errors.Is(runErr, context.Canceled):
		return models.StatusCancelled, "cancelled by user"
	default:
		return models.StatusFailed, runErr.Error()
	}
}

// rescheduleRecurring records the finished run and schedules the next
// occurrence. It reports whether another run is coming.
func (s *TaskService) rescheduleRecurring(ctx context.Context, exec *execution) bool {
	id := exec.id
	count, err := s.store.GetCurrentRunCount(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Error("failed to read run count", "task_id", id, "error", err)
		}
		return false
	}

	// A keyed re-dispatch may have replaced the payload or schedule since
	// this occurrence was scheduled; the stored row is authoritative.
	if stored, gerr := s.store.Get(ctx, id); gerr == nil {
		exec.payload = stored.Request
		if stored.RecurringTask != "" {
			fresh := &recurrence.Spec{}
			if jerr := json.Unmarshal([]byte(stored.RecurringTask), fresh); jerr == nil {
				exec.spec = fresh
			}
		}
	}

	now := s.now().UTC()
	next, skipped := exec.spec.CalculateNextValidRun(now, count+1, now)

	if err := s.store.UpdateCurrentRun(ctx, id, next, exec.level); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Error("failed to record run", "task_id", id, "error", err)
	}
	if skipped > 0 {
		s.recordSkips(ctx, exec.spec, id, now, skipped)
		s.chargeSkipped(ctx, id, skipped)
	}
	if next == nil {
		s.logger.Info("recurring task finished its schedule", "task_id", id)
		return false
	}

	job := s.buildJob(exec, next)
	if err := s.route(ctx, job, exec.level); err != nil {
		s.logger.Error("failed to reschedule recurring task", "task_id", id, "error", err)
		if serr := s.store.SetStatus(ctx, id, models.StatusFailed, fmt.Sprintf("reschedule failed: %v", err), exec.level); serr != nil && !errors.Is(serr, storage.ErrNotFound) {
			s.logger.Warn("failed to mark task failed", "task_id", id, "error", serr)
		}
		return false
	}
	return true
}

// recordSkips persists a summary of occurrences missed while the process
// could not fire them. from is the last instant the schedule actually
// covered, so the summary lists the past firings, not future ones.
func (s *TaskService) recordSkips(ctx context.Context, spec *recurrence.Spec, id uuid.UUID, from time.Time, skipped int) {
	occurrences := missedOccurrences(spec, from, s.now().UTC(), skipped)
	if len(occurrences) == 0 {
		return
	}
	if err := s.store.RecordSkippedOccurrences(ctx, id, occurrences); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("failed to record skipped occurrences", "task_id", id, "error", err)
	}
	s.logger.Warn("skipped missed occurrences", "task_id", id, "count", skipped)
}

// missedOccurrences lists the instants the schedule should have fired
// between from and until, capped for the audit summary.
func missedOccurrences(spec *recurrence.Spec, from, until time.Time, skipped int) []time.Time {
	const maxListed = 100
	out := make([]time.Time, 0, minInt(skipped, maxListed))
	current := from
	for i := 0; i < skipped && i < maxListed; i++ {
		next, ok := spec.NextRun(current, 1)
		if !ok || next.After(until) {
			break
		}
		out = append(out, next)
		current = next
	}
	return out
}

// chargeSkipped counts missed occurrences against the stored run count so
// they consume MaxRuns like performed runs.
func (s *TaskService) chargeSkipped(ctx context.Context, id uuid.UUID, skipped int) {
	stored, err := s.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("failed to charge skipped occurrences", "task_id", id, "error", err)
		}
		return
	}
	count := skipped
	if stored.CurrentRunCount != nil {
		count += *stored.CurrentRunCount
	}
	updated := *stored
	updated.CurrentRunCount = &count
	if err := s.store.UpdateTask(ctx, &updated); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("failed to charge skipped occurrences", "task_id", id, "error", err)
	}
}

func (s *TaskService) dispose(exec *execution) {
	if disposable, ok := exec.reg.handler.(Disposable); ok {
		s.runCallback(exec.id, "Dispose", func() {
			if err := disposable.Dispose(); err != nil {
				s.logger.Warn("handler dispose failed", "task_id", exec.id, "error", err)
			}
		})
	}
}

// runCallback contains panics from user lifecycle hooks.
func (s *TaskService) runCallback(id uuid.UUID, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("lifecycle callback panicked", "task_id", id, "callback", name, "panic", r)
		}
	}()
	fn()
}

func (s *TaskService) publishOutcome(exec *execution, status models.TaskStatus, exception string, logs []models.TaskExecutionLog) {
	severity := models.SeverityInformation
	message := "task completed"
	switch status {
	case models.StatusFailed:
		severity = models.SeverityError
		message = "task failed"
	case models.StatusCancelled:
		severity = models.SeverityWarning
		message = "task cancelled"
	case models.StatusServiceStopped:
		severity = models.SeverityWarning
		message = "task interrupted by service stop"
	}
	s.monitor.publish(models.TaskEvent{
		TaskID:          exec.id,
		EventDateUtc:    s.now().UTC(),
		Severity:        severity,
		TaskType:        exec.taskType,
		TaskHandlerType: exec.reg.handlerName,
		TaskParameters:  exec.payload,
		Message:         message,
		Exception:       exception,
		ExecutionLogs:   logs,
	})
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
