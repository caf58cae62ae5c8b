package evertask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/evertask/evertask/internal/cancellation"
	"github.com/evertask/evertask/internal/observability"
	"github.com/evertask/evertask/internal/queue"
	"github.com/evertask/evertask/internal/runner"
	"github.com/evertask/evertask/internal/scheduler"
	"github.com/evertask/evertask/pkg/models"
	"github.com/evertask/evertask/pkg/storage"
)

// TaskService is the runtime host: it owns the dispatcher, the timer
// scheduler, the run queues and their workers, and recovery at startup.
type TaskService struct {
	config   *Config
	logger   *slog.Logger
	store    storage.TaskStorage
	handlers *HandlerRegistry
	cancels  *cancellation.Registry
	queues   *queue.Manager
	timer    *scheduler.Scheduler
	metrics  *observability.Metrics
	monitor  *monitorHub
	now      func() time.Time

	mu       sync.Mutex
	started  bool
	runStop  context.CancelFunc
	inflight sync.WaitGroup

	// live tracks tasks currently held in memory (queued or timed), so
	// startup recovery does not enqueue them a second time.
	liveMu sync.Mutex
	live   map[uuid.UUID]struct{}
}

// ServiceOption configures a TaskService.
type ServiceOption func(*TaskService)

// WithLogger sets the structured logger, overriding the one built from the
// logging configuration.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *TaskService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics registers Prometheus instruments on reg (the default
// registry when nil) and instruments the runtime with them.
func WithMetrics(reg prometheus.Registerer) ServiceOption {
	return func(s *TaskService) {
		s.metrics = observability.NewMetrics(reg)
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) ServiceOption {
	return func(s *TaskService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewTaskService wires a service over the given storage and handler
// registry. Pass nil config to use defaults.
func NewTaskService(store storage.TaskStorage, handlers *HandlerRegistry, config *Config, opts ...ServiceOption) (*TaskService, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: storage is required", ErrInvalidArgument)
	}
	if handlers == nil {
		handlers = NewHandlerRegistry()
	}
	if config == nil {
		config = DefaultConfig()
	} else {
		config.ApplyDefaults()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &TaskService{
		config:   config,
		store:    store,
		handlers: handlers,
		cancels:  cancellation.NewRegistry(),
		now:      time.Now,
		live:     make(map[uuid.UUID]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = observability.NewLogger(observability.LogConfig{
			Level:     config.Logging.Level,
			Format:    config.Logging.Format,
			AddSource: config.Logging.AddSource,
		}, nil)
	}
	s.logger = s.logger.With("component", "evertask")
	s.monitor = newMonitorHub(s.logger)

	defQueue, extraQueues := config.queueConfigs()
	queueOpts := []queue.Option{queue.WithLogger(s.logger)}
	if s.metrics != nil {
		queueOpts = append(queueOpts, queue.WithMetrics(s.metrics))
	}
	queues, err := queue.NewManager(defQueue, extraQueues, store, s.cancels, queueOpts...)
	if err != nil {
		return nil, err
	}
	s.queues = queues

	timerOpts := []scheduler.Option{
		scheduler.WithLogger(s.logger),
		scheduler.WithNow(s.now),
	}
	if s.metrics != nil {
		timerOpts = append(timerOpts, scheduler.WithMetrics(s.metrics))
	}
	s.timer = scheduler.New(
		func(ctx context.Context, job *runner.Job) error {
			return s.queues.Enqueue(ctx, job)
		},
		func(ctx context.Context, job *runner.Job, err error) {
			reason := fmt.Sprintf("failed to enqueue scheduled task: %v", err)
			if serr := s.store.SetStatus(ctx, job.ID, models.StatusFailed, reason, job.AuditLevel); serr != nil && !errors.Is(serr, storage.ErrNotFound) {
				s.logger.Warn("failed to mark task failed", "task_id", job.ID, "error", serr)
			}
		},
		timerOpts...,
	)

	return s, nil
}

// Start launches workers and the timer loop, then replays persisted
// pending tasks. It returns once recovery has finished.
func (s *TaskService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	runCtx, stop := context.WithCancel(ctx)
	s.started = true
	s.runStop = stop
	s.mu.Unlock()

	s.queues.Start(runCtx)
	s.timer.Start(runCtx)

	if err := s.recoverPending(runCtx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	s.logger.Info("task service started")
	return nil
}

// Stop halts intake, then waits up to the configured grace period for
// in-flight executions. Executions still running afterwards are abandoned;
// their tasks are marked service-stopped and replayed at the next start.
func (s *TaskService) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	stop := s.runStop
	s.mu.Unlock()

	s.timer.Stop()
	stop()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		s.queues.Wait()
		close(done)
	}()

	grace := time.Duration(s.config.ShutdownGrace)
	select {
	case <-done:
		s.logger.Info("task service stopped")
		return nil
	case <-time.After(grace):
		s.logger.Warn("shutdown grace elapsed with executions still running", "grace", grace)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *TaskService) markLive(id uuid.UUID) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	s.live[id] = struct{}{}
}

func (s *TaskService) unmarkLive(id uuid.UUID) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	delete(s.live, id)
}

func (s *TaskService) isLive(id uuid.UUID) bool {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	_, ok := s.live[id]
	return ok
}

// Monitor subscribes fn to task lifecycle events. The returned function
// unsubscribes.
func (s *TaskService) Monitor(fn MonitorFunc) func() {
	return s.monitor.subscribe(fn)
}

// Task returns the stored record for a task.
func (s *TaskService) Task(ctx context.Context, id uuid.UUID) (*models.QueuedTask, error) {
	return s.store.Get(ctx, id)
}

// ExecutionLogs returns the log lines captured for a task, ordered by
// sequence number.
func (s *TaskService) ExecutionLogs(ctx context.Context, id uuid.UUID, skip, take int) ([]models.TaskExecutionLog, error) {
	return s.store.GetExecutionLogs(ctx, id, skip, take)
}
