// Package queue implements named, bounded run queues with per-queue worker
// pools and configurable behaviour when a queue is full.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/evertask/evertask/internal/cancellation"
	"github.com/evertask/evertask/internal/observability"
	"github.com/evertask/evertask/internal/runner"
	"github.com/evertask/evertask/pkg/models"
	"github.com/evertask/evertask/pkg/storage"
)

// DefaultQueueName receives jobs that do not name a queue.
const DefaultQueueName = "default"

// RecurringQueueName receives recurring jobs that do not name a queue.
const RecurringQueueName = "recurring"

// ErrQueueNotFound indicates a job named a queue that was never configured.
var ErrQueueNotFound = errors.New("queue not found")

// FullMode selects what Enqueue does when the target queue is at capacity.
type FullMode string

const (
	// FullModeWait blocks until space frees up or the context is done.
	FullModeWait FullMode = "wait"

	// FullModeDropWrite rejects the incoming job.
	FullModeDropWrite FullMode = "drop_write"

	// FullModeDropOldest evicts the oldest waiting job to make room.
	FullModeDropOldest FullMode = "drop_oldest"

	// FullModeFallbackToDefault retries on the default queue, which always
	// waits.
	FullModeFallbackToDefault FullMode = "fallback_to_default"
)

// QueueConfig describes one named queue.
type QueueConfig struct {
	Name string `yaml:"name"`

	// Capacity bounds the number of jobs waiting for a worker.
	Capacity int `yaml:"capacity"`

	// MaxDegreeOfParallelism is the worker count draining this queue.
	MaxDegreeOfParallelism int `yaml:"max_degree_of_parallelism"`

	FullMode FullMode `yaml:"full_mode"`
}

func (c *QueueConfig) normalize() {
	if c.Capacity <= 0 {
		c.Capacity = 500
	}
	if c.MaxDegreeOfParallelism <= 0 {
		c.MaxDegreeOfParallelism = 1
	}
	if c.FullMode == "" {
		c.FullMode = FullModeWait
	}
}

type queue struct {
	config QueueConfig
	jobs   chan *runner.Job
}

// Manager owns the run queues and their worker pools.
type Manager struct {
	mu       sync.Mutex
	queues   map[string]*queue
	store    storage.TaskStorage
	registry *cancellation.Registry
	logger   *slog.Logger
	metrics  *observability.Metrics

	wg      sync.WaitGroup
	started bool
	runCtx  context.Context
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics enables queue instrumentation.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager builds the default queue from defaultConfig and one queue per
// entry in extra. A recurring queue is created lazily on first use.
func NewManager(defaultConfig QueueConfig, extra []QueueConfig, store storage.TaskStorage, registry *cancellation.Registry, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if registry == nil {
		registry = cancellation.NewRegistry()
	}

	m := &Manager{
		queues:   make(map[string]*queue),
		store:    store,
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "queue")

	defaultConfig.Name = DefaultQueueName
	defaultConfig.normalize()
	// The default queue is the fallback target; it always waits so
	// escalation terminates.
	defaultConfig.FullMode = FullModeWait
	m.queues[DefaultQueueName] = &queue{
		config: defaultConfig,
		jobs:   make(chan *runner.Job, defaultConfig.Capacity),
	}

	for _, cfg := range extra {
		if cfg.Name == "" || cfg.Name == DefaultQueueName {
			continue
		}
		cfg.normalize()
		if _, dup := m.queues[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate queue %q", cfg.Name)
		}
		m.queues[cfg.Name] = &queue{
			config: cfg,
			jobs:   make(chan *runner.Job, cfg.Capacity),
		}
	}
	return m, nil
}

// Start launches the worker pools. Workers stop when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.runCtx = ctx
	for _, q := range m.queues {
		m.startWorkers(ctx, q)
	}
}

// Wait blocks until every worker has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) startWorkers(ctx context.Context, q *queue) {
	for i := 0; i < q.config.MaxDegreeOfParallelism; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.work(ctx, q)
		}()
	}
}

func (m *Manager) work(ctx context.Context, q *queue) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			m.observeDepth(q)
			if m.registry.IsBlacklisted(job.ID) {
				// Cancelled while waiting; the status was already set by
				// the canceller, so just sweep the entry.
				m.registry.Unblacklist(job.ID)
				m.logger.Debug("dropping cancelled task", "task_id", job.ID, "queue", q.config.Name)
				continue
			}
			job.Run(ctx)
		}
	}
}

// Enqueue routes the job to its queue, applying the queue's full-mode
// policy, and marks the task queued once accepted.
func (m *Manager) Enqueue(ctx context.Context, job *runner.Job) error {
	if job == nil {
		return fmt.Errorf("job is required")
	}
	if m.registry.IsBlacklisted(job.ID) {
		m.registry.Unblacklist(job.ID)
		return nil
	}

	q, err := m.resolve(job)
	if err != nil {
		return err
	}
	if err := m.push(ctx, q, job); err != nil {
		return err
	}
	if err := storage.SetQueued(ctx, m.store, job.ID, job.AuditLevel); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn("failed to mark task queued", "task_id", job.ID, "error", err)
	}
	return nil
}

func (m *Manager) resolve(job *runner.Job) (*queue, error) {
	name := job.QueueName
	if name == "" {
		if job.Recurring {
			return m.recurringQueue(), nil
		}
		name = DefaultQueueName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrQueueNotFound, name)
	}
	return q, nil
}

func (m *Manager) recurringQueue() *queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[RecurringQueueName]; ok {
		return q
	}
	cfg := QueueConfig{Name: RecurringQueueName, FullMode: FullModeWait}
	cfg.normalize()
	q := &queue{config: cfg, jobs: make(chan *runner.Job, cfg.Capacity)}
	m.queues[RecurringQueueName] = q
	if m.started {
		m.startWorkers(m.runCtx, q)
	}
	return q
}

func (m *Manager) push(ctx context.Context, q *queue, job *runner.Job) error {
	// Fast path: space available.
	select {
	case q.jobs <- job:
		m.observeDepth(q)
		return nil
	default:
	}

	switch q.config.FullMode {
	case FullModeDropWrite:
		m.dropped(ctx, q, job, "queue full, write dropped")
		return nil

	case FullModeDropOldest:
		select {
		case oldest := <-q.jobs:
			m.dropped(ctx, q, oldest, "evicted by newer task from full queue")
		default:
		}
		select {
		case q.jobs <- job:
			m.observeDepth(q)
			return nil
		default:
			// Raced with concurrent producers; fall through to waiting.
		}
		return m.waitPush(ctx, q, job)

	case FullModeFallbackToDefault:
		m.mu.Lock()
		def := m.queues[DefaultQueueName]
		m.mu.Unlock()
		m.logger.Debug("queue full, falling back to default", "queue", q.config.Name, "task_id", job.ID)
		return m.waitPush(ctx, def, job)

	default: // FullModeWait
		return m.waitPush(ctx, q, job)
	}
}

func (m *Manager) waitPush(ctx context.Context, q *queue, job *runner.Job) error {
	select {
	case q.jobs <- job:
		m.observeDepth(q)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) dropped(ctx context.Context, q *queue, job *runner.Job, reason string) {
	m.logger.Warn("task dropped", "task_id", job.ID, "queue", q.config.Name, "reason", reason)
	if m.metrics != nil {
		m.metrics.TasksDropped.WithLabelValues(q.config.Name).Inc()
	}
	if err := m.store.SetStatus(ctx, job.ID, models.StatusFailed, reason, job.AuditLevel); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn("failed to mark dropped task failed", "task_id", job.ID, "error", err)
	}
}

func (m *Manager) observeDepth(q *queue) {
	if m.metrics != nil {
		m.metrics.QueueDepth.WithLabelValues(q.config.Name).Set(float64(len(q.jobs)))
	}
}
