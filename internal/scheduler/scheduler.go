// Package scheduler holds future-dated jobs in a time-ordered heap and
// hands them to the run queues when their instant arrives.
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/evertask/evertask/internal/observability"
	"github.com/evertask/evertask/internal/runner"
)

// maxSleep caps the idle wait so wall-clock adjustments are picked up even
// when the next job is far in the future.
const maxSleep = 90 * time.Minute

// DispatchFunc hands a due job to the run queues.
type DispatchFunc func(ctx context.Context, job *runner.Job) error

// FailFunc marks a job failed when it cannot be handed over.
type FailFunc func(ctx context.Context, job *runner.Job, err error)

// Scheduler delays jobs until their execution time.
type Scheduler struct {
	dispatch DispatchFunc
	fail     FailFunc
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	mu      sync.Mutex
	items   jobHeap
	wake    chan struct{}
	started bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics enables scheduler instrumentation.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = metrics }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a Scheduler that hands due jobs to dispatch. fail is invoked
// when a due job cannot be handed over; it may be nil.
func New(dispatch DispatchFunc, fail FailFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		dispatch: dispatch,
		fail:     fail,
		logger:   slog.Default(),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	return s
}

// Start launches the timer loop. It returns immediately; the loop stops
// when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop terminates the timer loop and waits for it to exit. Jobs still held
// in the heap are abandoned; persisted state replays them at next startup.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.done)
	s.mu.Unlock()
	s.wg.Wait()
}

// Schedule adds the job and wakes the loop if the new job is due sooner
// than the current head.
func (s *Scheduler) Schedule(job *runner.Job) {
	at := s.now()
	if job.ExecutionTime != nil {
		at = *job.ExecutionTime
	}
	s.mu.Lock()
	heap.Push(&s.items, &item{job: job, at: at})
	size := s.items.Len()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SchedulerPending.Set(float64(size))
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Len reports the number of waiting jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.Len()
}

func (s *Scheduler) run(ctx context.Context) {
	timer := time.NewTimer(maxSleep)
	defer timer.Stop()

	for {
		s.dispatchDue(ctx)

		wait := s.untilNext()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// untilNext returns how long to sleep before the head item is due, capped
// at maxSleep.
func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items.Len() == 0 {
		return maxSleep
	}
	wait := s.items[0].at.Sub(s.now())
	if wait < 0 {
		return 0
	}
	if wait > maxSleep {
		return maxSleep
	}
	return wait
}

func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := s.now()
	for {
		s.mu.Lock()
		if s.items.Len() == 0 || s.items[0].at.After(now) {
			size := s.items.Len()
			s.mu.Unlock()
			if s.metrics != nil {
				s.metrics.SchedulerPending.Set(float64(size))
			}
			return
		}
		next := heap.Pop(&s.items).(*item)
		s.mu.Unlock()

		if err := s.dispatch(ctx, next.job); err != nil {
			s.logger.Error("failed to hand job to queue", "task_id", next.job.ID, "error", err)
			if s.fail != nil {
				s.fail(ctx, next.job, err)
			}
		}
	}
}

// item is one heap entry.
type item struct {
	job *runner.Job
	at  time.Time
}

type jobHeap []*item

func (h jobHeap) Len() int           { return len(h) }
func (h jobHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h jobHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)        { *h = append(*h, x.(*item)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
