package evertask

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/evertask/evertask/pkg/models"
	"github.com/evertask/evertask/pkg/recurrence"
	"github.com/evertask/evertask/pkg/retry"
	"github.com/evertask/evertask/pkg/storage"
)

type emailRequest struct {
	To string `json:"to"`
}

type emailHandler struct {
	mu    sync.Mutex
	seen  []emailRequest
	fail  error
	block time.Duration
	runs  chan struct{}
}

func newEmailHandler() *emailHandler {
	return &emailHandler{runs: make(chan struct{}, 32)}
}

func (h *emailHandler) Handle(ctx context.Context, request emailRequest) error {
	if h.block > 0 {
		select {
		case <-time.After(h.block):
		case <-ctx.Done():
			h.runs <- struct{}{}
			return ctx.Err()
		}
	}
	h.mu.Lock()
	h.seen = append(h.seen, request)
	fail := h.fail
	h.mu.Unlock()
	h.runs <- struct{}{}
	return fail
}

func (h *emailHandler) handled() []emailRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]emailRequest(nil), h.seen...)
}

func newService(t *testing.T, store storage.TaskStorage, register func(*HandlerRegistry)) *TaskService {
	t.Helper()
	handlers := NewHandlerRegistry()
	register(handlers)
	config := DefaultConfig()
	config.ShutdownGrace = Duration(2 * time.Second)
	s, err := NewTaskService(store, handlers, config)
	if err != nil {
		t.Fatalf("NewTaskService: %v", err)
	}
	return s
}

func awaitEvent(t *testing.T, events <-chan models.TaskEvent, want models.EventSeverity) models.TaskEvent {
	t.Helper()
	select {
	case ev := <-events:
		if ev.Severity != want {
			t.Fatalf("event severity = %s (%s), want %s", ev.Severity, ev.Message, want)
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no task event received")
		return models.TaskEvent{}
	}
}

func TestImmediateTaskRunsToCompletion(t *testing.T) {
	store := storage.NewMemoryStorage()
	handler := newEmailHandler()
	s := newService(t, store, func(r *HandlerRegistry) {
		if err := Register[emailRequest](r, handler); err != nil {
			t.Fatalf("Register: %v", err)
		}
	})

	events := make(chan models.TaskEvent, 8)
	defer s.Monitor(func(ev models.TaskEvent) { events <- ev })()

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(ctx)

	id, err := s.Dispatch(ctx, emailRequest{To: "ops@example.com"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	awaitEvent(t, events, models.SeverityInformation)

	task, err := s.Task(ctx, id)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if task.Status != models.StatusCompleted {
		t.Errorf("Status = %s, want completed", task.Status)
	}
	// queued, in_progress, completed under the full audit level.
	if len(task.StatusAudits) != 3 {
		t.Errorf("StatusAudits = %d, want 3", len(task.StatusAudits))
	}
	if got := handler.handled(); len(got) != 1 || got[0].To != "ops@example.com" {
		t.Errorf("handled = %+v", got)
	}
}

func TestDispatchUnregisteredRequest(t *testing.T) {
	store := storage.NewMemoryStorage()
	s := newService(t, store, func(r *HandlerRegistry) {})

	_, err := s.Dispatch(context.Background(), emailRequest{To: "x"})
	if !errors.Is(err, ErrHandlerNotRegistered) {
		t.Errorf("Dispatch = %v, want ErrHandlerNotRegistered", err)
	}
}

func TestDelayedTaskFiresAfterDelay(t *testing.T) {
	store := storage.NewMemoryStorage()
	handler := newEmailHandler()
	s := newService(t, store, func(r *HandlerRegistry) {
		if err := Register[emailRequest](r, handler); err != nil {
			t.Fatalf("Register: %v", err)
		}
	})

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(ctx)

	dispatched := time.Now()
	id, err := s.DispatchAfter(ctx, emailRequest{To: "later"}, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("DispatchAfter: %v", err)
	}

	task, _ := s.Task(ctx, id)
	if task.Status != models.StatusQueued {
		t.Errorf("Status = %s, want queued while held by the timer", task.Status)
	}

	select {
	case <-handler.runs:
	case <-time.After(5 * time.Second):
		t.Fatal("delayed task never ran")
	}
	if elapsed := time.Since(dispatched); elapsed < 100*time.Millisecond {
		t.Errorf("task ran after %v, before its delay", elapsed)
	}
}

type timeoutHandler struct {
	attempts chan struct{}
}

func (h *timeoutHandler) Handle(ctx context.Context, request emailRequest) error {
	h.attempts <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

func (h *timeoutHandler) Timeout() time.Duration { return 30 * time.Millisecond }

func (h *timeoutHandler) RetryPolicy() retry.Policy {
	return retry.Linear{MaxAttempts: 3, Delay: time.Millisecond}
}

func TestTimeoutRetriesThenFails(t *testing.T) {
	store := storage.NewMemoryStorage()
	handler := &timeoutHandler{attempts: make(chan struct{}, 8)}
	s := newService(t, store, func(r *HandlerRegistry) {
		if err := Register[emailRequest](r, handler); err != nil {
			t.Fatalf("Register: %v", err)
		}
	})

	events := make(chan models.TaskEvent, 8)
	defer s.Monitor(func(ev models.TaskEvent) { events <- ev })()

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(ctx)

	id, err := s.Dispatch(ctx, emailRequest{To: "slow"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	ev := awaitEvent(t, events, models.SeverityError)
	if ev.TaskID != id {
		t.Errorf("event TaskID = %v, want %v", ev.TaskID, id)
	}

	if got := len(handler.attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	task, _ := s.Task(ctx, id)
	if task.Status != models.StatusFailed {
		t.Errorf("Status = %s, want failed", task.Status)
	}
	if task.Exception == "" {
		t.Error("Exception must describe the timeout")
	}
}

func TestConfiguredRetryPolicyDisablesRetries(t *testing.T) {
	store := storage.NewMemoryStorage()
	handler := newEmailHandler()
	handler.fail = fmt.Errorf("smtp unreachable")
	handlers := NewHandlerRegistry()
	if err := Register[emailRequest](handlers, handler); err != nil {
		t.Fatalf("Register: %v", err)
	}
	config := DefaultConfig()
	config.ShutdownGrace = Duration(2 * time.Second)
	config.DefaultRetry = &RetryConfig{Policy: "none"}
	s, err := NewTaskService(store, handlers, config)
	if err != nil {
		t.Fatalf("NewTaskService: %v", err)
	}

	events := make(chan models.TaskEvent, 8)
	defer s.Monitor(func(ev models.TaskEvent) { events <- ev })()

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(ctx)

	id, err := s.Dispatch(ctx, emailRequest{To: "flaky"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	awaitEvent(t, events, models.SeverityError)
	if got := len(handler.runs); got != 1 {
		t.Errorf("attempts = %d, want 1 under the none policy", got)
	}
	waitForStatus(t, s, id, models.StatusFailed)
}

func TestCancelBeforeDequeue(t *testing.T) {
	store := storage.NewMemoryStorage()
	handler := newEmailHandler()
	s := newService(t, store, func(r *HandlerRegistry) {
		if err := Register[emailRequest](r, handler); err != nil {
			t.Fatalf("Register: %v", err)
		}
	})

	ctx := context.Background()
	// Dispatch before Start so the task waits in its queue.
	id, err := s.Dispatch(ctx, emailRequest{To: "never"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	witnessID, err := s.Dispatch(ctx, emailRequest{To: "witness"})
	if err != nil {
		t.Fatalf("Dispatch witness: %v", err)
	}
	if err := s.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(ctx)

	select {
	case <-handler.runs:
	case <-time.After(5 * time.Second):
		t.Fatal("witness task never ran")
	}
	if got := handler.handled(); len(got) != 1 || got[0].To != "witness" {
		t.Errorf("handled = %+v, want only the witness", got)
	}

	task, _ := s.Task(ctx, id)
	if task.Status != models.StatusCancelled {
		t.Errorf("Status = %s, want cancelled", task.Status)
	}
	witness, _ := s.Task(ctx, witnessID)
	if witness.Status != models.StatusCompleted {
		t.Errorf("witness Status = %s, want completed", witness.Status)
	}
}

func TestCancelTerminalTaskIsNoOp(t *testing.T) {
	store := storage.NewMemoryStorage()
	handler := newEmailHandler()
	s := newService(t, store, func(r *HandlerRegistry) {
		if err := Register[emailRequest](r, handler); err != nil {
			t.Fatalf("Register: %v", err)
		}
	})

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(ctx)

	id, err := s.Dispatch(ctx, emailRequest{To: "done"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	select {
	case <-handler.runs:
	case <-time.After(5 * time.Second):
		t.Fatal("task never ran")
	}

	waitForStatus(t, s, id, models.StatusCompleted)
	if err := s.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	task, _ := s.Task(ctx, id)
	if task.Status != models.StatusCompleted {
		t.Errorf("Status = %s, terminal status must not change", task.Status)
	}
}

func TestTaskKeyIdempotency(t *testing.T) {
	store := storage.NewMemoryStorage()
	handler := newEmailHandler()
	s := newService(t, store, func(r *HandlerRegistry) {
		if err := Register[emailRequest](r, handler); err != nil {
			t.Fatalf("Register: %v", err)
		}
	})

	ctx := context.Background()
	first, err := s.Dispatch(ctx, emailRequest{To: "a"}, WithTaskKey("nightly"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	second, err := s.Dispatch(ctx, emailRequest{To: "b"}, WithTaskKey("nightly"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if first != second {
		t.Errorf("ids differ: %v vs %v, want idempotent dispatch", first, second)
	}
	if store.Count() != 1 {
		t.Errorf("stored tasks = %d, want 1", store.Count())
	}
}

func TestTaskKeyRedispatchAfterCompletion(t *testing.T) {
	store := storage.NewMemoryStorage()
	handler := newEmailHandler()
	s := newService(t, store, func(r *HandlerRegistry) {
		if err := Register[emailRequest](r, handler); err != nil {
			t.Fatalf("Register: %v", err)
		}
	})

	events := make(chan models.TaskEvent, 8)
	defer s.Monitor(func(ev models.TaskEvent) { events <- ev })()

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(ctx)

	first, err := s.Dispatch(ctx, emailRequest{To: "v1"}, WithTaskKey("nightly"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	awaitEvent(t, events, models.SeverityInformation)

	second, err := s.Dispatch(ctx, emailRequest{To: "v2"}, WithTaskKey("nightly"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if first != second {
		t.Errorf("ids differ: %v vs %v, want the existing id reused", first, second)
	}
	awaitEvent(t, events, models.SeverityInformation)

	if got := handler.handled(); len(got) != 2 || got[1].To != "v2" {
		t.Errorf("handled = %+v, want both payloads under one id", got)
	}
	if store.Count() != 1 {
		t.Errorf("stored tasks = %d, want 1", store.Count())
	}
}

func TestRecurringTaskRunsAndReschedules(t *testing.T) {
	store := storage.NewMemoryStorage()
	handler := newEmailHandler()
	s := newService(t, store, func(r *HandlerRegistry) {
		if err := Register[emailRequest](r, handler); err != nil {
			t.Fatalf("Register: %v", err)
		}
	})

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(ctx)

	spec, err := recurrence.Schedule().RunNow().EverySeconds(1).MaxRuns(2).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	id, err := s.DispatchRecurring(ctx, emailRequest{To: "tick"}, spec)
	if err != nil {
		t.Fatalf("DispatchRecurring: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-handler.runs:
		case <-time.After(10 * time.Second):
			t.Fatalf("run %d never happened", i+1)
		}
	}

	waitForStatus(t, s, id, models.StatusCompleted)
	task, _ := s.Task(ctx, id)
	if task.CurrentRunCount == nil || *task.CurrentRunCount != 2 {
		t.Errorf("CurrentRunCount = %v, want 2", task.CurrentRunCount)
	}
	if task.NextRunUtc != nil {
		t.Errorf("NextRunUtc = %v, want nil after the final run", task.NextRunUtc)
	}
	if len(task.RunsAudits) != 2 {
		t.Errorf("RunsAudits = %d, want 2", len(task.RunsAudits))
	}
}

func TestMissedOccurrencesListPastInstants(t *testing.T) {
	spec, err := recurrence.Schedule().EveryMinutes(5).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	from := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	until := from.Add(23 * time.Minute)

	got := missedOccurrences(spec, from, until, 4)
	want := []time.Time{
		from.Add(5 * time.Minute),
		from.Add(10 * time.Minute),
		from.Add(15 * time.Minute),
		from.Add(20 * time.Minute),
	}
	if len(got) != len(want) {
		t.Fatalf("occurrences = %v, want %v", got, want)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("occurrence %d = %v, want %v", i, got[i], want[i])
		}
		if got[i].After(until) {
			t.Errorf("occurrence %d = %v lies after the window end %v", i, got[i], until)
		}
	}
}

func TestRecoveryReplaysPendingTasks(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()

	// Simulate a task left behind by a previous process.
	id, _ := uuid.NewV7()
	task := &models.QueuedTask{
		ID:           id,
		CreatedAtUtc: time.Now().UTC().Add(-time.Minute),
		Type:         "github.com/evertask/evertask.emailRequest",
		Request:      `{"to":"recovered"}`,
		Handler:      "test.emailHandler",
		Status:       models.StatusServiceStopped,
	}
	if err := store.Persist(ctx, task); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	handler := newEmailHandler()
	s := newService(t, store, func(r *HandlerRegistry) {
		if err := Register[emailRequest](r, handler); err != nil {
			t.Fatalf("Register: %v", err)
		}
	})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(ctx)

	select {
	case <-handler.runs:
	case <-time.After(5 * time.Second):
		t.Fatal("recovered task never ran")
	}
	if got := handler.handled(); len(got) != 1 || got[0].To != "recovered" {
		t.Errorf("handled = %+v", got)
	}
	waitForStatus(t, s, id, models.StatusCompleted)
}

func TestRecoveryMarksUnknownTypeFailed(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()

	id, _ := uuid.NewV7()
	task := &models.QueuedTask{
		ID:           id,
		CreatedAtUtc: time.Now().UTC().Add(-time.Minute),
		Type:         "gone.Request",
		Request:      `{}`,
		Handler:      "gone.Handler",
		Status:       models.StatusQueued,
	}
	if err := store.Persist(ctx, task); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	s := newService(t, store, func(r *HandlerRegistry) {})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(ctx)

	waitForStatus(t, s, id, models.StatusFailed)
	got, _ := s.Task(ctx, id)
	if got.Exception == "" {
		t.Error("Exception must name the missing handler")
	}
}

func TestRecoveryChargesSkippedOccurrences(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	spec, err := recurrence.Schedule().EveryMinutes(5).MaxRuns(10).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	specJSON, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	// One run happened at base, then the process was down for 23 minutes.
	runs := 1
	id, _ := uuid.NewV7()
	task := &models.QueuedTask{
		ID:               id,
		CreatedAtUtc:     base.Add(-time.Hour),
		LastExecutionUtc: &base,
		Type:             "github.com/evertask/evertask.emailRequest",
		Request:          `{"to":"tick"}`,
		Handler:          "test.emailHandler",
		Status:           models.StatusServiceStopped,
		IsRecurring:      true,
		RecurringTask:    string(specJSON),
		CurrentRunCount:  &runs,
		MaxRuns:          spec.MaxRuns,
	}
	if err := store.Persist(ctx, task); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	handler := newEmailHandler()
	handlers := NewHandlerRegistry()
	if err := Register[emailRequest](handlers, handler); err != nil {
		t.Fatalf("Register: %v", err)
	}
	config := DefaultConfig()
	config.ShutdownGrace = Duration(2 * time.Second)
	now := base.Add(23 * time.Minute)
	s, err := NewTaskService(store, handlers, config, WithNow(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewTaskService: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(ctx)

	got, err := s.Task(ctx, id)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	// The run at base plus the four occurrences missed during the outage.
	if got.CurrentRunCount == nil || *got.CurrentRunCount != 5 {
		t.Errorf("CurrentRunCount = %v, want 5", got.CurrentRunCount)
	}
	wantNext := base.Add(25 * time.Minute)
	if got.NextRunUtc == nil || !got.NextRunUtc.Equal(wantNext) {
		t.Errorf("NextRunUtc = %v, want %v", got.NextRunUtc, wantNext)
	}
	if got.Status != models.StatusQueued {
		t.Errorf("Status = %s, want queued while held by the timer", got.Status)
	}
	if len(got.RunsAudits) != 1 {
		t.Fatalf("RunsAudits = %d, want one skip summary", len(got.RunsAudits))
	}
	if got.RunsAudits[0].Exception == "" {
		t.Error("skip summary must list the missed instants")
	}
}

type lifecycleHandler struct {
	emailHandler
	mu       sync.Mutex
	started  int
	complete int
	failed   int
}

func (h *lifecycleHandler) OnStarted(ctx context.Context, id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started++
}

func (h *lifecycleHandler) OnCompleted(ctx context.Context, id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.complete++
}

func (h *lifecycleHandler) OnError(ctx context.Context, id uuid.UUID, err error, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed++
}

func TestLifecycleCallbacks(t *testing.T) {
	store := storage.NewMemoryStorage()
	handler := &lifecycleHandler{emailHandler: emailHandler{runs: make(chan struct{}, 8)}}
	s := newService(t, store, func(r *HandlerRegistry) {
		if err := Register[emailRequest](r, handler); err != nil {
			t.Fatalf("Register: %v", err)
		}
	})

	events := make(chan models.TaskEvent, 8)
	defer s.Monitor(func(ev models.TaskEvent) { events <- ev })()

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(ctx)

	if _, err := s.Dispatch(ctx, emailRequest{To: "ok"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	awaitEvent(t, events, models.SeverityInformation)

	handler.mu.Lock()
	handler.fail = fmt.Errorf("smtp unreachable")
	handler.mu.Unlock()
	if _, err := s.Dispatch(ctx, emailRequest{To: "bad"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	awaitEvent(t, events, models.SeverityError)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if handler.started != 2 {
		t.Errorf("OnStarted calls = %d, want 2", handler.started)
	}
	if handler.complete != 1 {
		t.Errorf("OnCompleted calls = %d, want 1", handler.complete)
	}
	if handler.failed != 1 {
		t.Errorf("OnError calls = %d, want 1", handler.failed)
	}
}

func TestCancelDuringRunInvokesOnError(t *testing.T) {
	store := storage.NewMemoryStorage()
	handler := &lifecycleHandler{emailHandler: emailHandler{block: time.Minute, runs: make(chan struct{}, 8)}}
	s := newService(t, store, func(r *HandlerRegistry) {
		if err := Register[emailRequest](r, handler); err != nil {
			t.Fatalf("Register: %v", err)
		}
	})

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(ctx)

	id, err := s.Dispatch(ctx, emailRequest{To: "doomed"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitFor(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return handler.started == 1
	}, "handler never started")

	if err := s.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitForStatus(t, s, id, models.StatusCancelled)
	waitFor(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return handler.failed == 1
	}, "OnError never fired for the cancelled run")

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if handler.complete != 0 {
		t.Errorf("OnCompleted calls = %d, want 0", handler.complete)
	}
}

func TestHandlerLoggerIsCaptured(t *testing.T) {
	store := storage.NewMemoryStorage()
	done := make(chan uuid.UUID, 1)
	handler := HandlerFunc[emailRequest](func(ctx context.Context, request emailRequest) error {
		Logger(ctx).Info("delivering", "to", request.To)
		return nil
	})
	s := newService(t, store, func(r *HandlerRegistry) {
		if err := Register[emailRequest](r, handler); err != nil {
			t.Fatalf("Register: %v", err)
		}
	})
	defer s.Monitor(func(ev models.TaskEvent) { done <- ev.TaskID })()

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(ctx)

	id, err := s.Dispatch(ctx, emailRequest{To: "log@example.com"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task never finished")
	}

	waitFor(t, func() bool {
		logs, _ := s.ExecutionLogs(ctx, id, 0, 0)
		return len(logs) > 0
	}, "execution logs were not persisted")
	logs, err := s.ExecutionLogs(ctx, id, 0, 0)
	if err != nil {
		t.Fatalf("ExecutionLogs: %v", err)
	}
	found := false
	for _, line := range logs {
		if line.Level == "INFO" && line.Message == "delivering to=log@example.com" {
			found = true
		}
	}
	if !found {
		t.Errorf("captured logs = %+v, want the handler line", logs)
	}
}

func waitForStatus(t *testing.T, s *TaskService, id uuid.UUID, want models.TaskStatus) {
	t.Helper()
	waitFor(t, func() bool {
		task, err := s.Task(context.Background(), id)
		return err == nil && task.Status == want
	}, fmt.Sprintf("task %v never reached %s", id, want))
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
