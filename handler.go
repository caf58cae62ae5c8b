// Package evertask is an embedded background task runtime: tasks are
// dispatched as plain request values, persisted, queued, executed by worker
// pools with retries and timeouts, and replayed after a restart.
package evertask

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/evertask/evertask/pkg/models"
	"github.com/evertask/evertask/pkg/retry"
)

// Handler executes requests of type T. Implementations may additionally
// implement any of the configurer and lifecycle interfaces below to
// customise how their tasks run.
type Handler[T any] interface {
	Handle(ctx context.Context, request T) error
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc[T any] func(ctx context.Context, request T) error

func (f HandlerFunc[T]) Handle(ctx context.Context, request T) error {
	return f(ctx, request)
}

// RetryConfigurer overrides the retry policy for a handler's tasks.
type RetryConfigurer interface {
	RetryPolicy() retry.Policy
}

// TimeoutConfigurer bounds each execution attempt. Zero means no timeout.
type TimeoutConfigurer interface {
	Timeout() time.Duration
}

// CpuBoundMarker requests a dedicated OS thread for the handler, keeping
// long computations from starving other goroutines on the same thread.
type CpuBoundMarker interface {
	CpuBound() bool
}

// AuditConfigurer overrides the audit level for a handler's tasks. It takes
// precedence over the queue and global levels.
type AuditConfigurer interface {
	AuditLevel() models.AuditLevel
}

// QueueConfigurer names the run queue for a handler's tasks.
type QueueConfigurer interface {
	Queue() string
}

// StartedHandler is notified just before the first attempt of a run.
type StartedHandler interface {
	OnStarted(ctx context.Context, id uuid.UUID)
}

// CompletedHandler is notified after a run completes successfully.
type CompletedHandler interface {
	OnCompleted(ctx context.Context, id uuid.UUID)
}

// ErrorHandler is notified when a run ends in failure. Callback panics are
// contained and do not affect the stored outcome.
type ErrorHandler interface {
	OnError(ctx context.Context, id uuid.UUID, err error, message string)
}

// Disposable releases handler-held resources after a task reaches a
// terminal state.
type Disposable interface {
	Dispose() error
}

type contextKey int

const loggerKey contextKey = iota

// Logger returns the execution logger from ctx. Inside a handler this
// logger both writes to the host log and captures lines for persistence
// with the task. Outside an execution it falls back to slog.Default.
func Logger(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

func withLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}
