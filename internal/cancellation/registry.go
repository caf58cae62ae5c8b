// Package cancellation tracks user-initiated task cancellation: a blacklist
// of ids whose execution must be suppressed, and the cancel handles of
// in-flight executions.
package cancellation

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Registry is safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	blacklist map[uuid.UUID]struct{}
	running   map[uuid.UUID]context.CancelFunc
}

func NewRegistry() *Registry {
	return &Registry{
		blacklist: make(map[uuid.UUID]struct{}),
		running:   make(map[uuid.UUID]context.CancelFunc),
	}
}

// Blacklist marks the id as cancelled so the queue and workers refuse it,
// and aborts the execution if one is already in flight.
func (r *Registry) Blacklist(id uuid.UUID) {
	r.mu.Lock()
	cancel := r.running[id]
	r.blacklist[id] = struct{}{}
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// IsBlacklisted reports whether the id was cancelled.
func (r *Registry) IsBlacklisted(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.blacklist[id]
	return ok
}

// Unblacklist removes the id from the blacklist, typically after the
// cancelled task has been swept from its queue.
func (r *Registry) Unblacklist(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.blacklist, id)
}

// Track derives a cancellable context for one execution and registers its
// handle under the task id. Registering again for the same id replaces the
// previous handle.
func (r *Registry) Track(ctx context.Context, id uuid.UUID) (context.Context, context.CancelFunc) {
	execCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.running[id] = cancel
	r.mu.Unlock()
	return execCtx, cancel
}

// Release drops the execution handle once the run has finished.
func (r *Registry) Release(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, id)
}
