package evertask

import (
	"log/slog"
	"sync"

	"github.com/evertask/evertask/pkg/models"
)

// MonitorFunc observes task lifecycle events.
type MonitorFunc func(event models.TaskEvent)

// monitorHub fans task events out to subscribers. Delivery is asynchronous
// and fire-and-forget: a slow or panicking subscriber never affects task
// execution.
type monitorHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]MonitorFunc
	logger *slog.Logger
}

func newMonitorHub(logger *slog.Logger) *monitorHub {
	return &monitorHub{
		subs:   make(map[int]MonitorFunc),
		logger: logger.With("component", "monitor"),
	}
}

// subscribe registers fn and returns an unsubscribe function.
func (h *monitorHub) subscribe(fn MonitorFunc) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

// publish delivers the event to every subscriber on its own goroutine.
func (h *monitorHub) publish(event models.TaskEvent) {
	h.mu.Lock()
	subscribers := make([]MonitorFunc, 0, len(h.subs))
	for _, fn := range h.subs {
		subscribers = append(subscribers, fn)
	}
	h.mu.Unlock()

	for _, fn := range subscribers {
		go func(fn MonitorFunc) {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Error("monitor subscriber panicked", "panic", r)
				}
			}()
			fn(event)
		}(fn)
	}
}
