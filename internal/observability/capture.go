package observability

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evertask/evertask/pkg/models"
)

// DefaultMaxCapturedLogs bounds the lines retained per execution.
const DefaultMaxCapturedLogs = 1000

// captureBuffer holds the lines recorded during one execution. It is shared
// between a CaptureHandler and its WithAttrs derivatives.
type captureBuffer struct {
	mu      sync.Mutex
	lines   []models.TaskExecutionLog
	dropped int
}

// CaptureHandler is a slog.Handler that records log lines emitted by a task
// handler during one execution so they can be persisted alongside the task.
// When the buffer is full the oldest lines are discarded.
type CaptureHandler struct {
	taskID   uuid.UUID
	minLevel slog.Level
	maxLines int
	now      func() time.Time
	attrs    []slog.Attr
	buf      *captureBuffer
}

// NewCaptureHandler builds a capture buffer for one execution. maxLines
// values below 1 use DefaultMaxCapturedLogs.
func NewCaptureHandler(taskID uuid.UUID, minLevel slog.Level, maxLines int) *CaptureHandler {
	if maxLines < 1 {
		maxLines = DefaultMaxCapturedLogs
	}
	return &CaptureHandler{
		taskID:   taskID,
		minLevel: minLevel,
		maxLines: maxLines,
		now:      time.Now,
		buf:      &captureBuffer{},
	}
}

// WithNow overrides the clock, for tests.
func (h *CaptureHandler) WithNow(now func() time.Time) *CaptureHandler {
	if now != nil {
		h.now = now
	}
	return h
}

func (h *CaptureHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.minLevel
}

func (h *CaptureHandler) Handle(_ context.Context, record slog.Record) error {
	var b strings.Builder
	b.WriteString(record.Message)
	var exception string

	appendAttr := func(attr slog.Attr) {
		if attr.Key == "error" || attr.Key == "exception" {
			exception = attr.Value.String()
			return
		}
		fmt.Fprintf(&b, " %s=%s", attr.Key, attr.Value.String())
	}
	for _, attr := range h.attrs {
		appendAttr(attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		appendAttr(attr)
		return true
	})

	timestamp := record.Time
	if timestamp.IsZero() {
		timestamp = h.now()
	}

	h.buf.mu.Lock()
	defer h.buf.mu.Unlock()
	if len(h.buf.lines) == h.maxLines {
		copy(h.buf.lines, h.buf.lines[1:])
		h.buf.lines = h.buf.lines[:h.maxLines-1]
		h.buf.dropped++
	}
	h.buf.lines = append(h.buf.lines, models.TaskExecutionLog{
		TaskID:           h.taskID,
		TimestampUtc:     timestamp.UTC(),
		Level:            record.Level.String(),
		Message:          b.String(),
		ExceptionDetails: exception,
	})
	return nil
}

func (h *CaptureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &clone
}

func (h *CaptureHandler) WithGroup(name string) slog.Handler {
	// Groups are flattened; captured lines are plain text.
	return h
}

// Drain returns the captured lines and resets the buffer.
func (h *CaptureHandler) Drain() []models.TaskExecutionLog {
	h.buf.mu.Lock()
	defer h.buf.mu.Unlock()
	out := h.buf.lines
	h.buf.lines = nil
	h.buf.dropped = 0
	return out
}

// Dropped reports how many lines were discarded because the buffer filled.
func (h *CaptureHandler) Dropped() int {
	h.buf.mu.Lock()
	defer h.buf.mu.Unlock()
	return h.buf.dropped
}
