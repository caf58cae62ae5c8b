package observability

import (
	"context"
	"log/slog"
)

// TeeHandler duplicates records to two handlers, typically the host log and
// a per-execution capture buffer.
type TeeHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

// NewTeeHandler builds a handler forwarding to both arguments. Either may
// be nil.
func NewTeeHandler(primary, secondary slog.Handler) *TeeHandler {
	return &TeeHandler{primary: primary, secondary: secondary}
}

func (t *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if t.primary != nil && t.primary.Enabled(ctx, level) {
		return true
	}
	return t.secondary != nil && t.secondary.Enabled(ctx, level)
}

func (t *TeeHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	if t.primary != nil && t.primary.Enabled(ctx, record.Level) {
		firstErr = t.primary.Handle(ctx, record.Clone())
	}
	if t.secondary != nil && t.secondary.Enabled(ctx, record.Level) {
		if err := t.secondary.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := &TeeHandler{}
	if t.primary != nil {
		clone.primary = t.primary.WithAttrs(attrs)
	}
	if t.secondary != nil {
		clone.secondary = t.secondary.WithAttrs(attrs)
	}
	return clone
}

func (t *TeeHandler) WithGroup(name string) slog.Handler {
	clone := &TeeHandler{}
	if t.primary != nil {
		clone.primary = t.primary.WithGroup(name)
	}
	if t.secondary != nil {
		clone.secondary = t.secondary.WithGroup(name)
	}
	return clone
}
