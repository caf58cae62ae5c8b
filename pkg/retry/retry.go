// Package retry defines the retry-policy contract applied around each task
// execution, plus the built-in policies: none, linear (fixed delay, fixed
// count) and exponential (backoff with optional jitter, fixed count).
package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// Attempt is one invocation of the wrapped operation. The attempt number is
// 1-based.
type Attempt func(ctx context.Context, attempt int) error

// Policy decides whether and when a failed attempt is retried. Execute
// returns nil on the first successful attempt, the last error once attempts
// are exhausted, or the context error when cancelled between attempts.
type Policy interface {
	Execute(ctx context.Context, logger *slog.Logger, attempt Attempt) error
}

// None runs the operation exactly once.
type None struct{}

// Execute invokes the attempt a single time.
func (None) Execute(ctx context.Context, logger *slog.Logger, attempt Attempt) error {
	return attempt(ctx, 1)
}

// Linear retries up to MaxAttempts with a fixed delay between attempts.
type Linear struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultLinear mirrors the runtime's global fallback: three attempts spaced
// 500ms apart.
func DefaultLinear() Linear {
	return Linear{MaxAttempts: 3, Delay: 500 * time.Millisecond}
}

// Execute runs the attempt up to MaxAttempts times.
func (p Linear) Execute(ctx context.Context, logger *slog.Logger, attempt Attempt) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for i := 1; i <= maxAttempts; i++ {
		lastErr = attempt(ctx, i)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if i == maxAttempts {
			break
		}
		if logger != nil {
			logger.Warn("task attempt failed, retrying",
				"attempt", i,
				"max_attempts", maxAttempts,
				"delay", p.Delay,
				"error", lastErr,
			)
		}
		if err := sleep(ctx, p.Delay); err != nil {
			return lastErr
		}
	}
	return lastErr
}

// Exponential retries with exponentially growing delays.
type Exponential struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       bool
}

// DefaultExponential returns the default exponential policy: five attempts,
// 100ms initial delay, doubling, capped at 30s, with jitter.
func DefaultExponential() Exponential {
	return Exponential{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Execute runs the attempt up to MaxAttempts times with backoff.
func (p Exponential) Execute(ctx context.Context, logger *slog.Logger, attempt Attempt) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for i := 1; i <= maxAttempts; i++ {
		lastErr = attempt(ctx, i)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if i == maxAttempts {
			break
		}
		delay := p.delayFor(i)
		if logger != nil {
			logger.Warn("task attempt failed, retrying",
				"attempt", i,
				"max_attempts", maxAttempts,
				"delay", delay,
				"error", lastErr,
			)
		}
		if err := sleep(ctx, delay); err != nil {
			return lastErr
		}
	}
	return lastErr
}

// delayFor computes initial * factor^(attempt-1), jittered and clamped.
func (p Exponential) delayFor(attempt int) time.Duration {
	initial := p.InitialDelay
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	factor := p.Factor
	if factor <= 1 {
		factor = 2.0
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	base := float64(initial) * math.Pow(factor, float64(attempt-1))
	if p.Jitter {
		base += base * 0.1 * rand.Float64() // #nosec G404 -- jitter does not require cryptographic randomness
	}
	if base > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(base)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
