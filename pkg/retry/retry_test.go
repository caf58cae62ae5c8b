package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNoneSingleAttempt(t *testing.T) {
	calls := 0
	err := None{}.Execute(context.Background(), nil, func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestLinearRetriesUntilSuccess(t *testing.T) {
	calls := 0
	p := Linear{MaxAttempts: 5, Delay: time.Millisecond}
	err := p.Execute(context.Background(), nil, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestLinearExhaustsAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	p := Linear{MaxAttempts: 3, Delay: time.Millisecond}
	err := p.Execute(context.Background(), nil, func(ctx context.Context, attempt int) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Execute() = %v, want last error", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestLinearAttemptNumbers(t *testing.T) {
	var seen []int
	p := Linear{MaxAttempts: 3, Delay: 0}
	_ = p.Execute(context.Background(), nil, func(ctx context.Context, attempt int) error {
		seen = append(seen, attempt)
		return errors.New("boom")
	})
	want := []int{1, 2, 3}
	if len(seen) != len(want) {
		t.Fatalf("attempts = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("attempt %d = %d, want %d", i, seen[i], want[i])
		}
	}
}

func TestLinearStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := Linear{MaxAttempts: 10, Delay: 50 * time.Millisecond}
	err := p.Execute(ctx, nil, func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retries after cancellation)", calls)
	}
}

func TestExponentialDelayGrowth(t *testing.T) {
	p := Exponential{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Factor:       2.0,
	}
	if d := p.delayFor(1); d != 100*time.Millisecond {
		t.Errorf("delayFor(1) = %v, want 100ms", d)
	}
	if d := p.delayFor(2); d != 200*time.Millisecond {
		t.Errorf("delayFor(2) = %v, want 200ms", d)
	}
	if d := p.delayFor(10); d != time.Second {
		t.Errorf("delayFor(10) = %v, want clamp at 1s", d)
	}
}

func TestExponentialRetries(t *testing.T) {
	calls := 0
	p := Exponential{MaxAttempts: 3, InitialDelay: time.Millisecond, Factor: 2}
	err := p.Execute(context.Background(), nil, func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}
