package cancellation

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestBlacklist(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()

	if r.IsBlacklisted(id) {
		t.Fatal("fresh id must not be blacklisted")
	}
	r.Blacklist(id)
	if !r.IsBlacklisted(id) {
		t.Fatal("id must be blacklisted after Blacklist")
	}
	r.Unblacklist(id)
	if r.IsBlacklisted(id) {
		t.Fatal("id must not be blacklisted after Unblacklist")
	}
}

func TestBlacklistAbortsRunningExecution(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()

	execCtx, cancel := r.Track(context.Background(), id)
	defer cancel()

	r.Blacklist(id)
	select {
	case <-execCtx.Done():
	default:
		t.Fatal("blacklisting must cancel the in-flight execution context")
	}
}

func TestTrackReplacesPreviousHandle(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()

	first, cancelFirst := r.Track(context.Background(), id)
	defer cancelFirst()
	second, cancelSecond := r.Track(context.Background(), id)
	defer cancelSecond()

	r.Blacklist(id)
	select {
	case <-second.Done():
	default:
		t.Fatal("latest execution context must be cancelled")
	}
	// The superseded handle is not cancelled through the registry.
	select {
	case <-first.Done():
		t.Fatal("superseded context must not be cancelled by Blacklist")
	default:
	}
}

func TestReleaseDropsHandle(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()

	execCtx, cancel := r.Track(context.Background(), id)
	defer cancel()
	r.Release(id)

	r.Blacklist(id)
	select {
	case <-execCtx.Done():
		t.Fatal("released handle must not be cancelled")
	default:
	}
}
