package gpu

import (
	"errors"
	"os"
	"testing"
	"time"
)

func newTestLock(t *testing.T) (*Lock, *time.Time) {
	t.Helper()
	now := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	l := New(t.TempDir())
	l.SetClock(func() time.Time { return now })
	return l, &now
}

func TestClaimAndRelease(t *testing.T) {
	l, _ := newTestLock(t)

	res, err := l.Claim("coder_vllm.models", "job-1", 30*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !res.OK || res.Lock.Holder != "coder_vllm.models" {
		t.Fatalf("unexpected claim result: %+v", res)
	}
	if res.Lock.TTLUntil != "2026-05-02T09:30:00Z" {
		t.Fatalf("ttl_until = %s", res.Lock.TTLUntil)
	}

	st, err := l.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Held || st.Lock.Holder != "coder_vllm.models" {
		t.Fatalf("expected held status, got %+v", st)
	}

	rel, err := l.Release("coder_vllm.models")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !rel.Released {
		t.Fatalf("expected released")
	}
	if _, err := os.Stat(l.Path()); !os.IsNotExist(err) {
		t.Fatalf("lock file should be removed, stat err=%v", err)
	}
}

func TestClaimConflict(t *testing.T) {
	l, _ := newTestLock(t)
	if _, err := l.Claim("a", "", time.Minute); err != nil {
		t.Fatalf("claim a: %v", err)
	}
	res, err := l.Claim("b", "", time.Minute)
	if !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	if res.OK || res.Lock == nil || res.Lock.Holder != "a" {
		t.Fatalf("expected existing lock in result, got %+v", res)
	}

	// Same holder re-claims.
	if _, err := l.Claim("a", "again", time.Minute); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
}

func TestExpiredLock(t *testing.T) {
	l, now := newTestLock(t)
	if _, err := l.Claim("a", "", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	*now = now.Add(2 * time.Minute)

	st, err := l.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Held || !st.Stale || st.Previous == nil || st.Previous.Holder != "a" {
		t.Fatalf("expected stale status, got %+v", st)
	}

	res, err := l.Claim("b", "", time.Minute)
	if err != nil {
		t.Fatalf("claim over expired: %v", err)
	}
	if res.Lock.Holder != "b" {
		t.Fatalf("holder = %s", res.Lock.Holder)
	}
}

func TestReleaseCases(t *testing.T) {
	l, now := newTestLock(t)

	rel, err := l.Release("a")
	if err != nil {
		t.Fatalf("release without lock: %v", err)
	}
	if !rel.OK || rel.Released {
		t.Fatalf("expected ok without release, got %+v", rel)
	}

	if _, err := l.Claim("a", "", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := l.Release("b"); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("expected ErrNotHolder, got %v", err)
	}

	*now = now.Add(time.Hour)
	rel, err = l.Release("b")
	if err != nil {
		t.Fatalf("release expired: %v", err)
	}
	if !rel.Released {
		t.Fatalf("expected expired lock to be released")
	}
}

func TestClaimValidation(t *testing.T) {
	l, _ := newTestLock(t)
	if _, err := l.Claim("", "", time.Minute); err == nil {
		t.Fatalf("expected error for empty holder")
	}
	if _, err := l.Claim("a", "", 0); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
}
