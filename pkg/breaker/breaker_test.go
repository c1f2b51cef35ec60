package breaker

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/zen-systems/openclaw/pkg/events"
	"github.com/zen-systems/openclaw/pkg/policy"
)

func testConfig() Config {
	return ConfigFrom(policy.CircuitBreaker{FailureThreshold: 3, CooldownSec: 60, WindowSec: 60})
}

func newTestBreaker(t *testing.T) (*Breaker, *time.Time, *events.Recorder) {
	t.Helper()
	rec := &events.Recorder{}
	b := New(filepath.Join(t.TempDir(), "router", "circuit.json"), rec)
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	b.SetClock(func() time.Time { return now })
	return b, &now, rec
}

func TestOpensAfterThreshold(t *testing.T) {
	b, now, rec := newTestBreaker(t)
	cfg := testConfig()

	for i := 0; i < 2; i++ {
		opened, err := b.RecordFailure("mock", cfg, true, "")
		if err != nil || opened {
			t.Fatalf("failure %d: opened=%v err=%v", i, opened, err)
		}
		*now = now.Add(time.Second)
	}
	if !b.Allow("mock") {
		t.Fatalf("expected circuit closed below threshold")
	}

	opened, err := b.RecordFailure("mock", cfg, true, "")
	if err != nil || !opened {
		t.Fatalf("expected third failure to open: opened=%v err=%v", opened, err)
	}
	if b.Allow("mock") {
		t.Fatalf("expected open circuit to reject")
	}
	if got := b.OpenProviders(); !reflect.DeepEqual(got, []string{"mock"}) {
		t.Fatalf("unexpected open providers: %v", got)
	}
	if len(rec.OfType(events.TypeCircuitOpened)) != 1 {
		t.Fatalf("expected circuit_opened event")
	}

	*now = now.Add(59 * time.Second)
	if b.Allow("mock") {
		t.Fatalf("expected circuit still open before cooldown elapses")
	}
	*now = now.Add(2 * time.Second)
	status, err := b.Status("mock")
	if err != nil || status != StatusHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s (%v)", status, err)
	}
	if !b.Allow("mock") {
		t.Fatalf("expected half-open circuit to admit a probe")
	}
}

func TestWindowTrimsOldFailures(t *testing.T) {
	b, now, _ := newTestBreaker(t)
	cfg := testConfig()

	for i := 0; i < 2; i++ {
		if _, err := b.RecordFailure("mock", cfg, true, ""); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	*now = now.Add(2 * time.Minute)
	opened, err := b.RecordFailure("mock", cfg, true, "")
	if err != nil || opened {
		t.Fatalf("expected old failures to fall out of the window: opened=%v err=%v", opened, err)
	}
}

func TestHalfOpenTransitions(t *testing.T) {
	b, now, rec := newTestBreaker(t)
	cfg := testConfig()
	for i := 0; i < 3; i++ {
		if _, err := b.RecordFailure("mock", cfg, true, ""); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	*now = now.Add(61 * time.Second)

	// Probe fails: re-open with an incremented trip count.
	opened, err := b.RecordFailure("mock", cfg, true, "")
	if err != nil || !opened {
		t.Fatalf("expected half-open failure to re-open: %v %v", opened, err)
	}
	snap, err := b.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Providers["mock"].TripCount != 2 {
		t.Fatalf("expected trip count 2, got %d", snap.Providers["mock"].TripCount)
	}

	*now = now.Add(61 * time.Second)
	if err := b.RecordSuccess("mock"); err != nil {
		t.Fatalf("record success: %v", err)
	}
	status, _ := b.Status("mock")
	if status != StatusClosed {
		t.Fatalf("expected closed after successful probe, got %s", status)
	}
	if len(rec.OfType(events.TypeCircuitClosed)) != 1 {
		t.Fatalf("expected circuit_closed event")
	}
}

func TestFailOnFiltersTransientFailures(t *testing.T) {
	cfg := ConfigFrom(policy.CircuitBreaker{FailureThreshold: 1, CooldownSec: 10, WindowSec: 10, FailOn: []string{"rate_limited"}})

	if cfg.Counts(true, "timeout") {
		t.Fatalf("transient failure outside failOn should not count")
	}
	if !cfg.Counts(true, "rate_limited") {
		t.Fatalf("reason code listed in failOn should count")
	}
	if !cfg.Counts(false, "auth") {
		t.Fatalf("terminal failures always count")
	}

	b, _, _ := newTestBreaker(t)
	opened, err := b.RecordFailure("mock", cfg, true, "timeout")
	if err != nil || opened {
		t.Fatalf("expected ignored failure: %v %v", opened, err)
	}
	if !b.Allow("mock") {
		t.Fatalf("ignored failure must not open the circuit")
	}
}

func TestStateSharedThroughFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "circuit.json")
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	first := New(path, nil)
	first.SetClock(clock)
	cfg := ConfigFrom(policy.CircuitBreaker{FailureThreshold: 1, CooldownSec: 30, WindowSec: 30})
	if _, err := first.RecordFailure("remote", cfg, false, "auth"); err != nil {
		t.Fatalf("record: %v", err)
	}

	second := New(path, nil)
	second.SetClock(clock)
	if second.Allow("remote") {
		t.Fatalf("expected second breaker to observe the open circuit")
	}
}
