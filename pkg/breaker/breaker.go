// Package breaker implements per-provider circuit breakers persisted as a
// circuit.json snapshot.
package breaker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zen-systems/openclaw/pkg/archive"
	"github.com/zen-systems/openclaw/pkg/events"
	"github.com/zen-systems/openclaw/pkg/policy"
)

// Failure classes understood by failOn.
const (
	ClassTransient = "transient"
	ClassTerminal  = "terminal"
)

// Status of a provider circuit.
type Status string

const (
	StatusClosed   Status = "closed"
	StatusOpen     Status = "open"
	StatusHalfOpen Status = "half_open"
)

// Provider is the persisted state for one provider.
type Provider struct {
	Failures  []float64 `json:"failures"`
	OpenUntil float64   `json:"open_until,omitempty"`
	TripCount int       `json:"trip_count"`
}

// State is the circuit.json document.
type State struct {
	Providers map[string]*Provider `json:"providers"`
}

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
	Window           time.Duration
	FailOn           []string
}

// ConfigFrom converts policy defaults into a Config.
func ConfigFrom(cb policy.CircuitBreaker) Config {
	failOn := cb.FailOn
	if len(failOn) == 0 {
		failOn = policy.DefaultFailOn
	}
	threshold := cb.FailureThreshold
	if threshold < 1 {
		threshold = 1
	}
	return Config{
		FailureThreshold: threshold,
		Cooldown:         time.Duration(cb.CooldownSec) * time.Second,
		Window:           time.Duration(cb.WindowSec) * time.Second,
		FailOn:           failOn,
	}
}

// Counts reports whether a failure counts toward opening the circuit.
// Failures not classified as retryable always count; transient ones count
// when failOn names the transient class or their reason code.
func (c Config) Counts(transient bool, reasonCode string) bool {
	if !transient {
		return true
	}
	class := ClassTransient
	for _, f := range c.FailOn {
		if f == class || (reasonCode != "" && f == reasonCode) {
			return true
		}
	}
	return false
}

// Breaker tracks circuits for every provider. State is re-read from disk on
// each operation so breakers are shared across processes.
type Breaker struct {
	path string
	sink events.Sink
	now  func() time.Time

	mu     sync.Mutex
	memory *State
}

// New returns a breaker persisting to path. An empty path keeps state in
// memory only.
func New(path string, sink events.Sink) *Breaker {
	return &Breaker{path: path, sink: events.OrDiscard(sink), now: time.Now}
}

// SetClock overrides the clock.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Status returns the circuit status of a provider.
func (b *Breaker) Status(provider string) (Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, err := b.loadLocked()
	if err != nil {
		return StatusClosed, err
	}
	return statusOf(state.Providers[provider], unix(b.now())), nil
}

func statusOf(p *Provider, now float64) Status {
	if p == nil || p.OpenUntil == 0 {
		return StatusClosed
	}
	if now < p.OpenUntil {
		return StatusOpen
	}
	return StatusHalfOpen
}

// Allow reports whether a request may be sent to provider. Open circuits
// are rejected; half-open circuits admit the probe request.
func (b *Breaker) Allow(provider string) bool {
	status, err := b.Status(provider)
	if err != nil {
		// An unreadable circuit file must not take every provider offline.
		return true
	}
	return status != StatusOpen
}

// OpenProviders returns the sorted ids of providers whose circuit is open.
func (b *Breaker) OpenProviders() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, err := b.loadLocked()
	if err != nil {
		return nil
	}
	now := unix(b.now())
	var out []string
	for id, p := range state.Providers {
		if statusOf(p, now) == StatusOpen {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// RecordSuccess closes a half-open circuit and clears the failure window.
func (b *Breaker) RecordSuccess(provider string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, err := b.loadLocked()
	if err != nil {
		return err
	}
	p := state.Providers[provider]
	if p == nil {
		return nil
	}
	wasHalfOpen := statusOf(p, unix(b.now())) == StatusHalfOpen
	if len(p.Failures) == 0 && p.OpenUntil == 0 {
		return nil
	}
	p.Failures = []float64{}
	p.OpenUntil = 0
	if err := b.saveLocked(state); err != nil {
		return err
	}
	if wasHalfOpen {
		b.sink.Emit(events.TypeCircuitClosed, map[string]any{"provider": provider})
	}
	return nil
}

// RecordFailure adds a failure to the provider window when cfg counts it.
// It returns true when this failure opened the circuit.
func (b *Breaker) RecordFailure(provider string, cfg Config, transient bool, reasonCode string) (bool, error) {
	if !cfg.Counts(transient, reasonCode) {
		return false, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	state, err := b.loadLocked()
	if err != nil {
		return false, err
	}
	p := state.Providers[provider]
	if p == nil {
		p = &Provider{Failures: []float64{}}
		state.Providers[provider] = p
	}

	now := unix(b.now())
	opened := false
	switch statusOf(p, now) {
	case StatusHalfOpen:
		// The probe failed: re-open immediately.
		p.Failures = []float64{}
		p.OpenUntil = now + cfg.Cooldown.Seconds()
		p.TripCount++
		opened = true
	case StatusOpen:
		// Calls should not reach an open provider; keep the window as is.
	default:
		p.Failures = trimWindow(append(p.Failures, now), now, cfg.Window.Seconds())
		if len(p.Failures) >= cfg.FailureThreshold {
			p.Failures = []float64{}
			p.OpenUntil = now + cfg.Cooldown.Seconds()
			p.TripCount++
			opened = true
		}
	}

	if err := b.saveLocked(state); err != nil {
		return false, err
	}
	if opened {
		b.sink.Emit(events.TypeCircuitOpened, map[string]any{
			"provider":   provider,
			"open_until": time.Unix(0, int64(p.OpenUntil*1e9)).UTC().Format(time.RFC3339),
			"trip_count": p.TripCount,
			"reason":     reasonCode,
		})
	}
	return opened, nil
}

func trimWindow(failures []float64, now, window float64) []float64 {
	if window <= 0 {
		return failures
	}
	out := failures[:0]
	for _, ts := range failures {
		if now-ts <= window {
			out = append(out, ts)
		}
	}
	return out
}

// Snapshot returns a copy of the persisted state.
func (b *Breaker) Snapshot() (State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, err := b.loadLocked()
	if err != nil {
		return State{}, err
	}
	return *state, nil
}

func (b *Breaker) loadLocked() (*State, error) {
	state := &State{}
	if b.path != "" {
		if _, err := archive.ReadSnapshot(b.path, state); err != nil {
			return nil, fmt.Errorf("load circuit state: %w", err)
		}
	} else if b.memory != nil {
		clone := cloneState(*b.memory)
		state = &clone
	}
	if state.Providers == nil {
		state.Providers = make(map[string]*Provider)
	}
	return state, nil
}

func (b *Breaker) saveLocked(state *State) error {
	if b.path == "" {
		clone := cloneState(*state)
		b.memory = &clone
		return nil
	}
	if err := archive.WriteSnapshot(b.path, state); err != nil {
		return fmt.Errorf("save circuit state: %w", err)
	}
	return nil
}

func cloneState(s State) State {
	out := State{Providers: make(map[string]*Provider, len(s.Providers))}
	for id, p := range s.Providers {
		if p == nil {
			continue
		}
		c := *p
		c.Failures = append([]float64(nil), p.Failures...)
		out.Providers[id] = &c
	}
	return out
}
