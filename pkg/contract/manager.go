package contract

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zen-systems/openclaw/pkg/archive"
	"github.com/zen-systems/openclaw/pkg/events"
)

// LKGSuffix is appended to the contract path for the last-known-good copy.
const LKGSuffix = ".lkg"

// DepthFunc reports the number of runnable heavy jobs at now.
type DepthFunc func(now time.Time) (int, error)

// Options configures a Manager.
type Options struct {
	// CurrentPath is the contract file, usually contract/current.json.
	CurrentPath string
	// PolicyPath is the thresholds file.
	PolicyPath string
	// EventsPath is the events log the service rate is computed from.
	EventsPath string
	// Depth reports heavy queue depth. Nil means an empty queue.
	Depth DepthFunc
	// Events receives contract events.
	Events events.Sink
}

// Manager reads and advances the contract.
type Manager struct {
	currentPath string
	policyPath  string
	eventsPath  string
	depth       DepthFunc
	sink        events.Sink
	now         func() time.Time
}

// New returns a Manager.
func New(opts Options) *Manager {
	return &Manager{
		currentPath: opts.CurrentPath,
		policyPath:  opts.PolicyPath,
		eventsPath:  opts.EventsPath,
		depth:       opts.Depth,
		sink:        events.OrDiscard(opts.Events),
		now:         time.Now,
	}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// Path returns the contract file path.
func (m *Manager) Path() string {
	return m.currentPath
}

// Load returns the stored contract. A corrupt current.json emits
// contract_corrupt and falls back to the last-known-good copy; with no file
// at all the default contract is returned.
func (m *Manager) Load() (Contract, error) {
	c, _, err := m.load()
	return c, err
}

// Mode returns the effective mode, honoring a live override.
func (m *Manager) Mode() (string, error) {
	c, err := m.Load()
	if err != nil {
		return "", err
	}
	return c.EffectiveMode(m.now()), nil
}

func (m *Manager) load() (Contract, bool, error) {
	c, found, err := readContract(m.currentPath)
	if err == nil {
		if !found {
			return Default(), false, nil
		}
		return c, false, nil
	}

	log.Error().Err(err).Str("path", m.currentPath).Msg("contract corrupt; using last-known-good")
	m.sink.Emit(events.TypeContractCorrupt, map[string]any{"path": m.currentPath, "error": err.Error()})

	lkg, found, lerr := readContract(m.currentPath + LKGSuffix)
	switch {
	case lerr != nil:
		return Contract{}, true, fmt.Errorf("%w: last-known-good unreadable: %v", ErrCorrupt, lerr)
	case !found:
		return Default(), true, nil
	}
	return lkg, true, nil
}

func readContract(path string) (Contract, bool, error) {
	var c Contract
	found, err := archive.ReadSnapshot(path, &c)
	if err != nil || !found {
		return Contract{}, found, err
	}
	if err := c.validate(); err != nil {
		return Contract{}, true, fmt.Errorf("%s: %w", path, err)
	}
	return c, true, nil
}

// TickResult reports what a tick changed.
type TickResult struct {
	Contract        Contract    `json:"contract"`
	Transition      *Transition `json:"transition,omitempty"`
	OverrideExpired bool        `json:"override_expired,omitempty"`
}

// Tick evaluates the transition rules once and rewrites current.json.
func (m *Manager) Tick() (TickResult, error) {
	c, corrupt, err := m.load()
	if err != nil {
		return TickResult{}, err
	}
	if corrupt {
		return TickResult{Contract: c}, fmt.Errorf("%w: refusing to overwrite %s", ErrCorrupt, m.currentPath)
	}

	th, source, err := m.thresholds()
	if err != nil {
		return TickResult{Contract: c}, err
	}

	now := m.now().UTC()
	result := TickResult{}
	if c.Override != nil && c.Override.Expired(now) {
		m.sink.Emit(events.TypeOverrideExpired, map[string]any{
			"mode": c.Override.Mode, "ttl_until": c.Override.TTLUntil, "reason": c.Override.Reason,
		})
		log.Info().Str("mode", c.Override.Mode).Msg("contract override expired")
		c.Override = nil
		result.OverrideExpired = true
	}

	depth := 0
	if m.depth != nil {
		if depth, err = m.depth(now); err != nil {
			return TickResult{Contract: c}, fmt.Errorf("queue depth: %w", err)
		}
	}
	evs, err := events.ReadFile(m.eventsPath)
	if err != nil {
		return TickResult{Contract: c}, fmt.Errorf("read events: %w", err)
	}
	rate, last := serviceRate(evs, now, th.IdleWindow())

	load := ServiceLoad{EWMARate: rate, QueueDepth: depth}
	if !last.IsZero() {
		load.LastServiceEvent = formatTime(last)
	}
	if rate >= th.ServiceRateHigh {
		load.HighSince = c.ServiceLoad.HighSince
		if load.HighSince == "" {
			load.HighSince = formatTime(now)
		}
	}

	overrideActive := c.Override != nil
	if !overrideActive {
		if next, reason, ok := decide(c, th, load, last, now); ok {
			t := &Transition{From: c.Mode, To: next, Reason: reason, At: formatTime(now)}
			m.sink.Emit(events.TypeModeTransition, map[string]any{"from": t.From, "to": t.To, "reason": t.Reason})
			log.Info().Str("from", t.From).Str("to", t.To).Str("reason", t.Reason).Msg("contract mode transition")
			c.Mode = next
			c.LastTransition = t
			result.Transition = t
		}
		c.Source = SourceTick
	}

	c.Policy = th
	c.PolicySource = source
	c.ServiceLoad = load
	if err := m.write(c); err != nil {
		return TickResult{Contract: c}, err
	}
	result.Contract = c
	return result, nil
}

// SetMode pins mode for ttl.
func (m *Manager) SetMode(mode string, ttl time.Duration, reason string) (Contract, error) {
	mode, err := ParseMode(mode)
	if err != nil {
		return Contract{}, err
	}
	if ttl <= 0 {
		return Contract{}, fmt.Errorf("override ttl must be positive")
	}
	c, corrupt, err := m.load()
	if err != nil {
		return Contract{}, err
	}
	if corrupt {
		return c, fmt.Errorf("%w: refusing to overwrite %s", ErrCorrupt, m.currentPath)
	}

	now := m.now().UTC()
	c.Override = &Override{Mode: mode, TTLUntil: formatTime(now.Add(ttl)), Reason: reason}
	if c.Mode != mode {
		c.LastTransition = &Transition{From: c.Mode, To: mode, Reason: "override: " + reason, At: formatTime(now)}
		m.sink.Emit(events.TypeModeTransition, map[string]any{"from": c.Mode, "to": mode, "reason": c.LastTransition.Reason})
	}
	c.Mode = mode
	c.Source = SourceOverride
	if err := m.write(c); err != nil {
		return Contract{}, err
	}
	m.sink.Emit(events.TypeOverrideSet, map[string]any{"mode": mode, "ttl_until": c.Override.TTLUntil, "reason": reason})
	log.Info().Str("mode", mode).Str("ttl_until", c.Override.TTLUntil).Msg("contract override set")
	return c, nil
}

func (m *Manager) thresholds() (Thresholds, string, error) {
	th, found, err := LoadThresholds(m.policyPath)
	if err != nil {
		if errors.Is(err, ErrPolicyInvalid) {
			log.Error().Err(err).Msg("contract thresholds malformed; keeping last-known-good contract")
		}
		return th, "", err
	}
	if !found {
		m.sink.Emit(events.TypePolicyMissing, map[string]any{"path": m.policyPath})
		return th, PolicySourceDefaults, nil
	}
	return th, m.policyPath, nil
}

func (m *Manager) write(c Contract) error {
	if err := archive.WriteSnapshot(m.currentPath, c); err != nil {
		return fmt.Errorf("write contract: %w", err)
	}
	if err := archive.WriteSnapshot(m.currentPath+LKGSuffix, c); err != nil {
		return fmt.Errorf("write last-known-good: %w", err)
	}
	return nil
}

// serviceRate returns the exponentially decayed service_request rate in
// events per minute, using the idle window as the decay constant, plus the
// time of the latest service event.
func serviceRate(evs []events.Event, now time.Time, window time.Duration) (float64, time.Time) {
	tau := window.Seconds()
	var sum float64
	var last time.Time
	for _, ev := range evs {
		if ev.Type != events.TypeServiceRequest {
			continue
		}
		ts, err := ev.Time()
		if err != nil || ts.After(now) {
			continue
		}
		if ts.After(last) {
			last = ts
		}
		age := now.Sub(ts).Seconds()
		if age > 10*tau {
			continue
		}
		sum += math.Exp(-age / tau)
	}
	rate := sum / tau * 60
	return math.Round(rate*10000) / 10000, last
}

// decide applies the transition rules. ok is false when the mode stays.
func decide(c Contract, th Thresholds, load ServiceLoad, lastService time.Time, now time.Time) (string, string, bool) {
	low := load.EWMARate < th.ServiceRateLow
	high := load.EWMARate >= th.ServiceRateHigh

	idleFor := time.Duration(math.MaxInt64)
	if !lastService.IsZero() {
		idleFor = now.Sub(lastService)
	}
	dwellOK := true
	if c.LastTransition != nil {
		if at, ok := parseTime(c.LastTransition.At); ok {
			dwellOK = now.Sub(at) >= th.MinMode()
		}
	}
	highFor := time.Duration(0)
	if at, ok := parseTime(load.HighSince); ok {
		highFor = now.Sub(at)
	}
	toIdle := load.QueueDepth == 0 && low && idleFor >= th.IdleWindow() && dwellOK

	switch c.Mode {
	case ModeService:
		if low && load.QueueDepth >= 1 && idleFor >= th.MinMode() {
			return ModeCode, fmt.Sprintf("queue_depth=%d with ewma_rate %.2f below %.2f", load.QueueDepth, load.EWMARate, th.ServiceRateLow), true
		}
		if toIdle {
			return ModeIdle, "no service load and empty queue", true
		}
	case ModeCode:
		if high && highFor >= th.IdleWindow() {
			return ModeService, fmt.Sprintf("ewma_rate %.2f at or above %.2f for %s", load.EWMARate, th.ServiceRateHigh, highFor), true
		}
		if toIdle {
			return ModeIdle, "no service load and empty queue", true
		}
	case ModeIdle:
		if high {
			return ModeService, fmt.Sprintf("ewma_rate %.2f at or above %.2f", load.EWMARate, th.ServiceRateHigh), true
		}
		if low && load.QueueDepth >= 1 {
			return ModeCode, fmt.Sprintf("queue_depth=%d with low service load", load.QueueDepth), true
		}
	}
	return "", "", false
}
