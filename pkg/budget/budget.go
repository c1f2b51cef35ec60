// Package budget tracks per-day token and call counters for intents and
// provider tiers, persisted as a budget.json snapshot.
package budget

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zen-systems/openclaw/pkg/archive"
	"github.com/zen-systems/openclaw/pkg/policy"
)

// DateFormat is the layout of bucket dates (UTC).
const DateFormat = "2006-01-02"

// Limit names used in exceeded reasons.
const (
	LimitDailyTokens   = "dailyTokenBudget"
	LimitDailyCalls    = "dailyCallBudget"
	LimitCallsPerRun   = "maxCallsPerRun"
	ScopeIntent        = "intent"
	ScopeTier          = "tier"
	charsPerTokenGuess = 4
)

// ErrExceeded matches every *ExceededError.
var ErrExceeded = errors.New("budget exceeded")

// ExceededError names the limit and bucket that rejected a call.
type ExceededError struct {
	Scope string
	Name  string
	Limit string
	Max   int64
	Would int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %s %s %s (%d > %d)", e.Scope, e.Name, e.Limit, e.Would, e.Max)
}

// Is lets errors.Is(err, ErrExceeded) match.
func (e *ExceededError) Is(target error) bool {
	return target == ErrExceeded
}

// Reason is a compact tag such as "intent:coding:dailyCallBudget".
func (e *ExceededError) Reason() string {
	return e.Scope + ":" + e.Name + ":" + e.Limit
}

// Bucket holds one day's counters.
type Bucket struct {
	Date         string `json:"date"`
	Tokens       int64  `json:"tokens"`
	Calls        int64  `json:"calls"`
	CallsThisRun int64  `json:"callsThisRun,omitempty"`
}

// State is the budget.json document.
type State struct {
	Date    string             `json:"date"`
	Intents map[string]*Bucket `json:"intents"`
	Tiers   map[string]*Bucket `json:"tiers"`
}

// Tracker checks and charges budgets. Daily counters are re-read from disk
// on every operation so several processes converge; callsThisRun lives only
// in this process and starts at zero on restart.
type Tracker struct {
	path string
	now  func() time.Time

	mu       sync.Mutex
	runCalls map[string]int64
	memory   *State
}

// NewTracker returns a tracker persisting to path. An empty path keeps state
// in memory only.
func NewTracker(path string) *Tracker {
	return &Tracker{path: path, now: time.Now, runCalls: make(map[string]int64)}
}

// SetClock overrides the clock used for day boundaries.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// EstimateTokens approximates the token count of a prompt.
func EstimateTokens(prompt string) int64 {
	n := int64(len(prompt)) / charsPerTokenGuess
	if n == 0 && prompt != "" {
		n = 1
	}
	return n
}

// Check reports whether a call estimated at tokens would fit in both the
// intent bucket (keyed by base intent) and the tier bucket.
func (t *Tracker) Check(intent, tier string, ib policy.IntentBudget, tb policy.TierBudget, tokens int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.loadLocked()
	if err != nil {
		return err
	}
	key := policy.BaseIntent(intent)
	ibucket := bucketFor(state.Intents, key, state.Date)
	tbucket := bucketFor(state.Tiers, tier, state.Date)

	if err := checkLimit(ScopeIntent, key, LimitDailyTokens, ib.DailyTokenBudget, ibucket.Tokens+tokens); err != nil {
		return err
	}
	if err := checkLimit(ScopeIntent, key, LimitDailyCalls, ib.DailyCallBudget, ibucket.Calls+1); err != nil {
		return err
	}
	if err := checkLimit(ScopeIntent, key, LimitCallsPerRun, ib.MaxCallsPerRun, t.runCalls[key]+1); err != nil {
		return err
	}
	if err := checkLimit(ScopeTier, tier, LimitDailyTokens, tb.DailyTokenBudget, tbucket.Tokens+tokens); err != nil {
		return err
	}
	if err := checkLimit(ScopeTier, tier, LimitDailyCalls, tb.DailyCallBudget, tbucket.Calls+1); err != nil {
		return err
	}
	return nil
}

func checkLimit(scope, name, limit string, max *int64, would int64) error {
	if max == nil {
		return nil
	}
	if would > *max {
		return &ExceededError{Scope: scope, Name: name, Limit: limit, Max: *max, Would: would}
	}
	return nil
}

// Charge records one accepted call of tokens against the intent and tier
// buckets and persists the snapshot.
func (t *Tracker) Charge(intent, tier string, tokens int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.loadLocked()
	if err != nil {
		return err
	}
	key := policy.BaseIntent(intent)
	t.runCalls[key]++

	ibucket := bucketFor(state.Intents, key, state.Date)
	ibucket.Tokens += tokens
	ibucket.Calls++
	ibucket.CallsThisRun = t.runCalls[key]

	tbucket := bucketFor(state.Tiers, tier, state.Date)
	tbucket.Tokens += tokens
	tbucket.Calls++

	return t.saveLocked(state)
}

// Snapshot returns the current state after applying day resets.
func (t *Tracker) Snapshot() (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, err := t.loadLocked()
	if err != nil {
		return State{}, err
	}
	return *state, nil
}

func bucketFor(m map[string]*Bucket, key, today string) *Bucket {
	b, ok := m[key]
	if !ok || b == nil {
		b = &Bucket{Date: today}
		m[key] = b
	}
	if b.Date != today {
		*b = Bucket{Date: today}
	}
	return b
}

func (t *Tracker) loadLocked() (*State, error) {
	today := t.now().UTC().Format(DateFormat)
	state := &State{}
	if t.path != "" {
		if _, err := archive.ReadSnapshot(t.path, state); err != nil {
			return nil, fmt.Errorf("load budget state: %w", err)
		}
	} else if t.memory != nil {
		*state = cloneState(*t.memory)
	}
	if state.Intents == nil {
		state.Intents = make(map[string]*Bucket)
	}
	if state.Tiers == nil {
		state.Tiers = make(map[string]*Bucket)
	}
	state.Date = today
	for key, b := range state.Intents {
		if b == nil || b.Date != today {
			state.Intents[key] = &Bucket{Date: today}
			continue
		}
		// callsThisRun on disk belongs to whichever process wrote it last.
		b.CallsThisRun = t.runCalls[key]
	}
	for key, b := range state.Tiers {
		if b == nil || b.Date != today {
			state.Tiers[key] = &Bucket{Date: today}
			continue
		}
		b.CallsThisRun = 0
	}
	return state, nil
}

func (t *Tracker) saveLocked(state *State) error {
	if t.path == "" {
		clone := cloneState(*state)
		t.memory = &clone
		return nil
	}
	if err := archive.WriteSnapshot(t.path, state); err != nil {
		return fmt.Errorf("save budget state: %w", err)
	}
	return nil
}

func cloneState(s State) State {
	out := State{Date: s.Date, Intents: make(map[string]*Bucket), Tiers: make(map[string]*Bucket)}
	for k, b := range s.Intents {
		c := *b
		out.Intents[k] = &c
	}
	for k, b := range s.Tiers {
		c := *b
		out.Tiers[k] = &c
	}
	return out
}
