// Package policy loads and validates the router policy file
// (llm_policy.json) and caches parsed policies by file identity.
package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/zen-systems/openclaw/pkg/events"
)

type cacheKey struct {
	path   string
	strict bool
}

type cacheEntry struct {
	mtimeNs int64
	size    int64
	policy  *Policy
}

// Loader parses policy files and caches them by (path, mtime_ns, size).
// Cached policies are shared and must be treated as read-only.
type Loader struct {
	Strict bool
	Sink   events.Sink

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
}

// NewLoader returns a loader. strict=false enables lenient repairs.
func NewLoader(strict bool, sink events.Sink) *Loader {
	return &Loader{
		Strict: strict,
		Sink:   events.OrDiscard(sink),
		cache:  make(map[cacheKey]cacheEntry),
	}
}

// Load returns the policy at path, re-parsing only when the file's mtime or
// size changed since the last successful load.
func (l *Loader) Load(path string) (*Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat policy: %w", err)
	}
	key := cacheKey{path: path, strict: l.Strict}
	mtime := info.ModTime().UnixNano()
	size := info.Size()

	l.mu.Lock()
	if entry, ok := l.cache[key]; ok && entry.mtimeNs == mtime && entry.size == size {
		l.mu.Unlock()
		return entry.policy, nil
	}
	l.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	pol, err := Parse(data, l.Strict)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			verr.Path = path
		}
		return nil, err
	}
	pol.Source = path

	sink := events.OrDiscard(l.Sink)
	for _, w := range pol.Warnings {
		log.Warn().Str("path", path).Msg(w)
		sink.Emit(events.TypePolicyWarning, map[string]any{"path": path, "warning": w})
	}

	l.mu.Lock()
	if l.cache == nil {
		l.cache = make(map[cacheKey]cacheEntry)
	}
	l.cache[key] = cacheEntry{mtimeNs: mtime, size: size, policy: pol}
	l.mu.Unlock()
	return pol, nil
}

// Invalidate drops every cached policy.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	l.cache = make(map[cacheKey]cacheEntry)
	l.mu.Unlock()
}

// Parse decodes and validates a policy document.
func Parse(data []byte, strict bool) (*Policy, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, &ValidationError{Problems: []string{"invalid JSON: " + err.Error()}}
	}
	if raw == nil {
		return nil, &ValidationError{Problems: []string{"policy must be a JSON object"}}
	}

	warnings, problems := validate(raw, strict)
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	repaired, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-encode policy: %w", err)
	}
	var pol Policy
	if err := json.Unmarshal(repaired, &pol); err != nil {
		return nil, &ValidationError{Problems: []string{err.Error()}}
	}

	for id, prov := range pol.Providers {
		if prov == nil {
			return nil, &ValidationError{Problems: []string{fmt.Sprintf("providers.%s must be an object", id)}}
		}
		prov.ID = id
	}
	if len(pol.Defaults.CircuitBreaker.FailOn) == 0 {
		pol.Defaults.CircuitBreaker.FailOn = append([]string(nil), DefaultFailOn...)
	}
	if pol.Budgets.Intents == nil {
		pol.Budgets.Intents = map[string]IntentBudget{}
	}
	if pol.Budgets.Tiers == nil {
		pol.Budgets.Tiers = map[string]TierBudget{}
	}

	pol.Raw = raw
	pol.Warnings = warnings
	return &pol, nil
}
