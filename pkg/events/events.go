// Package events carries operational events ({ts, type, detail}) emitted by
// the router, contract manager, GPU lock, and heavy worker.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zen-systems/openclaw/pkg/archive"
)

// Event types emitted across the system.
const (
	TypeCircuitOpened        = "circuit_opened"
	TypeCircuitClosed        = "circuit_closed"
	TypeOAuthEndpointBlocked = "oauth_endpoint_blocked"
	TypePolicyWarning        = "policy_warning"
	TypePolicyMissing        = "policy_missing"
	TypeContractCorrupt      = "contract_corrupt"
	TypeModeTransition       = "mode_transition"
	TypeOverrideSet          = "override_set"
	TypeOverrideExpired      = "override_expired"
	TypeServiceRequest       = "service_request"
	TypeGPULockHeld          = "gpu_lock_held"
	TypeHandlerMissing       = "handler_missing"
	TypeWitnessCommitFailed  = "witness_commit_failed"
	TypeHeavyDeferred        = "heavy_deferred"
)

// Event is one line of an events log.
type Event struct {
	TS     string         `json:"ts"`
	Type   string         `json:"type"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Sink receives events. Implementations must not block for long.
type Sink interface {
	Emit(typ string, detail map[string]any)
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(string, map[string]any) {}

// TimeFormat is the layout used for event timestamps.
const TimeFormat = time.RFC3339Nano

// FileSink appends events to a JSONL file.
type FileSink struct {
	Path string
	Now  func() time.Time
}

// NewFileSink returns a sink writing to path.
func NewFileSink(path string) *FileSink {
	return &FileSink{Path: path, Now: time.Now}
}

// Emit appends the event. Write failures are logged, not returned.
func (s *FileSink) Emit(typ string, detail map[string]any) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	ev := Event{TS: now().UTC().Format(TimeFormat), Type: typ, Detail: detail}
	if err := archive.AppendJSONL(s.Path, ev); err != nil {
		log.Warn().Err(err).Str("path", s.Path).Str("event", typ).Msg("failed to append event")
	}
}

// LogSink writes events to a zerolog logger.
type LogSink struct {
	Logger *zerolog.Logger
}

// Emit logs the event at warn level for failure-like types and info otherwise.
func (s LogSink) Emit(typ string, detail map[string]any) {
	logger := log.Logger
	if s.Logger != nil {
		logger = *s.Logger
	}
	ev := logger.Info()
	switch typ {
	case TypeCircuitOpened, TypeOAuthEndpointBlocked, TypePolicyWarning, TypePolicyMissing,
		TypeContractCorrupt, TypeGPULockHeld, TypeHandlerMissing, TypeWitnessCommitFailed:
		ev = logger.Warn()
	}
	ev.Str("event", typ).Fields(detail).Msg(typ)
}

// Multi fans an event out to several sinks.
type Multi []Sink

// Emit forwards the event to every non-nil sink.
func (m Multi) Emit(typ string, detail map[string]any) {
	for _, s := range m {
		if s != nil {
			s.Emit(typ, detail)
		}
	}
}

// Recorder keeps events in memory. Useful for tests and for the HTTP surface.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit records the event.
func (r *Recorder) Emit(typ string, detail map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{TS: time.Now().UTC().Format(TimeFormat), Type: typ, Detail: detail})
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events with the given type.
func (r *Recorder) OfType(typ string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// OrDiscard returns s, or Discard when s is nil.
func OrDiscard(s Sink) Sink {
	if s == nil {
		return Discard
	}
	return s
}

// ReadFile returns the events recorded in a JSONL events file. Lines that do
// not decode are skipped; a missing file yields no events.
func ReadFile(path string) ([]Event, error) {
	lines, _, err := archive.ReadLines(path)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(lines))
	for _, line := range lines {
		var ev Event
		if err := json.Unmarshal(line.Data, &ev); err != nil || ev.Type == "" {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Time parses the event timestamp.
func (e Event) Time() (time.Time, error) {
	return time.Parse(TimeFormat, e.TS)
}
