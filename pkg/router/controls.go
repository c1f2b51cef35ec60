package router

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/zen-systems/openclaw/pkg/proprio"
)

// GatingFunc returns a multiplier in [0,1]. Paid tiers are only entered when
// the multiplier reaches the configured threshold.
type GatingFunc func() float64

// OscillatorGate returns a GatingFunc that swings between 1 and 0 with the
// given period, starting at 1 at the epoch.
func OscillatorGate(period time.Duration, now func() time.Time) GatingFunc {
	if now == nil {
		now = time.Now
	}
	return func() float64 {
		if period <= 0 {
			return 1
		}
		phase := float64(now().UnixNano()%int64(period)) / float64(period)
		return (1 + math.Cos(2*math.Pi*phase)) / 2
	}
}

// ActiveInferenceFunc annotates a request with preference parameters. Its
// output is stored under context_metadata.active_inference and never changes
// selection.
type ActiveInferenceFunc func(intent string, candidates []string) map[string]any

// SamplerInference derives preferences from recent proprioception: expected
// latency and a confidence that falls with the recent error rate.
func SamplerInference(s *proprio.Sampler) ActiveInferenceFunc {
	return func(intent string, candidates []string) map[string]any {
		snap := s.Snapshot(nil)
		out := map[string]any{
			"intent":              intent,
			"confidence":          math.Round((1-snap.ErrorRate)*1000) / 1000,
			"expected_latency_ms": snap.P50LatencyMS,
			"samples":             snap.Decisions,
		}
		if len(candidates) > 0 {
			out["preferred_provider"] = candidates[0]
		}
		return out
	}
}

// ModeReader reports the current contract mode.
type ModeReader interface {
	Mode() (string, error)
}

// Deferrer queues a heavy request for later execution and returns its job id.
type Deferrer interface {
	Defer(ctx context.Context, intent string, payload map[string]any, meta map[string]any) (string, error)
}

// ModeCode is the contract mode in which heavy requests run immediately.
const ModeCode = "CODE"

func looksLikeJWT(s string) bool {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "Bearer ")
	if !strings.HasPrefix(s, "eyJ") {
		return false
	}
	return strings.Count(s, ".") == 2
}

func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "true", "yes":
			return true
		}
	case float64:
		return val != 0
	case int:
		return val != 0
	}
	return false
}
