package router

import (
	"math"

	"github.com/zen-systems/openclaw/pkg/adapter"
	"github.com/zen-systems/openclaw/pkg/canonical"
	"github.com/zen-systems/openclaw/pkg/policy"
)

// Ledger record kinds.
const (
	KindDecision      = "router_decision"
	KindAttemptFailed = "router_attempt_failed"
	KindFailure       = "router_failure"
	KindDeferred      = "router_deferred"
)

func decisionRecord(intent string, c Candidate, attempts int, s *adapter.Success, duration float64) map[string]any {
	record := map[string]any{
		"kind":        KindDecision,
		"intent":      intent,
		"base_intent": policy.BaseIntent(intent),
		"provider":    c.Provider,
		"model":       c.Model,
		"tier":        c.Tier,
		"attempts":    attempts,
		"reason_code": ReasonSuccess,
		"duration_ms": math.Round(duration*1000) / 1000,
	}
	if s.TokensIn != nil {
		record["tokens_in"] = *s.TokensIn
	}
	if s.TokensOut != nil {
		record["tokens_out"] = *s.TokensOut
	}
	if digest, err := canonical.Hash(s.Text); err == nil {
		record["output_hash"] = digest
	}
	return record
}

func attemptRecord(intent string, c Candidate, attempt int, ae AttemptError) map[string]any {
	return map[string]any{
		"kind":        KindAttemptFailed,
		"intent":      intent,
		"base_intent": policy.BaseIntent(intent),
		"provider":    c.Provider,
		"model":       c.Model,
		"tier":        c.Tier,
		"attempt":     attempt,
		"reason_code": ae.ReasonCode,
		"transient":   ae.Transient,
		"terminal":    ae.Terminal,
	}
}

func failureRecord(intent string, res Result) map[string]any {
	errs := make([]any, 0, len(res.Errors))
	for _, ae := range res.Errors {
		entry := map[string]any{
			"provider":    ae.Provider,
			"stage":       ae.Stage,
			"reason_code": ae.ReasonCode,
		}
		if ae.Model != "" {
			entry["model"] = ae.Model
		}
		errs = append(errs, entry)
	}
	return map[string]any{
		"kind":        KindFailure,
		"intent":      intent,
		"base_intent": policy.BaseIntent(intent),
		"reason_code": res.ReasonCode,
		"attempts":    res.Attempts,
		"errors":      errs,
	}
}
