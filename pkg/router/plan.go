package router

import (
	"errors"

	"github.com/zen-systems/openclaw/pkg/adapter"
	"github.com/zen-systems/openclaw/pkg/breaker"
	"github.com/zen-systems/openclaw/pkg/budget"
	"github.com/zen-systems/openclaw/pkg/policy"
)

// Skip reasons reported by Explain and in attempt errors.
const (
	SkipDisabled       = "disabled"
	SkipUnknown        = "unknown_provider"
	SkipPaidNotAllowed = "paid_not_allowed"
	SkipCircuitOpen    = "circuit_open"
	SkipGated          = "gated"
	SkipOffline        = "offline"
	SkipNoModelFits    = "input_too_large"
	SkipHandlerMissing = "handler_missing"
	SkipBudget         = "budget"
)

// Candidate is one provider considered for a request.
type Candidate struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
	Tier     string `json:"tier"`
	Paid     bool   `json:"paid"`
	Circuit  string `json:"circuit"`
	Skipped  bool   `json:"skipped"`
	Reason   string `json:"reason,omitempty"`

	provider *policy.Provider
}

// plan is the static part of selection: order expansion, enable/paid
// filters, breaker state, runtime controls and model fit.
type plan struct {
	routeKey   string
	allowPaid  bool
	candidates []Candidate
	// eligible counts providers that survived enable/paid filtering.
	eligible    int
	circuitOpen int
	trigger     string
}

// active returns the candidates that were not skipped.
func (p *plan) active() []Candidate {
	var out []Candidate
	for _, c := range p.candidates {
		if !c.Skipped {
			out = append(out, c)
		}
	}
	return out
}

func (p *plan) activeIDs() []string {
	var out []string
	for _, c := range p.active() {
		out = append(out, c.Provider)
	}
	return out
}

func (r *Router) plan(pol *policy.Policy, intent string, payload map[string]any) (*plan, bool) {
	route, key, ok := pol.Route(intent)
	if !ok {
		return nil, false
	}
	pl := &plan{routeKey: key, allowPaid: route.AllowPaid}
	prompt := adapter.PromptOf(payload)

	for _, id := range pol.ExpandOrder(route.Order) {
		c := Candidate{Provider: id, Circuit: string(breaker.StatusClosed)}
		p, found := pol.Provider(id)
		if !found {
			c.Skipped, c.Reason = true, SkipUnknown
			pl.candidates = append(pl.candidates, c)
			continue
		}
		c.provider = p
		c.Tier = p.EffectiveTier()
		c.Paid = p.Paid
		switch {
		case !p.IsEnabled():
			c.Skipped, c.Reason = true, SkipDisabled
		case p.Paid && !route.AllowPaid:
			c.Skipped, c.Reason = true, SkipPaidNotAllowed
		}
		if c.Skipped {
			pl.candidates = append(pl.candidates, c)
			continue
		}
		pl.eligible++

		if status, err := r.breaker.Status(id); err == nil {
			c.Circuit = string(status)
		}
		if !r.breaker.Allow(id) {
			c.Skipped, c.Reason = true, SkipCircuitOpen
			pl.circuitOpen++
			pl.candidates = append(pl.candidates, c)
			continue
		}
		pl.candidates = append(pl.candidates, c)
	}

	r.applyControls(pl, prompt)

	for i := range pl.candidates {
		c := &pl.candidates[i]
		if c.Skipped {
			continue
		}
		if r.offline && c.provider.NeedsNetwork() {
			c.Skipped, c.Reason = true, SkipOffline
			continue
		}
		model, fits := pickModel(c.provider, len([]rune(prompt)))
		if !fits {
			c.Skipped, c.Reason = true, SkipNoModelFits
			continue
		}
		c.Model = model
	}
	return pl, true
}

// applyControls runs the flag-gated runtime controls over the planned order.
func (r *Router) applyControls(pl *plan, prompt string) {
	if r.gating != nil {
		if m := r.gating(); m < r.gatingThreshold {
			for i := range pl.candidates {
				c := &pl.candidates[i]
				if !c.Skipped && (c.Paid || c.Tier == policy.TierPaid) {
					c.Skipped, c.Reason = true, SkipGated
				}
			}
		}
	}

	target, trigger, ok := r.capability.Match(prompt)
	if !ok {
		return
	}
	for i, c := range pl.candidates {
		if c.Provider != target {
			continue
		}
		pl.trigger = trigger
		if i == 0 {
			return
		}
		moved := append([]Candidate{c}, pl.candidates[:i]...)
		pl.candidates = append(moved, pl.candidates[i+1:]...)
		return
	}
}

// pickModel returns the first model that accepts n input characters.
func pickModel(p *policy.Provider, n int) (string, bool) {
	for _, m := range p.Models {
		if m.Fits(n) {
			return m.ID, true
		}
	}
	return "", false
}

// Explanation is the dry-run view of selection for an intent.
type Explanation struct {
	Intent     string      `json:"intent"`
	RouteKey   string      `json:"route_key,omitempty"`
	AllowPaid  bool        `json:"allow_paid"`
	Trigger    string      `json:"capability_trigger,omitempty"`
	Candidates []Candidate `json:"candidates"`
	Order      []string    `json:"order"`
	ReasonCode string      `json:"reason_code,omitempty"`
}

// Explain runs selection without invoking handlers or charging budgets.
// Like ExecuteWithEscalation, it only returns an error for strict-mode
// policy validation failures.
func (r *Router) Explain(intent string, payload map[string]any) (Explanation, error) {
	exp := Explanation{Intent: intent, Candidates: []Candidate{}, Order: []string{}}
	pol, err := r.loader.Load(r.policyPath)
	if err != nil {
		var verr *policy.ValidationError
		if errors.As(err, &verr) && r.loader.Strict {
			return exp, err
		}
		exp.ReasonCode = ReasonPolicyInvalid
		return exp, nil
	}
	pl, ok := r.plan(pol, intent, payload)
	if !ok {
		exp.ReasonCode = ReasonIntentUnknown
		return exp, nil
	}
	exp.RouteKey = pl.routeKey
	exp.AllowPaid = pl.allowPaid
	exp.Trigger = pl.trigger

	tokens := budget.EstimateTokens(adapter.PromptOf(payload))
	ib, _ := pol.IntentBudget(intent)
	for _, c := range pl.candidates {
		if !c.Skipped {
			if _, ok := r.handlers.Get(c.Provider); !ok {
				c.Skipped, c.Reason = true, SkipHandlerMissing
			} else {
				tb, _ := pol.TierBudget(c.Tier)
				var exceeded *budget.ExceededError
				if err := r.budget.Check(intent, c.Tier, ib, tb, tokens); errors.As(err, &exceeded) {
					c.Skipped, c.Reason = true, SkipBudget+":"+exceeded.Reason()
				}
			}
		}
		if !c.Skipped {
			exp.Order = append(exp.Order, c.Provider)
		}
		exp.Candidates = append(exp.Candidates, c)
	}
	return exp, nil
}
