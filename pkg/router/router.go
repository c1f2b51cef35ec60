// Package router selects a provider and model for an intent under policy,
// budget and circuit-breaker constraints, executes the call through the
// registered handlers and records every outcome in the witness ledger.
package router

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zen-systems/openclaw/pkg/adapter"
	"github.com/zen-systems/openclaw/pkg/breaker"
	"github.com/zen-systems/openclaw/pkg/budget"
	"github.com/zen-systems/openclaw/pkg/events"
	"github.com/zen-systems/openclaw/pkg/ledger"
	"github.com/zen-systems/openclaw/pkg/policy"
	"github.com/zen-systems/openclaw/pkg/proprio"
	"github.com/zen-systems/openclaw/pkg/sanitize"
)

// Reason codes on Result.
const (
	ReasonSuccess             = "success"
	ReasonBudgetExhausted     = "budget_exhausted"
	ReasonAllProvidersFailed  = "all_providers_failed"
	ReasonCircuitOpenAll      = "circuit_open_all"
	ReasonOAuthJWTUnsupported = "oauth_jwt_unsupported_endpoint"
	ReasonPolicyInvalid       = "policy_invalid"
	ReasonIntentUnknown       = "intent_unknown"
	ReasonHeavyDeferred       = "heavy_deferred"
	ReasonWitnessCommitFailed = "witness_commit_failed"
	ReasonHeavyDeferralFailed = "heavy_deferral_failed"
)

// AttemptError describes one skipped or failed candidate.
type AttemptError struct {
	Provider   string `json:"provider"`
	Model      string `json:"model,omitempty"`
	Stage      string `json:"stage"`
	ReasonCode string `json:"reason_code"`
	Transient  bool   `json:"transient"`
	Terminal   bool   `json:"terminal,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Attempt stages.
const (
	StageGate = "gate"
	StageCall = "call"
)

// Result is the single outcome of ExecuteWithEscalation.
type Result struct {
	OK         bool           `json:"ok"`
	Provider   string         `json:"provider,omitempty"`
	Model      string         `json:"model,omitempty"`
	ReasonCode string         `json:"reason_code"`
	Attempts   int            `json:"attempts"`
	Text       string         `json:"text,omitempty"`
	Parsed     any            `json:"parsed,omitempty"`
	Errors     []AttemptError `json:"errors,omitempty"`
	JobID      string         `json:"job_id,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Router owns the policy cache, budget and circuit state, the ledger and the
// proprioception sampler for one process.
type Router struct {
	loader     *policy.Loader
	policyPath string
	handlers   *adapter.Registry

	budget   *budget.Tracker
	breaker  *breaker.Breaker
	sampler  *proprio.Sampler
	ledger   *ledger.Ledger
	sink     events.Sink
	redactor *sanitize.Redactor
	now      func() time.Time
	getenv   func(string) string

	ledgerStrict    bool
	offline         bool
	proprioception  bool
	gating          GatingFunc
	gatingThreshold float64
	capability      *CapabilityRules
	inference       ActiveInferenceFunc
	modes           ModeReader
	deferrer        Deferrer
}

// Option configures a Router.
type Option func(*Router)

// WithBudget sets the budget tracker.
func WithBudget(t *budget.Tracker) Option {
	return func(r *Router) { r.budget = t }
}

// WithBreaker sets the circuit breaker.
func WithBreaker(b *breaker.Breaker) Option {
	return func(r *Router) { r.breaker = b }
}

// WithSampler sets the proprioception sampler.
func WithSampler(s *proprio.Sampler) Option {
	return func(r *Router) { r.sampler = s }
}

// WithLedger enables witness commits. In strict mode a failed commit turns
// the result into a witness_commit_failed failure.
func WithLedger(l *ledger.Ledger, strict bool) Option {
	return func(r *Router) {
		r.ledger = l
		r.ledgerStrict = strict
	}
}

// WithEvents sets the event sink.
func WithEvents(s events.Sink) Option {
	return func(r *Router) { r.sink = events.OrDiscard(s) }
}

// WithRedactor sets the redactor applied before ledger writes and logging.
func WithRedactor(rd *sanitize.Redactor) Option {
	return func(r *Router) { r.redactor = rd }
}

// WithOffline skips providers that require network access.
func WithOffline(offline bool) Option {
	return func(r *Router) { r.offline = offline }
}

// WithProprioception includes a sampler snapshot in result meta.
func WithProprioception(enabled bool) Option {
	return func(r *Router) { r.proprioception = enabled }
}

// WithGating enables paid-tier suppression below threshold.
func WithGating(fn GatingFunc, threshold float64) Option {
	return func(r *Router) {
		r.gating = fn
		r.gatingThreshold = threshold
	}
}

// WithCapabilityTriggers enables trigger-phrase reordering.
func WithCapabilityTriggers(triggers map[string]string) Option {
	return func(r *Router) { r.capability = NewCapabilityRules(triggers) }
}

// WithActiveInference enables the active inference annotation hook.
func WithActiveInference(fn ActiveInferenceFunc) Option {
	return func(r *Router) { r.inference = fn }
}

// WithHeavyDeferral defers requires_gpu requests into the heavy queue when
// the contract mode is not CODE.
func WithHeavyDeferral(modes ModeReader, d Deferrer) Option {
	return func(r *Router) {
		r.modes = modes
		r.deferrer = d
	}
}

// WithClock overrides the clock used for ledger timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithGetenv overrides how provider credentials are looked up for the JWT gate.
func WithGetenv(getenv func(string) string) Option {
	return func(r *Router) { r.getenv = getenv }
}

// New creates a router reading policy from policyPath through loader.
func New(loader *policy.Loader, policyPath string, handlers *adapter.Registry, opts ...Option) *Router {
	r := &Router{
		loader:     loader,
		policyPath: policyPath,
		handlers:   handlers,
		sink:       events.Discard,
		redactor:   sanitize.Default(),
		now:        time.Now,
		getenv:     os.Getenv,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.handlers == nil {
		r.handlers = adapter.NewRegistry()
	}
	if r.budget == nil {
		r.budget = budget.NewTracker("")
	}
	if r.breaker == nil {
		r.breaker = breaker.New("", r.sink)
	}
	if r.sampler == nil {
		r.sampler = proprio.New(proprio.DefaultCapacity)
	}
	return r
}

// Sampler returns the proprioception sampler.
func (r *Router) Sampler() *proprio.Sampler {
	return r.sampler
}

// Breaker returns the circuit breaker.
func (r *Router) Breaker() *breaker.Breaker {
	return r.breaker
}

// Proprioception returns a snapshot of recent decisions.
func (r *Router) Proprioception() proprio.Snapshot {
	return r.sampler.Snapshot(r.breaker.OpenProviders())
}

// ExecuteWithEscalation routes payload for intent, escalating through
// candidates until one succeeds. The only error returned is a strict-mode
// *policy.ValidationError; every other outcome is described by Result.
func (r *Router) ExecuteWithEscalation(ctx context.Context, intent string, payload map[string]any, meta map[string]any) (Result, error) {
	if meta == nil {
		meta = make(map[string]any)
	}
	r.sink.Emit(events.TypeServiceRequest, map[string]any{"intent": intent})

	pol, err := r.loader.Load(r.policyPath)
	if err != nil {
		var verr *policy.ValidationError
		if errors.As(err, &verr) && r.loader.Strict {
			return Result{}, err
		}
		res := Result{ReasonCode: ReasonPolicyInvalid, Errors: []AttemptError{{
			Stage: StageGate, ReasonCode: ReasonPolicyInvalid, Message: r.redactor.Error(err),
		}}}
		return r.finishFailure(intent, res), nil
	}

	if truthy(meta["requires_gpu"]) && r.modes != nil && r.deferrer != nil {
		if res, deferred := r.maybeDefer(ctx, intent, payload, meta); deferred {
			return res, nil
		}
	}

	pl, ok := r.plan(pol, intent, payload)
	if !ok {
		return r.finishFailure(intent, Result{ReasonCode: ReasonIntentUnknown}), nil
	}

	res := Result{}
	budgetRejected := 0
	for _, c := range pl.candidates {
		if c.Skipped {
			res.Errors = append(res.Errors, AttemptError{Provider: c.Provider, Stage: StageGate, ReasonCode: c.Reason})
		}
	}

	active := pl.active()
	if r.inference != nil {
		meta["active_inference"] = r.inference(intent, pl.activeIDs())
	}

	prompt := adapter.PromptOf(payload)
	estimate := budget.EstimateTokens(prompt)
	ib, _ := pol.IntentBudget(intent)
	cbCfg := breaker.ConfigFrom(pol.Defaults.CircuitBreaker)

	for _, c := range active {
		handler, found := r.handlers.Get(c.Provider)
		if !found {
			r.sink.Emit(events.TypeHandlerMissing, map[string]any{"provider": c.Provider, "offline": r.offline})
			ae := AttemptError{Provider: c.Provider, Model: c.Model, Stage: StageGate, ReasonCode: SkipHandlerMissing}
			if r.handlers.Unavailable[c.Provider] != nil {
				ae.Message = r.redactor.Error(r.handlers.Unavailable[c.Provider])
			}
			if r.offline {
				log.Warn().Str("provider", c.Provider).Msg("no handler registered; skipping")
				res.Errors = append(res.Errors, ae)
				continue
			}
			ae.Stage = StageCall
			res.Attempts++
			res.Errors = append(res.Errors, ae)
			r.commit(attemptRecord(intent, c, res.Attempts, ae))
			continue
		}

		if r.jwtBlocked(c.provider, meta) {
			r.sink.Emit(events.TypeOAuthEndpointBlocked, map[string]any{"provider": c.Provider, "intent": intent})
			log.Warn().Str("provider", c.Provider).Str("intent", intent).Msg("oauth token not accepted by endpoint")
			res.ReasonCode = ReasonOAuthJWTUnsupported
			res.Errors = append(res.Errors, AttemptError{Provider: c.Provider, Model: c.Model, Stage: StageGate, ReasonCode: ReasonOAuthJWTUnsupported})
			return r.finishFailure(intent, res), nil
		}

		tb, _ := pol.TierBudget(c.Tier)
		if err := r.budget.Check(intent, c.Tier, ib, tb, estimate); err != nil {
			var exceeded *budget.ExceededError
			reason := SkipBudget
			if errors.As(err, &exceeded) {
				reason = SkipBudget + ":" + exceeded.Reason()
				budgetRejected++
			} else {
				log.Warn().Err(err).Str("provider", c.Provider).Msg("budget check failed")
			}
			res.Errors = append(res.Errors, AttemptError{Provider: c.Provider, Model: c.Model, Stage: StageGate, ReasonCode: reason})
			continue
		}

		res.Attempts++
		out, duration := r.call(ctx, pol, c, handler, sanitize.Payload(payload, c.provider, c.Model), meta)

		if out.OK() {
			return r.finishSuccess(intent, c, res, out, duration, estimate), nil
		}

		f := out.Failure
		if f == nil {
			f = &adapter.Failure{ReasonCode: adapter.ReasonHandlerFailed}
		}
		transient := f.IsTransient()
		r.sampler.RecordDecision(proprio.Sample{DurationMS: duration, Provider: c.Provider, OK: false, Err: f.ReasonCode})
		if _, err := r.breaker.RecordFailure(c.Provider, cbCfg, transient, f.ReasonCode); err != nil {
			log.Warn().Err(err).Str("provider", c.Provider).Msg("breaker update failed")
		}
		ev := log.Warn().Str("provider", c.Provider).Str("model", c.Model).Str("intent", intent).
			Str("reason_code", f.ReasonCode).Bool("transient", transient)
		if !transient {
			ev = ev.Bool("terminal", true)
		}
		ev.Msg("provider attempt failed")

		ae := AttemptError{
			Provider: c.Provider, Model: c.Model, Stage: StageCall, ReasonCode: f.ReasonCode,
			Transient: transient, Terminal: !transient, Message: r.redactor.String(f.Message),
		}
		res.Errors = append(res.Errors, ae)
		r.commit(attemptRecord(intent, c, res.Attempts, ae))
	}

	switch {
	case pl.eligible > 0 && pl.circuitOpen == pl.eligible:
		res.ReasonCode = ReasonCircuitOpenAll
	case res.Attempts == 0 && budgetRejected > 0:
		res.ReasonCode = ReasonBudgetExhausted
	default:
		res.ReasonCode = ReasonAllProvidersFailed
	}
	return r.finishFailure(intent, res), nil
}

func (r *Router) call(ctx context.Context, pol *policy.Policy, c Candidate, h adapter.Handler, payload, meta map[string]any) (adapter.Result, float64) {
	timeout := pol.Defaults.TimeoutSec
	if c.provider.TimeoutSec > 0 {
		timeout = c.provider.TimeoutSec
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
		defer cancel()
	}

	ctx, span := otel.Tracer("openclaw/router").Start(ctx, "router.attempt",
		trace.WithAttributes(
			attribute.String("router.provider", c.Provider),
			attribute.String("router.model", c.Model),
			attribute.String("router.tier", c.Tier),
		),
	)
	defer span.End()

	start := time.Now()
	out := h.Call(ctx, payload, c.Model, meta)
	duration := float64(time.Since(start).Microseconds()) / 1000

	if !out.OK() {
		reason := adapter.ReasonHandlerFailed
		if out.Failure != nil {
			reason = out.Failure.ReasonCode
		}
		span.SetStatus(codes.Error, reason)
	}
	return out, duration
}

func (r *Router) finishSuccess(intent string, c Candidate, res Result, out adapter.Result, duration float64, estimate int64) Result {
	s := out.Success
	tokens := estimate
	if s.TokensIn != nil || s.TokensOut != nil {
		tokens = 0
		if s.TokensIn != nil {
			tokens += int64(*s.TokensIn)
		}
		if s.TokensOut != nil {
			tokens += int64(*s.TokensOut)
		}
	}
	if err := r.budget.Charge(intent, c.Tier, tokens); err != nil {
		log.Warn().Err(err).Str("intent", intent).Msg("budget charge failed")
	}
	r.sampler.RecordDecision(proprio.Sample{
		DurationMS: duration, TokensIn: s.TokensIn, TokensOut: s.TokensOut, Provider: c.Provider, OK: true,
	})
	if err := r.breaker.RecordSuccess(c.Provider); err != nil {
		log.Warn().Err(err).Str("provider", c.Provider).Msg("breaker update failed")
	}

	res.OK = true
	res.Provider = c.Provider
	res.Model = c.Model
	res.ReasonCode = ReasonSuccess
	res.Text = s.Text
	res.Parsed = s.Parsed
	res.Errors = nil

	record := decisionRecord(intent, c, res.Attempts, s, duration)
	if !r.commit(record) && r.ledgerStrict {
		return Result{ReasonCode: ReasonWitnessCommitFailed, Attempts: res.Attempts, Errors: []AttemptError{{
			Provider: c.Provider, Model: c.Model, Stage: StageCall, ReasonCode: ReasonWitnessCommitFailed,
		}}}
	}
	log.Info().Str("intent", intent).Str("provider", c.Provider).Str("model", c.Model).
		Int("attempts", res.Attempts).Float64("duration_ms", duration).Msg("routed")
	return r.withMeta(res)
}

func (r *Router) finishFailure(intent string, res Result) Result {
	res.OK = false
	r.commit(failureRecord(intent, res))
	log.Warn().Str("intent", intent).Str("reason_code", res.ReasonCode).Int("attempts", res.Attempts).Msg("routing failed")
	return r.withMeta(res)
}

func (r *Router) withMeta(res Result) Result {
	if r.proprioception {
		res.Meta = map[string]any{"proprioception": r.Proprioception()}
	}
	return res
}

// commit writes a redacted record to the ledger. It reports false only when
// a configured ledger rejected the write.
func (r *Router) commit(record map[string]any) bool {
	if r.ledger == nil {
		return true
	}
	if _, err := r.ledger.CommitAt(r.redactor.Map(record), r.now()); err != nil {
		r.sink.Emit(events.TypeWitnessCommitFailed, map[string]any{"kind": record["kind"], "error": r.redactor.Error(err)})
		log.Error().Str("error", r.redactor.Error(err)).Interface("kind", record["kind"]).Msg("witness commit failed")
		return false
	}
	return true
}

// jwtBlocked reports whether an OAuth JWT would be sent to a provider that
// does not accept one. The credential comes from context metadata or the
// provider's API key variable.
func (r *Router) jwtBlocked(p *policy.Provider, meta map[string]any) bool {
	if p == nil || p.AcceptsOAuthJWT {
		return false
	}
	if token, _ := meta["auth_token"].(string); looksLikeJWT(token) {
		return true
	}
	if p.APIKeyEnv != "" && looksLikeJWT(r.getenv(p.APIKeyEnv)) {
		return true
	}
	return false
}

func (r *Router) maybeDefer(ctx context.Context, intent string, payload, meta map[string]any) (Result, bool) {
	mode, err := r.modes.Mode()
	if err != nil {
		log.Warn().Err(err).Msg("contract mode unavailable; routing heavy request immediately")
		return Result{}, false
	}
	if mode == ModeCode {
		return Result{}, false
	}
	jobID, err := r.deferrer.Defer(ctx, intent, payload, r.redactor.Map(meta))
	if err != nil {
		res := Result{ReasonCode: ReasonHeavyDeferralFailed, Errors: []AttemptError{{
			Stage: StageGate, ReasonCode: ReasonHeavyDeferralFailed, Message: r.redactor.Error(err),
		}}}
		return r.finishFailure(intent, res), true
	}
	r.sink.Emit(events.TypeHeavyDeferred, map[string]any{"intent": intent, "job_id": jobID, "mode": mode})
	res := Result{ReasonCode: ReasonHeavyDeferred, JobID: jobID}
	r.commit(map[string]any{"kind": KindDeferred, "intent": intent, "job_id": jobID, "mode": mode})
	return r.withMeta(res), true
}
