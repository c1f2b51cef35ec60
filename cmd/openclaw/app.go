package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zen-systems/openclaw/pkg/adapter"
	"github.com/zen-systems/openclaw/pkg/archive"
	"github.com/zen-systems/openclaw/pkg/breaker"
	"github.com/zen-systems/openclaw/pkg/budget"
	"github.com/zen-systems/openclaw/pkg/config"
	"github.com/zen-systems/openclaw/pkg/contract"
	"github.com/zen-systems/openclaw/pkg/events"
	"github.com/zen-systems/openclaw/pkg/gpu"
	"github.com/zen-systems/openclaw/pkg/heavy"
	"github.com/zen-systems/openclaw/pkg/ledger"
	"github.com/zen-systems/openclaw/pkg/policy"
	"github.com/zen-systems/openclaw/pkg/proprio"
	"github.com/zen-systems/openclaw/pkg/router"
	"github.com/zen-systems/openclaw/pkg/sanitize"
)

// app holds the components built from one RuntimeFlags.
type app struct {
	flags    *config.RuntimeFlags
	sink     events.Sink
	queue    *heavy.Queue
	contract *contract.Manager
	gpu      *gpu.Lock
	ledger   *ledger.Ledger
}

func newApp(flags *config.RuntimeFlags) *app {
	sink := events.Multi{events.NewFileSink(flags.Contract.EventsPath), events.LogSink{}}
	queue := heavy.NewQueue(flags.Heavy.QueuePath, heavy.WithDefaultToolID(flags.Heavy.DefaultToolID))
	return &app{
		flags: flags,
		sink:  sink,
		queue: queue,
		contract: contract.New(contract.Options{
			CurrentPath: flags.Contract.CurrentPath,
			PolicyPath:  flags.Contract.PolicyPath,
			EventsPath:  flags.Contract.EventsPath,
			Depth:       queue.Depth,
			Events:      sink,
		}),
		gpu:    gpu.New(flags.GPU.StateDir),
		ledger: ledger.New(flags.LedgerPath),
	}
}

// router builds a router over the handlers the current policy enables. An
// unloadable policy leaves the registry empty; the router reports the
// validation error itself on first use.
func (a *app) router() *router.Router {
	f := a.flags
	loader := policy.NewLoader(f.PolicyStrict, a.sink)

	handlers := adapter.NewRegistry()
	if pol, err := loader.Load(f.PolicyPath); err != nil {
		log.Warn().Str("policy", f.PolicyPath).Str("error", sanitize.Default().Error(err)).Msg("policy not loaded; no handlers registered")
	} else {
		handlers = adapter.FromPolicy(pol, adapter.Options{})
		for id, herr := range handlers.Unavailable {
			log.Warn().Str("provider", id).Str("error", sanitize.Default().Error(herr)).Msg("handler unavailable")
		}
	}

	sampler := proprio.New(proprio.DefaultCapacity)
	opts := []router.Option{
		router.WithBudget(budget.NewTracker(f.BudgetPath)),
		router.WithBreaker(breaker.New(f.CircuitPath, a.sink)),
		router.WithLedger(a.ledger, f.LedgerStrict),
		router.WithEvents(a.sink),
		router.WithSampler(sampler),
		router.WithOffline(f.Router.Offline),
		router.WithProprioception(f.Router.Proprioception),
		router.WithHeavyDeferral(a.contract, a.queue),
	}
	if f.Router.GatingThreshold > 0 {
		opts = append(opts, router.WithGating(router.OscillatorGate(f.Router.GatingPeriod, time.Now), f.Router.GatingThreshold))
	}
	if len(f.Router.Capability) > 0 {
		opts = append(opts, router.WithCapabilityTriggers(f.Router.Capability))
	}
	if f.Router.ActiveInference {
		opts = append(opts, router.WithActiveInference(router.SamplerInference(sampler)))
	}
	return router.New(loader, f.PolicyPath, handlers, opts...)
}

// worker builds the heavy worker. Router-kind jobs replay deferred requests
// through rt.
func (a *app) worker(rt *router.Router) (*heavy.Worker, error) {
	f := a.flags
	opts := []heavy.WorkerOption{
		heavy.WithRunner(heavy.KindRouter, replayRunner(rt)),
		heavy.WithRunsLog(f.Heavy.RunsLog),
		heavy.WithLockTTL(f.GPU.LockTTL()),
		heavy.WithEvents(a.sink),
	}
	if f.Heavy.EnsureHookPath != "" {
		opts = append(opts, heavy.WithEnsureHook(heavy.CommandEnsureHook{Path: f.Heavy.EnsureHookPath}))
	}
	if f.Heavy.RunsDir != "" {
		var store *archive.Store
		if f.Heavy.ArchiveDir != "" {
			s, err := archive.NewStore(f.Heavy.ArchiveDir)
			if err != nil {
				return nil, fmt.Errorf("open archive: %w", err)
			}
			store = s
		}
		opts = append(opts, heavy.WithEvidence(f.Heavy.RunsDir, store))
	}
	return heavy.NewWorker(a.queue, a.contract, a.gpu, opts...), nil
}

// replayRunner executes a deferred router request. The replayed metadata drops
// requires_gpu so the request cannot be deferred a second time.
func replayRunner(rt *router.Router) heavy.RunnerFunc {
	return func(ctx context.Context, job heavy.Job) (heavy.Output, error) {
		intent, _ := job.Meta["intent"].(string)
		if intent == "" {
			return heavy.Output{}, fmt.Errorf("job %s has no intent", job.ID)
		}
		payload, _ := job.Meta["payload"].(map[string]any)
		if payload == nil {
			payload = map[string]any{}
		}
		meta := map[string]any{}
		if m, ok := job.Meta["context"].(map[string]any); ok {
			for k, v := range m {
				meta[k] = v
			}
		}
		delete(meta, "requires_gpu")
		meta["heavy_job_id"] = job.ID

		start := time.Now()
		res, err := rt.ExecuteWithEscalation(ctx, intent, payload, meta)
		if err != nil {
			return heavy.Output{}, err
		}
		out, err := json.Marshal(res)
		if err != nil {
			return heavy.Output{}, fmt.Errorf("encode result: %w", err)
		}
		rc := 0
		if !res.OK {
			rc = 1
		}
		return heavy.Output{RC: rc, Stdout: append(out, '\n'), Duration: time.Since(start)}, nil
	}
}
