package heavy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/zen-systems/openclaw/pkg/archive"
	"github.com/zen-systems/openclaw/pkg/events"
	"github.com/zen-systems/openclaw/pkg/evidence"
	"github.com/zen-systems/openclaw/pkg/gpu"
)

// Worker actions reported by RunOnce.
const (
	ActionNoop         = "noop"
	ActionEnsureFailed = "ensure_failed"
	ActionGPULockHeld  = "gpu_lock_held"
	ActionDone         = "done"
	ActionFailed       = "failed"
)

// Noop and failure reasons.
const (
	ReasonNotCode     = "not_code"
	ReasonQueueEmpty  = "queue_empty"
	ReasonUnknownKind = "unknown_kind"
	ReasonStartFailed = "start_failed"
)

// ModeCode is the only contract mode in which the worker runs jobs.
const ModeCode = "CODE"

// DefaultLockTTL bounds how long a job may hold the GPU.
const DefaultLockTTL = 30 * time.Minute

// ModeReader reports the effective contract mode, overrides included.
type ModeReader interface {
	Mode() (string, error)
}

// Action is the outcome of one worker iteration.
type Action struct {
	Action       string `json:"action"`
	Reason       string `json:"reason,omitempty"`
	Mode         string `json:"mode,omitempty"`
	JobID        string `json:"job_id,omitempty"`
	ToolID       string `json:"tool_id,omitempty"`
	RC           *int   `json:"rc,omitempty"`
	OfflineClass string `json:"offline_class,omitempty"`
	Holder       string `json:"holder,omitempty"`
	DurationMS   int64  `json:"duration_ms,omitempty"`
}

// RunLine is one line of the runs log.
type RunLine struct {
	TS         string `json:"ts"`
	JobID      string `json:"job_id"`
	ToolID     string `json:"tool_id,omitempty"`
	Action     string `json:"action"`
	RC         *int   `json:"rc,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Worker drains the heavy queue one job per iteration.
type Worker struct {
	queue   *Queue
	modes   ModeReader
	lock    *gpu.Lock
	lockTTL time.Duration
	ensure  EnsureHook
	runners map[string]Runner
	runsLog string
	runsDir string
	store   *archive.Store
	sink    events.Sink
	now     func() time.Time
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithEnsureHook sets the hook run before GPU jobs claim the lock.
func WithEnsureHook(h EnsureHook) WorkerOption {
	return func(w *Worker) { w.ensure = h }
}

// WithRunner registers the runner for a job kind.
func WithRunner(kind string, r Runner) WorkerOption {
	return func(w *Worker) { w.runners[kind] = r }
}

// WithRunsLog sets the heavy_runs.jsonl path.
func WithRunsLog(path string) WorkerOption {
	return func(w *Worker) { w.runsLog = path }
}

// WithEvidence writes per-job evidence under dir, archiving output into
// store when it is non-nil.
func WithEvidence(dir string, store *archive.Store) WorkerOption {
	return func(w *Worker) {
		w.runsDir = dir
		w.store = store
	}
}

// WithLockTTL sets the TTL used when claiming the GPU.
func WithLockTTL(ttl time.Duration) WorkerOption {
	return func(w *Worker) {
		if ttl > 0 {
			w.lockTTL = ttl
		}
	}
}

// WithEvents sets the event sink.
func WithEvents(sink events.Sink) WorkerOption {
	return func(w *Worker) { w.sink = events.OrDiscard(sink) }
}

// WithWorkerClock overrides the time source.
func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWorker returns a worker with a shell runner registered.
func NewWorker(queue *Queue, modes ModeReader, lock *gpu.Lock, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:   queue,
		modes:   modes,
		lock:    lock,
		lockTTL: DefaultLockTTL,
		runners: map[string]Runner{KindShell: ShellRunner{}},
		sink:    events.Discard,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RunOnce performs one iteration: check the contract, pick a job, bring its
// tool up, claim the GPU, run it and release the GPU.
func (w *Worker) RunOnce(ctx context.Context) (Action, error) {
	mode, err := w.modes.Mode()
	if err != nil {
		return Action{}, fmt.Errorf("read contract mode: %w", err)
	}
	if mode != ModeCode {
		log.Debug().Str("mode", mode).Msg("worker idle outside CODE mode")
		return Action{Action: ActionNoop, Reason: ReasonNotCode, Mode: mode}, nil
	}

	job, ok, err := w.queue.Next(w.now())
	if err != nil {
		return Action{}, err
	}
	if !ok {
		return Action{Action: ActionNoop, Reason: ReasonQueueEmpty, Mode: mode}, nil
	}

	ctx, span := otel.Tracer("openclaw/heavy").Start(ctx, "heavy.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("heavy.job_id", job.ID),
		attribute.String("heavy.kind", job.Kind),
		attribute.String("heavy.tool_id", job.ToolID),
		attribute.Bool("heavy.requires_gpu", job.RequiresGPU),
	)

	runner, ok := w.runners[job.Kind]
	if !ok {
		if _, err := w.queue.Append(job, StateFailed, nil, ReasonUnknownKind); err != nil {
			return Action{}, err
		}
		span.SetStatus(codes.Error, ReasonUnknownKind)
		return Action{Action: ActionFailed, Reason: ReasonUnknownKind, JobID: job.ID, ToolID: job.ToolID}, nil
	}

	if job.RequiresGPU {
		if w.ensure != nil {
			res := w.ensure.Ensure(ctx, job)
			if !res.OK {
				return w.ensureFailed(job, res, span)
			}
		}
		held, err := w.claim(job)
		if err != nil {
			return Action{}, err
		}
		if held != nil {
			span.SetAttributes(attribute.String("heavy.lock_holder", held.Holder))
			return Action{Action: ActionGPULockHeld, JobID: job.ID, ToolID: job.ToolID, Holder: held.Holder}, nil
		}
		defer w.release(job)
	}

	return w.execute(ctx, job, runner, span)
}

func (w *Worker) ensureFailed(job Job, res EnsureResult, span statusSetter) (Action, error) {
	if _, err := w.queue.Append(job, StateEnsureFailed, &res.RC, res.Reason); err != nil {
		return Action{}, err
	}
	log.Warn().Str("job_id", job.ID).Str("tool_id", job.ToolID).Str("offline_class", res.OfflineClass).
		Str("reason", res.Reason).Msg("ensure hook failed")
	w.appendRun(RunLine{JobID: job.ID, ToolID: job.ToolID, Action: ActionEnsureFailed, RC: &res.RC})
	span.SetStatus(codes.Error, ActionEnsureFailed)
	return Action{
		Action:       ActionEnsureFailed,
		Reason:       res.Reason,
		JobID:        job.ID,
		ToolID:       job.ToolID,
		RC:           &res.RC,
		OfflineClass: res.OfflineClass,
	}, nil
}

// claim takes the GPU for the job's tool. It returns the blocking lock when
// another holder owns it, including one that won a race with this claim.
func (w *Worker) claim(job Job) (*gpu.Info, error) {
	res, err := w.lock.Claim(job.ToolID, "heavy:"+job.ID, w.lockTTL)
	if errors.Is(err, gpu.ErrHeld) {
		w.heldEvent(job, res.Lock)
		return res.Lock, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim gpu: %w", err)
	}

	st, err := w.lock.Status()
	if err != nil {
		w.release(job)
		return nil, fmt.Errorf("recheck gpu lock: %w", err)
	}
	if !st.Held || st.Lock.Holder != job.ToolID {
		current := st.Lock
		if current == nil {
			current = &gpu.Info{}
		}
		w.heldEvent(job, current)
		return current, nil
	}
	return nil, nil
}

func (w *Worker) heldEvent(job Job, current *gpu.Info) {
	detail := map[string]any{"job_id": job.ID, "tool_id": job.ToolID}
	if current != nil {
		detail["holder"] = current.Holder
		detail["ttl_until"] = current.TTLUntil
	}
	w.sink.Emit(events.TypeGPULockHeld, detail)
	log.Info().Str("job_id", job.ID).Interface("lock", current).Msg("gpu lock held; retrying next tick")
}

func (w *Worker) release(job Job) {
	if _, err := w.lock.Release(job.ToolID); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Str("tool_id", job.ToolID).Msg("failed to release gpu lock")
	}
}

type statusSetter interface {
	SetStatus(codes.Code, string)
}

func (w *Worker) execute(ctx context.Context, job Job, runner Runner, span statusSetter) (Action, error) {
	running, err := w.queue.Append(job, StateRunning, nil, "")
	if err != nil {
		return Action{}, err
	}
	started := w.now()
	log.Info().Str("job_id", job.ID).Str("kind", job.Kind).Str("tool_id", job.ToolID).Msg("running heavy job")

	out, runErr := runner.Run(ctx, running)
	finished := w.now()
	duration := out.Duration
	if duration == 0 {
		duration = finished.Sub(started)
	}

	state, reason := StateDone, ""
	var rc *int
	if runErr != nil {
		state, reason = StateFailed, ReasonStartFailed
		out.Stderr = append(out.Stderr, []byte(runErr.Error())...)
	} else {
		code := out.RC
		rc = &code
		if code != 0 {
			state = StateFailed
		}
	}
	if _, err := w.queue.Append(job, state, rc, reason); err != nil {
		return Action{}, err
	}
	if state == StateFailed {
		span.SetStatus(codes.Error, fmt.Sprintf("job %s", state))
	}

	action := ActionDone
	if state == StateFailed {
		action = ActionFailed
	}
	w.appendRun(RunLine{JobID: job.ID, ToolID: job.ToolID, Action: action, RC: rc, DurationMS: duration.Milliseconds()})
	if w.runsDir != "" {
		w.writeEvidence(job, state, rc, runErr, started, finished, duration, out)
	}

	log.Info().Str("job_id", job.ID).Str("state", state).Interface("rc", rc).Dur("duration", duration).Msg("heavy job finished")
	return Action{
		Action:     action,
		Reason:     reason,
		JobID:      job.ID,
		ToolID:     job.ToolID,
		RC:         rc,
		DurationMS: duration.Milliseconds(),
	}, nil
}

func (w *Worker) appendRun(line RunLine) {
	if w.runsLog == "" {
		return
	}
	line.TS = w.now().UTC().Format(time.RFC3339)
	if err := archive.AppendJSONL(w.runsLog, line); err != nil {
		log.Warn().Err(err).Str("path", w.runsLog).Msg("failed to append heavy run")
	}
}

func (w *Worker) writeEvidence(job Job, state string, rc *int, runErr error, started, finished time.Time, d time.Duration, out Output) {
	writer, err := evidence.NewWriter(w.runsDir, job.ID, w.store)
	if err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to open evidence dir")
		return
	}
	record := evidence.RunRecord{
		JobID:          job.ID,
		Kind:           job.Kind,
		ToolID:         job.ToolID,
		Cmd:            job.Cmd,
		State:          state,
		RC:             rc,
		StartedAt:      started.UTC(),
		FinishedAt:     finished.UTC(),
		DurationMillis: d.Milliseconds(),
	}
	if runErr != nil {
		record.Error = runErr.Error()
	}
	if err := writer.WriteRun(record, out.Stdout, out.Stderr); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to write evidence")
	}
}
