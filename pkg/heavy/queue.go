// Package heavy implements the append-only heavy job queue and the worker
// that drains it when the contract allows GPU work.
package heavy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zen-systems/openclaw/pkg/archive"
)

// Job states. Every state change is a new line with the same id.
const (
	StateQueued       = "queued"
	StateRunning      = "running"
	StateDone         = "done"
	StateFailed       = "failed"
	StateEnsureFailed = "ensure_failed"
)

// Job kinds understood by the default worker.
const (
	KindShell  = "shell"
	KindRouter = "router"
)

// DefaultToolID is assigned to GPU jobs that do not name a tool.
const DefaultToolID = "coder_vllm.models"

const jobSchema = 1

// Job is one line of the jobs file.
type Job struct {
	Schema      int            `json:"schema"`
	ID          string         `json:"id"`
	TS          string         `json:"ts"`
	Kind        string         `json:"kind"`
	Priority    int            `json:"priority"`
	ExpiresAt   string         `json:"expires_at,omitempty"`
	Cmd         string         `json:"cmd,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
	RequiresGPU bool           `json:"requires_gpu"`
	ToolID      string         `json:"tool_id,omitempty"`
	State       string         `json:"state"`
	RC          *int           `json:"rc,omitempty"`
	Reason      string         `json:"reason,omitempty"`

	// order is the line number of the job's first appearance.
	order int
}

// Expired reports whether the job's expiry lies at or before now.
func (j Job) Expired(now time.Time) bool {
	if j.ExpiresAt == "" {
		return false
	}
	exp, err := time.Parse(time.RFC3339, j.ExpiresAt)
	if err != nil {
		return false
	}
	return !exp.After(now)
}

// Terminal reports whether the job has reached a final state.
func (j Job) Terminal() bool {
	switch j.State {
	case StateDone, StateFailed, StateEnsureFailed:
		return true
	}
	return false
}

// EnqueueRequest describes a new job.
type EnqueueRequest struct {
	Kind        string
	Cmd         string
	Priority    int
	TTL         time.Duration
	RequiresGPU bool
	ToolID      string
	Meta        map[string]any
}

// Queue is an append-only JSONL job queue.
type Queue struct {
	path          string
	defaultToolID string
	now           func() time.Time
	newID         func() string
}

// Option configures a Queue.
type Option func(*Queue)

// WithDefaultToolID sets the tool id assigned to GPU jobs without one.
func WithDefaultToolID(id string) Option {
	return func(q *Queue) {
		if id != "" {
			q.defaultToolID = id
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// NewQueue returns a queue backed by path.
func NewQueue(path string, opts ...Option) *Queue {
	q := &Queue{
		path:          path,
		defaultToolID: DefaultToolID,
		now:           time.Now,
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Path returns the jobs file path.
func (q *Queue) Path() string {
	return q.path
}

// Enqueue appends a queued job and returns it.
func (q *Queue) Enqueue(req EnqueueRequest) (Job, error) {
	kind := req.Kind
	if kind == "" {
		kind = KindShell
	}
	if kind == KindShell && strings.TrimSpace(req.Cmd) == "" {
		return Job{}, fmt.Errorf("shell job requires a command")
	}
	now := q.now().UTC()
	job := Job{
		Schema:      jobSchema,
		ID:          q.newID(),
		TS:          now.Format(time.RFC3339),
		Kind:        kind,
		Priority:    req.Priority,
		Cmd:         req.Cmd,
		Meta:        req.Meta,
		RequiresGPU: req.RequiresGPU,
		ToolID:      req.ToolID,
		State:       StateQueued,
	}
	if req.TTL > 0 {
		job.ExpiresAt = now.Add(req.TTL).Format(time.RFC3339)
	}
	if job.RequiresGPU && job.ToolID == "" {
		job.ToolID = q.defaultToolID
	}
	if err := archive.AppendJSONL(q.path, job); err != nil {
		return Job{}, fmt.Errorf("enqueue: %w", err)
	}
	log.Debug().Str("job_id", job.ID).Str("kind", job.Kind).Bool("requires_gpu", job.RequiresGPU).Msg("job enqueued")
	return job, nil
}

// Append records a state change for job and returns the new line.
func (q *Queue) Append(job Job, state string, rc *int, reason string) (Job, error) {
	job.TS = q.now().UTC().Format(time.RFC3339)
	job.State = state
	job.RC = rc
	job.Reason = reason
	if err := archive.AppendJSONL(q.path, job); err != nil {
		return Job{}, fmt.Errorf("append %s for %s: %w", state, job.ID, err)
	}
	return job, nil
}

// Project returns the latest state of every job, in enqueue order.
func (q *Queue) Project() ([]Job, error) {
	lines, truncated, err := archive.ReadLines(q.path)
	if err != nil {
		return nil, fmt.Errorf("read jobs: %w", err)
	}
	if truncated {
		log.Warn().Str("path", q.path).Msg("ignoring truncated trailing job line")
	}

	latest := make(map[string]Job)
	for _, line := range lines {
		var job Job
		if err := json.Unmarshal(line.Data, &job); err != nil || job.ID == "" {
			if len(strings.TrimSpace(string(line.Data))) > 0 {
				log.Warn().Int("line", line.Num).Msg("skipping malformed job line")
			}
			continue
		}
		if prev, ok := latest[job.ID]; ok {
			job.order = prev.order
		} else {
			job.order = line.Num
		}
		latest[job.ID] = job
	}

	out := make([]Job, 0, len(latest))
	for _, job := range latest {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out, nil
}

// Depth counts jobs whose latest state is queued and that have not expired.
func (q *Queue) Depth(now time.Time) (int, error) {
	jobs, err := q.Project()
	if err != nil {
		return 0, err
	}
	depth := 0
	for _, job := range jobs {
		if job.State == StateQueued && !job.Expired(now) {
			depth++
		}
	}
	return depth, nil
}

// Next returns the highest-priority queued, unexpired job, oldest first on
// ties. ok is false when nothing is runnable.
func (q *Queue) Next(now time.Time) (Job, bool, error) {
	jobs, err := q.Project()
	if err != nil {
		return Job{}, false, err
	}
	var best Job
	found := false
	for _, job := range jobs {
		if job.State != StateQueued || job.Expired(now) {
			continue
		}
		if !found || job.Priority > best.Priority {
			best, found = job, true
		}
	}
	return best, found, nil
}

// Tail returns the last n raw lines of the jobs file.
func (q *Queue) Tail(n int) ([]json.RawMessage, error) {
	lines, err := archive.Tail(q.path, n)
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(lines))
	for _, line := range lines {
		out = append(out, json.RawMessage(line.Data))
	}
	return out, nil
}

// Defer queues a routed request that needs the GPU. The worker replays it
// through the router once the contract returns to CODE.
func (q *Queue) Defer(_ context.Context, intent string, payload map[string]any, meta map[string]any) (string, error) {
	jobMeta := map[string]any{
		"intent":  intent,
		"payload": payload,
	}
	if len(meta) > 0 {
		jobMeta["context"] = meta
	}
	req := EnqueueRequest{Kind: KindRouter, RequiresGPU: true, Meta: jobMeta}
	if tool, ok := meta["tool_id"].(string); ok {
		req.ToolID = tool
	}
	job, err := q.Enqueue(req)
	if err != nil {
		return "", err
	}
	return job.ID, nil
}
