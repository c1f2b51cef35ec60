// Package proprio keeps router-internal telemetry: a bounded window of recent
// decisions summarized as latency quantiles and an error rate. Nothing here
// feeds back into provider selection.
package proprio

import (
	"math"
	"sort"
	"sync"
	"time"
)

// DefaultCapacity is the default number of retained samples.
const DefaultCapacity = 200

// Sample is one routing decision outcome.
type Sample struct {
	DurationMS float64   `json:"duration_ms"`
	TokensIn   *int      `json:"tokens_in,omitempty"`
	TokensOut  *int      `json:"tokens_out,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	OK         bool      `json:"ok"`
	Err        string    `json:"err,omitempty"`
	At         time.Time `json:"-"`
}

// Snapshot summarizes the current window.
type Snapshot struct {
	P50LatencyMS float64  `json:"p50_latency_ms"`
	P95LatencyMS float64  `json:"p95_latency_ms"`
	Decisions    int      `json:"decisions"`
	ErrorRate    float64  `json:"error_rate"`
	OpenBreakers []string `json:"open_breakers"`
	TS           string   `json:"ts"`
}

// Sampler is a thread-safe ring buffer of samples.
type Sampler struct {
	mu       sync.RWMutex
	samples  []Sample
	capacity int
	now      func() time.Time
}

// New creates a sampler that retains up to capacity samples.
func New(capacity int) *Sampler {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Sampler{
		samples:  make([]Sample, 0, capacity),
		capacity: capacity,
		now:      time.Now,
	}
}

// SetClock overrides the clock used for snapshot timestamps.
func (s *Sampler) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// RecordDecision appends a sample, dropping the oldest when full.
func (s *Sampler) RecordDecision(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sample.At.IsZero() {
		sample.At = s.now()
	}
	if len(s.samples) >= s.capacity {
		s.samples = s.samples[1:]
	}
	s.samples = append(s.samples, sample)
}

// Recent returns up to n of the most recent samples.
func (s *Sampler) Recent(n int) []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.samples)
	if n <= 0 || n > total {
		n = total
	}
	out := make([]Sample, n)
	copy(out, s.samples[total-n:])
	return out
}

// Snapshot summarizes the window. openBreakers is the set of providers whose
// breaker is currently open; it is returned sorted and de-duplicated.
func (s *Sampler) Snapshot(openBreakers []string) Snapshot {
	s.mu.RLock()
	latencies := make([]float64, 0, len(s.samples))
	failures := 0
	for _, sample := range s.samples {
		latencies = append(latencies, sample.DurationMS)
		if !sample.OK {
			failures++
		}
	}
	now := s.now()
	s.mu.RUnlock()

	sort.Float64s(latencies)
	snap := Snapshot{
		P50LatencyMS: round3(Quantile(latencies, 0.50)),
		P95LatencyMS: round3(Quantile(latencies, 0.95)),
		Decisions:    len(latencies),
		OpenBreakers: distinctSorted(openBreakers),
		TS:           now.UTC().Format(time.RFC3339),
	}
	if len(latencies) > 0 {
		snap.ErrorRate = round3(float64(failures) / float64(len(latencies)))
	}
	return snap
}

// Quantile returns the q-quantile of sorted values using linear
// interpolation between closest ranks. An empty input yields 0.
func Quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 || q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[n-1]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func distinctSorted(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
