package events

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFileSinkAppendsAndReads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contract", "events.jsonl")
	sink := NewFileSink(path)
	sink.Now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	sink.Emit(TypePolicyMissing, map[string]any{"path": "x.json"})
	sink.Emit(TypeServiceRequest, nil)

	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != TypePolicyMissing || got[0].Detail["path"] != "x.json" {
		t.Fatalf("unexpected first event: %+v", got[0])
	}
	ts, err := got[1].Time()
	if err != nil {
		t.Fatalf("parse ts: %v", err)
	}
	if !ts.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Fatalf("unexpected ts: %v", ts)
	}
}

func TestLogSinkWritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	LogSink{Logger: &logger}.Emit(TypeCircuitOpened, map[string]any{"provider": "mock"})

	out := buf.String()
	if !strings.Contains(out, `"level":"warn"`) || !strings.Contains(out, `"provider":"mock"`) {
		t.Fatalf("unexpected log output: %s", out)
	}
}

func TestMultiAndRecorder(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	Multi{a, nil, b}.Emit(TypeGPULockHeld, map[string]any{"holder": "x"})

	if len(a.OfType(TypeGPULockHeld)) != 1 || len(b.Events()) != 1 {
		t.Fatalf("expected event fanned out to both recorders")
	}
	if len(a.OfType(TypeCircuitOpened)) != 0 {
		t.Fatalf("unexpected events of other type")
	}
}
