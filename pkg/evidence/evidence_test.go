package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/zen-systems/openclaw/pkg/archive"
)

func TestEvidenceWriter(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewWriter(dir, "job-123", nil)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	rc := 0
	record := RunRecord{
		JobID:      "job-123",
		Kind:       "shell",
		Cmd:        "echo hi",
		State:      "done",
		RC:         &rc,
		StartedAt:  time.Now().UTC(),
		FinishedAt: time.Now().UTC(),
	}
	if err := writer.WriteRun(record, []byte("hi\n"), nil); err != nil {
		t.Fatalf("write run: %v", err)
	}

	for _, name := range []string{"run.json", "stdout.log", "stderr.log"} {
		if _, err := os.Stat(filepath.Join(writer.RunDir(), name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}

	data, err := os.ReadFile(filepath.Join(writer.RunDir(), "run.json"))
	if err != nil {
		t.Fatalf("read run.json: %v", err)
	}
	var got RunRecord
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode run.json: %v", err)
	}
	sum := sha256.Sum256([]byte("hi\n"))
	if got.StdoutSHA256 != hex.EncodeToString(sum[:]) {
		t.Fatalf("stdout sha mismatch: %s", got.StdoutSHA256)
	}
	if got.RC == nil || *got.RC != 0 {
		t.Fatalf("rc not recorded: %+v", got.RC)
	}

	if runtime.GOOS != "windows" {
		assertPerm(t, writer.RunDir(), 0700)
		assertPerm(t, filepath.Join(writer.RunDir(), "run.json"), 0600)
		assertPerm(t, filepath.Join(writer.RunDir(), "stdout.log"), 0600)
	}
}

func TestWriteRunArchivesOutput(t *testing.T) {
	store, err := archive.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	writer, err := NewWriter(t.TempDir(), "job-1", store)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := writer.WriteRun(RunRecord{JobID: "job-1", State: "failed"}, []byte("out"), []byte("err")); err != nil {
		t.Fatalf("write run: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(writer.RunDir(), "run.json"))
	if err != nil {
		t.Fatalf("read run.json: %v", err)
	}
	var got RunRecord
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode run.json: %v", err)
	}
	ref, ok := got.Blobs["stderr"]
	if !ok {
		t.Fatalf("missing stderr blob ref: %+v", got.Blobs)
	}
	blob, err := store.LoadBlob(ref.SHA256)
	if err != nil {
		t.Fatalf("load blob: %v", err)
	}
	if string(blob) != "err" {
		t.Fatalf("blob content = %q", blob)
	}
}

func TestNewWriterRejectsBadIDs(t *testing.T) {
	dir := t.TempDir()
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if _, err := NewWriter(dir, id, nil); err == nil {
			t.Fatalf("expected error for job id %q", id)
		}
	}
	if _, err := NewWriter("", "job", nil); err == nil {
		t.Fatalf("expected error for empty base dir")
	}
}

func assertPerm(t *testing.T, path string, expected os.FileMode) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	if info.Mode().Perm() != expected {
		t.Fatalf("expected %s mode %o, got %o", path, expected, info.Mode().Perm())
	}
}
