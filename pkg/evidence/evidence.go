// Package evidence writes per-job evidence bundles for heavy runs: a run.json
// record plus the captured stdout and stderr.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zen-systems/openclaw/pkg/archive"
)

// RunRecord captures one execution of a heavy job.
type RunRecord struct {
	JobID          string                     `json:"job_id"`
	Kind           string                     `json:"kind"`
	ToolID         string                     `json:"tool_id,omitempty"`
	Cmd            string                     `json:"cmd,omitempty"`
	State          string                     `json:"state"`
	RC             *int                       `json:"rc,omitempty"`
	Error          string                     `json:"error,omitempty"`
	StartedAt      time.Time                  `json:"started_at"`
	FinishedAt     time.Time                  `json:"finished_at"`
	DurationMillis int64                      `json:"duration_ms"`
	StdoutSHA256   string                     `json:"stdout_sha256"`
	StderrSHA256   string                     `json:"stderr_sha256"`
	Blobs          map[string]archive.BlobRef `json:"blobs,omitempty"`
}

// Writer writes evidence bundles to disk.
type Writer struct {
	baseDir string
	runDir  string
	store   *archive.Store
}

// NewWriter creates a new evidence writer rooted at baseDir/jobID. When
// store is non-nil, captured output is also archived by content hash.
func NewWriter(baseDir, jobID string, store *archive.Store) (*Writer, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return nil, fmt.Errorf("invalid job ID %q", jobID)
	}

	runDir := filepath.Join(baseDir, jobID)
	if err := os.MkdirAll(runDir, 0o700); err != nil {
		return nil, err
	}
	// MkdirAll leaves an existing directory's mode alone.
	if err := os.Chmod(runDir, 0o700); err != nil {
		return nil, err
	}
	return &Writer{baseDir: baseDir, runDir: runDir, store: store}, nil
}

// RunDir returns the job's evidence directory.
func (w *Writer) RunDir() string {
	return w.runDir
}

// WriteRun writes stdout.log, stderr.log and run.json. The output digests
// are filled into record before it is written.
func (w *Writer) WriteRun(record RunRecord, stdout, stderr []byte) error {
	record.StdoutSHA256 = digest(stdout)
	record.StderrSHA256 = digest(stderr)

	if err := w.writeFile("stdout.log", stdout); err != nil {
		return err
	}
	if err := w.writeFile("stderr.log", stderr); err != nil {
		return err
	}
	if w.store != nil {
		record.Blobs = make(map[string]archive.BlobRef, 2)
		for kind, data := range map[string][]byte{"stdout": stdout, "stderr": stderr} {
			ref, err := w.store.StoreBlob(kind, data)
			if err != nil {
				return fmt.Errorf("archive %s: %w", kind, err)
			}
			record.Blobs[kind] = ref
		}
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	return w.writeFile("run.json", append(data, '\n'))
}

func (w *Writer) writeFile(name string, data []byte) error {
	if err := archive.WriteFileAtomic(filepath.Join(w.runDir, name), data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
