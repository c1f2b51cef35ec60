package heavy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Output is what a runner captured from one job execution.
type Output struct {
	RC       int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Runner executes one job.
type Runner interface {
	Run(ctx context.Context, job Job) (Output, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job Job) (Output, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, job Job) (Output, error) {
	return f(ctx, job)
}

// ShellRunner runs job.Cmd through sh -c.
type ShellRunner struct {
	Shell   string
	Workdir string
}

// Run executes the job command. A non-zero exit is reported through RC; err
// is reserved for commands that could not be started.
func (s ShellRunner) Run(ctx context.Context, job Job) (Output, error) {
	if strings.TrimSpace(job.Cmd) == "" {
		return Output{}, fmt.Errorf("job %s has no command", job.ID)
	}
	shell := s.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", job.Cmd)
	if s.Workdir != "" {
		cmd.Dir = s.Workdir
	}
	return runCommand(cmd)
}

func runCommand(cmd *exec.Cmd) (Output, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Duration: time.Since(start)}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return out, fmt.Errorf("command failed to run: %w", err)
		}
		out.RC = exitErr.ExitCode()
	}
	return out, nil
}

// Offline classes reported by the ensure hook.
const (
	OfflineUnknown = "UNKNOWN"
)

// EnsureResult is the single JSON line printed by the ensure hook.
type EnsureResult struct {
	OK           bool   `json:"ok"`
	OfflineClass string `json:"offline_class,omitempty"`
	Reason       string `json:"reason,omitempty"`
	RC           int    `json:"-"`
}

// EnsureHook brings the job's tool online before the GPU is claimed.
type EnsureHook interface {
	Ensure(ctx context.Context, job Job) EnsureResult
}

// CommandEnsureHook runs an external command with the tool id as its only
// argument and parses the last stdout line as an EnsureResult.
type CommandEnsureHook struct {
	Path string
}

// Ensure runs the hook. The tool is ready only when the hook exits zero and
// its output does not say ok:false.
func (h CommandEnsureHook) Ensure(ctx context.Context, job Job) EnsureResult {
	out, err := runCommand(exec.CommandContext(ctx, h.Path, job.ToolID))
	if err != nil {
		return EnsureResult{OfflineClass: OfflineUnknown, Reason: err.Error(), RC: -1}
	}

	res, parsed := parseEnsureOutput(out.Stdout)
	res.RC = out.RC
	switch {
	case out.RC != 0:
		res.OK = false
		if res.OfflineClass == "" {
			res.OfflineClass = OfflineUnknown
		}
		if res.Reason == "" {
			res.Reason = fmt.Sprintf("ensure hook exited with status %d", out.RC)
		}
	case !parsed:
		// A zero exit without JSON output counts as ready.
		res.OK = true
	}
	return res
}

func parseEnsureOutput(stdout []byte) (EnsureResult, bool) {
	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var res EnsureResult
		if err := json.Unmarshal([]byte(line), &res); err == nil {
			return res, true
		}
	}
	return EnsureResult{}, false
}
