package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/zen-systems/openclaw/pkg/heavy"
)

func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OPENCLAW_REPO_ROOT", t.TempDir())
	t.Setenv("OPENCLAW_LOG_LEVEL", "error")
	t.Setenv("OPENCLAW_LOG_FORMAT", "json")
	t.Setenv("OPENCLAW_ENSURE_CODER_PATH", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
}

func run(t *testing.T, args ...string) (string, int) {
	t.Helper()
	configFile = ""
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err == nil {
		return out.String(), 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return out.String(), ee.code
	}
	t.Fatalf("%v: %v", args, err)
	return "", -1
}

func TestContractSetModeExitCodes(t *testing.T) {
	setupEnv(t)

	if _, code := run(t, "contract", "set-mode", "PARTY", "--ttl", "10m"); code != 2 {
		t.Fatalf("invalid mode exit = %d, want 2", code)
	}

	out, code := run(t, "contract", "set-mode", "SERVICE", "--ttl", "10m", "--reason", "demo")
	if code != 0 {
		t.Fatalf("set-mode exit = %d", code)
	}
	var c map[string]any
	if err := json.Unmarshal([]byte(out), &c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c["mode"] != "SERVICE" || c["source"] != "override" {
		t.Fatalf("unexpected contract: %v", c)
	}
}

func TestGPUClaimExitCodes(t *testing.T) {
	setupEnv(t)

	if _, code := run(t, "gpu", "claim", "--holder", "a", "--ttl-minutes", "5"); code != 0 {
		t.Fatalf("first claim exit = %d", code)
	}
	if _, code := run(t, "gpu", "claim", "--holder", "b", "--ttl-minutes", "5"); code != 2 {
		t.Fatalf("held claim exit = %d, want 2", code)
	}
	if _, code := run(t, "gpu", "release", "--holder", "b"); code != 3 {
		t.Fatalf("foreign release exit = %d, want 3", code)
	}
	if _, code := run(t, "gpu", "release", "--holder", "a"); code != 0 {
		t.Fatalf("release exit = %d", code)
	}
}

func TestWorkerIdleOutsideCode(t *testing.T) {
	setupEnv(t)

	if _, code := run(t, "heavy", "enqueue", "--cmd", "echo hi"); code != 0 {
		t.Fatalf("enqueue exit = %d", code)
	}
	if _, code := run(t, "contract", "set-mode", "IDLE", "--ttl", "10m"); code != 0 {
		t.Fatalf("set-mode exit = %d", code)
	}

	out, code := run(t, "worker", "run-once")
	if code != 0 {
		t.Fatalf("run-once exit = %d", code)
	}
	var act heavy.Action
	if err := json.Unmarshal([]byte(out), &act); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if act.Action != heavy.ActionNoop || act.Reason != heavy.ReasonNotCode {
		t.Fatalf("unexpected action: %+v", act)
	}
}

func TestLedgerVerifyEmpty(t *testing.T) {
	setupEnv(t)

	out, code := run(t, "ledger", "verify")
	if code != 0 {
		t.Fatalf("verify exit = %d", code)
	}
	var res map[string]any
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res["ok"] != true {
		t.Fatalf("unexpected verify: %v", res)
	}
}

func TestWorkerExitCode(t *testing.T) {
	tests := []struct {
		action string
		want   int
	}{
		{heavy.ActionNoop, 0},
		{heavy.ActionDone, 0},
		{heavy.ActionEnsureFailed, 2},
		{heavy.ActionGPULockHeld, 3},
		{heavy.ActionFailed, 1},
	}
	for _, tt := range tests {
		if got := workerExitCode(heavy.Action{Action: tt.action}); got != tt.want {
			t.Errorf("workerExitCode(%s) = %d, want %d", tt.action, got, tt.want)
		}
	}
}
