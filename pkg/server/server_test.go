package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zen-systems/openclaw/pkg/adapter"
	"github.com/zen-systems/openclaw/pkg/breaker"
	"github.com/zen-systems/openclaw/pkg/budget"
	"github.com/zen-systems/openclaw/pkg/contract"
	"github.com/zen-systems/openclaw/pkg/gpu"
	"github.com/zen-systems/openclaw/pkg/heavy"
	"github.com/zen-systems/openclaw/pkg/ledger"
	"github.com/zen-systems/openclaw/pkg/policy"
	"github.com/zen-systems/openclaw/pkg/router"
)

const testPolicy = `{
  "version": 1,
  "defaults": {
    "maxTokensPerRequest": 1024,
    "circuitBreaker": {"failureThreshold": 3, "cooldownSec": 60, "windowSec": 60}
  },
  "budgets": {"intents": {"coding": {"dailyCallBudget": 10}}, "tiers": {}},
  "providers": {"mock": {"paid": false, "tier": "free", "type": "mock", "models": [{"id": "mock-1"}]}},
  "routing": {"free_order": ["mock"], "intents": {"coding": {"order": ["free"], "allowPaid": false}}}
}`

func newTestServer(t *testing.T, policyJSON string) (*httptest.Server, string) {
	t.Helper()
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "llm_policy.json")
	if err := os.WriteFile(policyPath, []byte(policyJSON), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	reg := adapter.NewRegistry()
	reg.Register("mock", adapter.NewMockHandler())
	ledgerPath := filepath.Join(dir, "witness_ledger.jsonl")
	rt := router.New(policy.NewLoader(true, nil), policyPath, reg,
		router.WithBudget(budget.NewTracker(filepath.Join(dir, "budget.json"))),
		router.WithBreaker(breaker.New(filepath.Join(dir, "circuit.json"), nil)),
		router.WithLedger(ledger.New(ledgerPath), false),
	)

	queue := heavy.NewQueue(filepath.Join(dir, "heavy_jobs.jsonl"))
	handler := NewHandler(Deps{
		Router:     rt,
		Contract:   contract.New(contract.Options{CurrentPath: filepath.Join(dir, "contract", "current.json")}),
		GPU:        gpu.New(filepath.Join(dir, "gpu")),
		Queue:      queue,
		LedgerPath: ledgerPath,
		Now:        time.Now,
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, ledgerPath
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode
}

func TestRouteAndLedgerVerify(t *testing.T) {
	srv, _ := newTestServer(t, testPolicy)

	body, _ := json.Marshal(RouteRequest{Payload: map[string]any{"prompt": "hello"}})
	resp, err := http.Post(srv.URL+"/v1/route/coding", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var res router.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.OK || res.Provider != "mock" {
		t.Fatalf("unexpected result: %+v", res)
	}

	var verify ledger.VerifyResult
	if code := getJSON(t, srv.URL+"/v1/ledger/verify", &verify); code != http.StatusOK {
		t.Fatalf("verify status = %d", code)
	}
	if !verify.OK || verify.Entries != 1 {
		t.Fatalf("unexpected verify: %+v", verify)
	}
}

func TestRouteStrictPolicyError(t *testing.T) {
	bad := strings.Replace(testPolicy, `"dailyCallBudget": 10`, `"dailyCallBudgte": 10`, 1)
	srv, ledgerPath := newTestServer(t, bad)

	resp, err := http.Post(srv.URL+"/v1/route/coding", "application/json", bytes.NewReader([]byte(`{"payload":{"prompt":"x"}}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	if _, err := os.Stat(ledgerPath); !os.IsNotExist(err) {
		t.Fatalf("no ledger entry expected")
	}
}

func TestReadEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, testPolicy)

	var health map[string]string
	if code := getJSON(t, srv.URL+"/healthz", &health); code != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("healthz: %d %+v", code, health)
	}

	var exp router.Explanation
	if code := getJSON(t, srv.URL+"/v1/route/coding/explain?prompt=hi", &exp); code != http.StatusOK {
		t.Fatalf("explain status = %d", code)
	}
	if len(exp.Order) != 1 || exp.Order[0] != "mock" {
		t.Fatalf("unexpected explanation: %+v", exp)
	}

	var c contract.Contract
	if code := getJSON(t, srv.URL+"/v1/contract", &c); code != http.StatusOK || c.Mode != contract.ModeCode {
		t.Fatalf("contract: %d %+v", code, c)
	}

	var st gpu.Status
	if code := getJSON(t, srv.URL+"/v1/gpu", &st); code != http.StatusOK || st.Held {
		t.Fatalf("gpu: %d %+v", code, st)
	}

	var q struct {
		Depth int         `json:"depth"`
		Jobs  []heavy.Job `json:"jobs"`
	}
	if code := getJSON(t, srv.URL+"/v1/heavy", &q); code != http.StatusOK || q.Depth != 0 {
		t.Fatalf("heavy: %d %+v", code, q)
	}

	var snap map[string]any
	if code := getJSON(t, srv.URL+"/v1/proprioception", &snap); code != http.StatusOK {
		t.Fatalf("proprioception status = %d", code)
	}
}
