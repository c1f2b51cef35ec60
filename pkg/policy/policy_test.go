package policy

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/zen-systems/openclaw/pkg/events"
)

const basePolicy = `{
  "version": 1,
  "defaults": {
    "maxTokensPerRequest": 4096,
    "circuitBreaker": {"failureThreshold": 3, "cooldownSec": 60, "windowSec": 60}
  },
  "budgets": {
    "intents": {
      "coding": {"dailyTokenBudget": 100000, "dailyCallBudget": 50, "maxCallsPerRun": 10}
    },
    "tiers": {
      "paid": {"dailyTokenBudget": 5000, "dailyCallBudget": 5}
    }
  },
  "providers": {
    "mock": {"enabled": true, "paid": false, "tier": "free", "type": "mock",
             "models": [{"id": "mock-small", "maxInputChars": 10}, {"id": "mock-large", "tool_support": "native"}]},
    "local": {"enabled": true, "paid": false, "tier": "free", "type": "openai_compat",
              "base_url": "http://127.0.0.1:8000/v1", "models": [{"id": "qwen"}]},
    "claude": {"enabled": true, "paid": true, "tier": "paid", "type": "anthropic",
               "tool_support": true, "models": [{"id": "claude-sonnet-4-20250514"}]}
  },
  "routing": {
    "free_order": ["mock", "local"],
    "intents": {
      "coding": {"order": ["free", "claude"], "allowPaid": true},
      "default": {"order": ["mock"]}
    }
  }
}`

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "llm_policy.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func TestLoadValidPolicy(t *testing.T) {
	path := writePolicy(t, basePolicy)
	pol, err := NewLoader(true, nil).Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if pol.Defaults.CircuitBreaker.FailureThreshold != 3 {
		t.Fatalf("unexpected breaker defaults: %+v", pol.Defaults.CircuitBreaker)
	}
	if !reflect.DeepEqual(pol.Defaults.CircuitBreaker.FailOn, DefaultFailOn) {
		t.Fatalf("expected default failOn, got %v", pol.Defaults.CircuitBreaker.FailOn)
	}
	mock, ok := pol.Provider("mock")
	if !ok || mock.ID != "mock" || mock.NeedsNetwork() {
		t.Fatalf("unexpected mock provider: %+v", mock)
	}
	claude, _ := pol.Provider("claude")
	if claude.ToolSupport == nil || *claude.ToolSupport != ToolsNative {
		t.Fatalf("expected boolean tool_support to map to native, got %v", claude.ToolSupport)
	}
	if !claude.NeedsNetwork() || claude.EffectiveTier() != TierPaid {
		t.Fatalf("unexpected claude provider: %+v", claude)
	}
	b, ok := pol.IntentBudget("coding:review")
	if !ok || b.DailyCallBudget == nil || *b.DailyCallBudget != 50 {
		t.Fatalf("expected base intent budget, got %+v", b)
	}
}

func TestRouteFallbackAndFreeExpansion(t *testing.T) {
	pol, err := Parse([]byte(basePolicy), true)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	tests := []struct {
		intent string
		key    string
		order  []string
	}{
		{intent: "coding", key: "coding", order: []string{"mock", "local", "claude"}},
		{intent: "coding:planner", key: "coding", order: []string{"mock", "local", "claude"}},
		{intent: "governance", key: "default", order: []string{"mock"}},
	}
	for _, tt := range tests {
		route, key, ok := pol.Route(tt.intent)
		if !ok || key != tt.key {
			t.Fatalf("%s: expected key %s, got %s (ok=%v)", tt.intent, tt.key, key, ok)
		}
		if got := pol.ExpandOrder(route.Order); !reflect.DeepEqual(got, tt.order) {
			t.Fatalf("%s: expected order %v, got %v", tt.intent, tt.order, got)
		}
	}
}

func typoPolicy() string {
	return strings.Replace(basePolicy, `"dailyTokenBudget": 100000`, `"dailyTokenBudgte": 25000`, 1)
}

func TestStrictRejectsUnknownBudgetKey(t *testing.T) {
	path := writePolicy(t, typoPolicy())
	_, err := NewLoader(true, nil).Load(path)

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Path != path || !strings.Contains(verr.Error(), "dailyTokenBudgte") {
		t.Fatalf("unexpected error: %v", verr)
	}
}

func TestLenientRepairsAliasAndKeepsTypo(t *testing.T) {
	path := writePolicy(t, typoPolicy())
	rec := &events.Recorder{}
	pol, err := NewLoader(false, rec).Load(path)
	if err != nil {
		t.Fatalf("lenient load: %v", err)
	}

	b, _ := pol.IntentBudget("coding")
	if b.DailyTokenBudget == nil || *b.DailyTokenBudget != 25000 {
		t.Fatalf("expected repaired dailyTokenBudget 25000, got %+v", b)
	}

	rawCoding := pol.Raw["budgets"].(map[string]any)["intents"].(map[string]any)["coding"].(map[string]any)
	if rawCoding["dailyTokenBudgte"] != json.Number("25000") || rawCoding["dailyTokenBudget"] != json.Number("25000") {
		t.Fatalf("expected both typo and repaired key in raw policy, got %v", rawCoding)
	}
	if len(rec.OfType(events.TypePolicyWarning)) != 1 {
		t.Fatalf("expected one policy warning event, got %+v", rec.Events())
	}

	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read policy: %v", err)
	}
	if string(onDisk) != typoPolicy() {
		t.Fatalf("lenient repair must not touch the file on disk")
	}
}

func TestLenientRetainsUnknownKey(t *testing.T) {
	content := strings.Replace(basePolicy, `"maxCallsPerRun": 10`, `"maxCallsPerRun": 10, "notes": "x"`, 1)
	pol, err := Parse([]byte(content), false)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(pol.Warnings) != 1 || !strings.Contains(pol.Warnings[0], "retained unknown key") {
		t.Fatalf("unexpected warnings: %v", pol.Warnings)
	}
}

func TestValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		problem string
	}{
		{
			name:    "unknown provider in order",
			mutate:  func(s string) string { return strings.Replace(s, `["free", "claude"]`, `["free", "ghost"]`, 1) },
			problem: `unknown provider "ghost"`,
		},
		{
			name:    "unknown provider in free order",
			mutate:  func(s string) string { return strings.Replace(s, `["mock", "local"]`, `["mock", "nope"]`, 1) },
			problem: `routing.free_order references unknown provider "nope"`,
		},
		{
			name:    "bad tool support",
			mutate:  func(s string) string { return strings.Replace(s, `"tool_support": "native"`, `"tool_support": "sometimes"`, 1) },
			problem: "unknown tool_support",
		},
		{
			name:    "negative budget",
			mutate:  func(s string) string { return strings.Replace(s, `"dailyCallBudget": 50`, `"dailyCallBudget": -1`, 1) },
			problem: "dailyCallBudget must be a non-negative integer",
		},
		{
			name:    "strict breaker key",
			mutate:  func(s string) string { return strings.Replace(s, `"windowSec": 60`, `"windowSec": 60, "halfOpen": true`, 1) },
			problem: `unknown key "halfOpen"`,
		},
		{
			name:    "invalid json",
			mutate:  func(s string) string { return s[:len(s)-2] },
			problem: "invalid JSON",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.mutate(basePolicy)), true)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if !strings.Contains(verr.Error(), tt.problem) {
				t.Fatalf("expected %q in %v", tt.problem, verr)
			}
		})
	}
}

func TestLoaderCachesByMtimeAndSize(t *testing.T) {
	path := writePolicy(t, basePolicy)
	loader := NewLoader(true, nil)

	first, err := loader.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	second, err := loader.Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if first != second {
		t.Fatalf("expected cached policy on unchanged file")
	}

	updated := strings.Replace(basePolicy, `"maxTokensPerRequest": 4096`, `"maxTokensPerRequest": 8192`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	third, err := loader.Load(path)
	if err != nil {
		t.Fatalf("load after change: %v", err)
	}
	if third == first || third.Defaults.MaxTokensPerRequest != 8192 {
		t.Fatalf("expected reparsed policy, got %+v", third.Defaults)
	}
}

func TestToolSupportUnmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want ToolSupport
	}{
		{in: `"native"`, want: ToolsNative},
		{in: `"via_adapter"`, want: ToolsViaAdapter},
		{in: `"false"`, want: ToolsNone},
		{in: `true`, want: ToolsNative},
		{in: `false`, want: ToolsNone},
	}
	for _, tt := range tests {
		var got ToolSupport
		if err := json.Unmarshal([]byte(tt.in), &got); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("unmarshal %s: expected %s, got %s", tt.in, tt.want, got)
		}
	}
	var bad ToolSupport
	if err := json.Unmarshal([]byte(`3`), &bad); err == nil {
		t.Fatalf("expected error for numeric tool_support")
	}
}

func TestRepoRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatalf("mkdir .git: %v", err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir nested: %v", err)
	}

	got, err := RepoRoot(nested)
	if err != nil {
		t.Fatalf("repo root: %v", err)
	}
	want, _ := filepath.Abs(root)
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if DefaultPath(got) != filepath.Join(want, "workspace", "policy", "llm_policy.json") {
		t.Fatalf("unexpected default path: %s", DefaultPath(got))
	}
}
