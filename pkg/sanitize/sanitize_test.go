package sanitize

import (
	"errors"
	"strings"
	"testing"

	"github.com/zen-systems/openclaw/pkg/policy"
)

func support(t policy.ToolSupport) *policy.ToolSupport { return &t }

func TestPayloadToolResolution(t *testing.T) {
	tools := []any{map[string]any{"name": "search"}}
	tests := []struct {
		name     string
		provider *policy.Provider
		model    string
		payload  map[string]any
		keep     bool
	}{
		{
			name:     "unset is unsupported",
			provider: &policy.Provider{Models: []policy.Model{{ID: "m"}}},
			model:    "m",
			payload:  map[string]any{"prompt": "x", "tools": tools, "tool_choice": "auto"},
		},
		{
			name:     "provider native",
			provider: &policy.Provider{ToolSupport: support(policy.ToolsNative), Models: []policy.Model{{ID: "m"}}},
			model:    "m",
			payload:  map[string]any{"prompt": "x", "tools": tools, "tool_choice": "auto"},
			keep:     true,
		},
		{
			name: "model overrides provider",
			provider: &policy.Provider{
				ToolSupport: support(policy.ToolsNative),
				Models:      []policy.Model{{ID: "m", ToolSupport: support(policy.ToolsNone)}},
			},
			model:   "m",
			payload: map[string]any{"prompt": "x", "tools": tools, "tool_choice": "auto"},
		},
		{
			name:     "model via adapter",
			provider: &policy.Provider{Models: []policy.Model{{ID: "m", ToolSupport: support(policy.ToolsViaAdapter)}}},
			model:    "m",
			payload:  map[string]any{"prompt": "x", "tools": tools, "tool_choice": "auto"},
			keep:     true,
		},
		{
			name:     "empty tools dropped",
			provider: &policy.Provider{ToolSupport: support(policy.ToolsNative)},
			model:    "m",
			payload:  map[string]any{"prompt": "x", "tools": []any{}, "tool_choice": "auto"},
		},
		{
			name:     "non-list tools dropped",
			provider: &policy.Provider{ToolSupport: support(policy.ToolsNative)},
			model:    "m",
			payload:  map[string]any{"prompt": "x", "tools": "search", "tool_choice": "auto"},
		},
		{
			name:    "nil provider",
			model:   "m",
			payload: map[string]any{"prompt": "x", "tools": tools},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Payload(tt.payload, tt.provider, tt.model)
			_, hasTools := out[KeyTools]
			_, hasChoice := out[KeyToolChoice]
			if tt.keep && (!hasTools || !hasChoice) {
				t.Fatalf("expected tool fields to survive: %v", out)
			}
			if !tt.keep && (hasTools || hasChoice) {
				t.Fatalf("expected tool fields removed: %v", out)
			}
			if out["prompt"] != "x" {
				t.Fatalf("prompt lost: %v", out)
			}
			if _, ok := tt.payload[KeyTools]; !ok {
				t.Fatalf("input payload must not be modified")
			}
		})
	}
}

func TestRedactString(t *testing.T) {
	r := Default()
	tests := []struct {
		in     string
		secret string
	}{
		{in: "Authorization: Bearer abc.def-123", secret: "abc.def-123"},
		{in: "key sk-ant-REDACTME123456789", secret: "sk-ant-REDACTME123456789"},
		{in: "token eyJhbGciOi.eyJzdWIiOi.sig", secret: "eyJhbGciOi"},
		{in: "api_key=hunter2hunter2", secret: "hunter2hunter2"},
	}
	for _, tt := range tests {
		got := r.String(tt.in)
		if strings.Contains(got, tt.secret) || !strings.Contains(got, DefaultReplacement) {
			t.Fatalf("redact %q: got %q", tt.in, got)
		}
	}
	if got := r.String("plain text"); got != "plain text" {
		t.Fatalf("unexpected change: %q", got)
	}
}

func TestRedactValue(t *testing.T) {
	in := map[string]any{
		"Authorization": "anything",
		"nested":        map[string]any{"note": "Bearer xyz123", "n": 3},
		"list":          []any{"sk-abcdefghijklmnop", "ok"},
	}
	out := Default().Map(in)
	if out["Authorization"] != DefaultReplacement {
		t.Fatalf("expected sensitive key masked: %v", out)
	}
	nested := out["nested"].(map[string]any)
	if nested["note"] == "Bearer xyz123" || nested["n"] != 3 {
		t.Fatalf("unexpected nested result: %v", nested)
	}
	list := out["list"].([]any)
	if list[0] != DefaultReplacement || list[1] != "ok" {
		t.Fatalf("unexpected list result: %v", list)
	}
	if in["Authorization"] != "anything" {
		t.Fatalf("input must not be modified")
	}
	if got := Default().Error(errors.New("401 for Bearer tok123")); strings.Contains(got, "tok123") {
		t.Fatalf("error not redacted: %s", got)
	}
}

func TestNewRedactorRejectsBadPattern(t *testing.T) {
	if _, err := NewRedactor(RedactorConfig{ValuePatterns: []string{"("}}); err == nil {
		t.Fatalf("expected compile error")
	}
}
