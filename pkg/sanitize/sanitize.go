// Package sanitize prunes request payloads to what a provider can accept and
// scrubs secrets from strings before they are logged or committed.
package sanitize

import "github.com/zen-systems/openclaw/pkg/policy"

// Payload keys that carry tool definitions.
const (
	KeyTools      = "tools"
	KeyToolChoice = "tool_choice"
)

// ToolSupportFor resolves tool support for a provider/model pair. The model
// setting wins, then the provider setting; anything unset is unsupported.
func ToolSupportFor(p *policy.Provider, modelID string) policy.ToolSupport {
	if p == nil {
		return policy.ToolsNone
	}
	if m, ok := p.Model(modelID); ok && m.ToolSupport != nil {
		return *m.ToolSupport
	}
	if p.ToolSupport != nil {
		return *p.ToolSupport
	}
	return policy.ToolsNone
}

// Payload returns a shallow copy of payload with tools and tool_choice
// removed unless the provider/model supports tools. Tools that are present
// but empty or not a list are always removed along with tool_choice.
func Payload(payload map[string]any, p *policy.Provider, modelID string) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	if !ToolSupportFor(p, modelID).Supported() {
		delete(out, KeyTools)
		delete(out, KeyToolChoice)
		return out
	}
	if tools, present := out[KeyTools]; present && !nonEmptyList(tools) {
		delete(out, KeyTools)
		delete(out, KeyToolChoice)
	}
	return out
}

func nonEmptyList(v any) bool {
	switch list := v.(type) {
	case []any:
		return len(list) > 0
	case []map[string]any:
		return len(list) > 0
	default:
		return false
	}
}
