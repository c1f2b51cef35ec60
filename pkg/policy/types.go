package policy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tier names.
const (
	TierFree = "free"
	TierAuth = "auth"
	TierPaid = "paid"
)

// FreeAlias in a routing order expands to routing.free_order.
const FreeAlias = "free"

// DefaultIntent is consulted when neither the intent nor its base has a route.
const DefaultIntent = "default"

// ToolSupport describes whether a provider or model accepts tool payloads.
type ToolSupport string

const (
	ToolsNative     ToolSupport = "native"
	ToolsViaAdapter ToolSupport = "via_adapter"
	ToolsNone       ToolSupport = "false"
)

// Supported reports whether tools may be forwarded.
func (t ToolSupport) Supported() bool {
	return t == ToolsNative || t == ToolsViaAdapter
}

// UnmarshalJSON accepts the string forms plus JSON booleans.
func (t *ToolSupport) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		if b {
			*t = ToolsNative
		} else {
			*t = ToolsNone
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("tool_support must be a string or boolean")
	}
	parsed, err := ParseToolSupport(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseToolSupport parses a tool_support string.
func ParseToolSupport(s string) (ToolSupport, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "native", "true":
		return ToolsNative, nil
	case "via_adapter":
		return ToolsViaAdapter, nil
	case "false", "none":
		return ToolsNone, nil
	default:
		return "", fmt.Errorf("unknown tool_support %q", s)
	}
}

// Model is a concrete backend served by a provider.
type Model struct {
	ID            string       `json:"id"`
	MaxInputChars *int         `json:"maxInputChars,omitempty"`
	ToolSupport   *ToolSupport `json:"tool_support,omitempty"`
}

// Fits reports whether a prompt of n characters is within the model limit.
func (m Model) Fits(n int) bool {
	return m.MaxInputChars == nil || *m.MaxInputChars >= n
}

// Provider is a configured model-serving endpoint.
type Provider struct {
	ID              string       `json:"-"`
	Enabled         *bool        `json:"enabled,omitempty"`
	Paid            bool         `json:"paid"`
	Tier            string       `json:"tier"`
	Type            string       `json:"type"`
	Models          []Model      `json:"models"`
	ToolSupport     *ToolSupport `json:"tool_support,omitempty"`
	BaseURL         string       `json:"base_url,omitempty"`
	APIKeyEnv       string       `json:"api_key_env,omitempty"`
	AcceptsOAuthJWT bool         `json:"accepts_oauth_jwt,omitempty"`
	RequiresNetwork *bool        `json:"requires_network,omitempty"`
	TimeoutSec      int          `json:"timeout_sec,omitempty"`
}

// IsEnabled reports the enabled flag; providers are enabled unless disabled.
func (p *Provider) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// NeedsNetwork reports whether calls to the provider leave the host.
// Mock providers are local unless configured otherwise.
func (p *Provider) NeedsNetwork() bool {
	if p.RequiresNetwork != nil {
		return *p.RequiresNetwork
	}
	return p.Type != "mock"
}

// EffectiveTier returns the tier, falling back to paid/free from the paid flag.
func (p *Provider) EffectiveTier() string {
	if p.Tier != "" {
		return p.Tier
	}
	if p.Paid {
		return TierPaid
	}
	return TierFree
}

// Model returns the model with the given id.
func (p *Provider) Model(id string) (Model, bool) {
	for _, m := range p.Models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// CircuitBreaker holds breaker defaults.
type CircuitBreaker struct {
	FailureThreshold int      `json:"failureThreshold"`
	CooldownSec      int      `json:"cooldownSec"`
	WindowSec        int      `json:"windowSec"`
	FailOn           []string `json:"failOn,omitempty"`
}

// Defaults holds policy-wide defaults.
type Defaults struct {
	MaxTokensPerRequest int            `json:"maxTokensPerRequest"`
	CircuitBreaker      CircuitBreaker `json:"circuitBreaker"`
	TimeoutSec          int            `json:"timeoutSec,omitempty"`
}

// IntentBudget holds daily limits for an intent. A nil limit is unlimited.
type IntentBudget struct {
	DailyTokenBudget *int64 `json:"dailyTokenBudget,omitempty"`
	DailyCallBudget  *int64 `json:"dailyCallBudget,omitempty"`
	MaxCallsPerRun   *int64 `json:"maxCallsPerRun,omitempty"`
}

// TierBudget holds daily limits for a tier. A nil limit is unlimited.
type TierBudget struct {
	DailyTokenBudget *int64 `json:"dailyTokenBudget,omitempty"`
	DailyCallBudget  *int64 `json:"dailyCallBudget,omitempty"`
}

// Budgets groups intent and tier budgets.
type Budgets struct {
	Intents map[string]IntentBudget `json:"intents"`
	Tiers   map[string]TierBudget   `json:"tiers"`
}

// IntentRoute is the routing entry for an intent.
type IntentRoute struct {
	Order     []string `json:"order"`
	AllowPaid bool     `json:"allowPaid"`
}

// Routing holds provider orders.
type Routing struct {
	FreeOrder []string               `json:"free_order"`
	Intents   map[string]IntentRoute `json:"intents"`
}

// Policy is a parsed and validated llm_policy.json.
type Policy struct {
	Version   any                  `json:"version"`
	Defaults  Defaults             `json:"defaults"`
	Budgets   Budgets              `json:"budgets"`
	Providers map[string]*Provider `json:"providers"`
	Routing   Routing              `json:"routing"`

	// Raw is the parsed document after lenient repairs. Unknown keys that
	// lenient mode retained are visible here.
	Raw map[string]any `json:"-"`
	// Warnings lists lenient-mode repairs and retained unknown keys.
	Warnings []string `json:"-"`
	// Source is the file the policy was loaded from.
	Source string `json:"-"`
}

// Provider returns the provider with the given id.
func (p *Policy) Provider(id string) (*Provider, bool) {
	prov, ok := p.Providers[id]
	return prov, ok
}

// BaseIntent strips a colon suffix: "teamchat:planner" -> "teamchat".
func BaseIntent(intent string) string {
	if i := strings.IndexByte(intent, ':'); i >= 0 {
		return intent[:i]
	}
	return intent
}

// Route resolves the routing entry for intent: the full intent, then its
// base, then the default entry. key names the entry that matched.
func (p *Policy) Route(intent string) (route IntentRoute, key string, ok bool) {
	for _, candidate := range []string{intent, BaseIntent(intent), DefaultIntent} {
		if r, found := p.Routing.Intents[candidate]; found {
			return r, candidate, true
		}
	}
	return IntentRoute{}, "", false
}

// ExpandOrder replaces the free alias with routing.free_order and drops
// duplicates, keeping the first occurrence.
func (p *Policy) ExpandOrder(order []string) []string {
	out := make([]string, 0, len(order)+len(p.Routing.FreeOrder))
	seen := make(map[string]struct{})
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range order {
		if id == FreeAlias {
			for _, free := range p.Routing.FreeOrder {
				add(free)
			}
			continue
		}
		add(id)
	}
	return out
}

// IntentBudget returns the budget for an intent, keyed by base intent.
func (p *Policy) IntentBudget(intent string) (IntentBudget, bool) {
	if b, ok := p.Budgets.Intents[intent]; ok {
		return b, true
	}
	b, ok := p.Budgets.Intents[BaseIntent(intent)]
	return b, ok
}

// TierBudget returns the budget for a tier.
func (p *Policy) TierBudget(tier string) (TierBudget, bool) {
	b, ok := p.Budgets.Tiers[tier]
	return b, ok
}
