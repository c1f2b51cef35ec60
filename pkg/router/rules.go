package router

import (
	"sort"
	"strings"
)

// CapabilityRules maps explicit trigger phrases ("use chatgpt") to the
// provider that should be tried first.
type CapabilityRules struct {
	// Ordered by trigger length, longest first, so specific phrases win.
	rules []capabilityRule
}

type capabilityRule struct {
	trigger  string
	provider string
}

// NewCapabilityRules compiles trigger -> provider pairs.
func NewCapabilityRules(triggers map[string]string) *CapabilityRules {
	cr := &CapabilityRules{}
	for trigger, provider := range triggers {
		trigger = strings.ToLower(strings.TrimSpace(trigger))
		if trigger == "" || provider == "" {
			continue
		}
		cr.rules = append(cr.rules, capabilityRule{trigger: trigger, provider: provider})
	}
	sort.Slice(cr.rules, func(i, j int) bool {
		if len(cr.rules[i].trigger) != len(cr.rules[j].trigger) {
			return len(cr.rules[i].trigger) > len(cr.rules[j].trigger)
		}
		return cr.rules[i].trigger < cr.rules[j].trigger
	})
	return cr
}

// Match returns the provider named by the first trigger found in text.
func (cr *CapabilityRules) Match(text string) (provider, trigger string, ok bool) {
	if cr == nil || len(cr.rules) == 0 {
		return "", "", false
	}
	lower := strings.ToLower(text)
	for _, rule := range cr.rules {
		if containsTrigger(lower, rule.trigger) {
			return rule.provider, rule.trigger, true
		}
	}
	return "", "", false
}

// containsTrigger checks if the prompt contains the trigger phrase.
// It looks for the trigger as a word or phrase boundary match.
func containsTrigger(prompt, trigger string) bool {
	idx := strings.Index(prompt, trigger)
	if idx == -1 {
		return false
	}

	// Check word boundary before trigger
	if idx > 0 {
		prev := prompt[idx-1]
		if isWordChar(prev) {
			return false
		}
	}

	// Check word boundary after trigger
	endIdx := idx + len(trigger)
	if endIdx < len(prompt) {
		next := prompt[endIdx]
		if isWordChar(next) {
			return false
		}
	}

	return true
}

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}
