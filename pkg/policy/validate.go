package policy

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ValidationError reports a policy that does not satisfy the schema. In
// strict mode it is the only error the router lets cross its public boundary.
type ValidationError struct {
	Path     string
	Problems []string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "policy validation failed"
	}
	where := ""
	if e.Path != "" {
		where = " (" + e.Path + ")"
	}
	return fmt.Sprintf("policy validation failed%s: %s", where, strings.Join(e.Problems, "; "))
}

type keySet map[string]struct{}

func newKeySet(keys ...string) keySet {
	s := make(keySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func (s keySet) has(k string) bool {
	_, ok := s[k]
	return ok
}

func (s keySet) sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var (
	intentBudgetKeys   = newKeySet("dailyTokenBudget", "dailyCallBudget", "maxCallsPerRun")
	tierBudgetKeys     = newKeySet("dailyTokenBudget", "dailyCallBudget")
	circuitBreakerKeys = newKeySet("failureThreshold", "cooldownSec", "windowSec", "failOn")
	intentRouteKeys    = newKeySet("order", "allowPaid")
)

// keyAliases maps misspellings seen in hand-edited policies to the key they
// were meant to be. Lenient mode copies the value over; anything not listed
// is retained untouched and reported.
var keyAliases = map[string]string{
	"dailyTokenBudgte":   "dailyTokenBudget",
	"dailyTokenBuget":    "dailyTokenBudget",
	"dailyTokensBudget":  "dailyTokenBudget",
	"dailyTokenBudjet":   "dailyTokenBudget",
	"daily_token_budget": "dailyTokenBudget",
	"dailyTokenLimit":    "dailyTokenBudget",
	"tokenBudget":        "dailyTokenBudget",
	"dailyCallBudgte":    "dailyCallBudget",
	"dailyCallBuget":     "dailyCallBudget",
	"dailyCallsBudget":   "dailyCallBudget",
	"daily_call_budget":  "dailyCallBudget",
	"dailyCallLimit":     "dailyCallBudget",
	"callBudget":         "dailyCallBudget",
	"maxCallPerRun":      "maxCallsPerRun",
	"maxCallsPerrun":     "maxCallsPerRun",
	"maxCallsPerRn":      "maxCallsPerRun",
	"max_calls_per_run":  "maxCallsPerRun",
	"failureTreshold":    "failureThreshold",
	"failure_threshold":  "failureThreshold",
	"cooldownSecs":       "cooldownSec",
	"cooldown_sec":       "cooldownSec",
	"windowSecs":         "windowSec",
	"window_sec":         "windowSec",
	"fail_on":            "failOn",
	"allow_paid":         "allowPaid",
	"allowpaid":          "allowPaid",
}

// DefaultFailOn is used when circuitBreaker.failOn is absent.
var DefaultFailOn = []string{"transient", "terminal"}

type checker struct {
	strict   bool
	problems []string
	warnings []string
}

func (c *checker) problem(format string, args ...any) {
	c.problems = append(c.problems, fmt.Sprintf(format, args...))
}

func (c *checker) warn(format string, args ...any) {
	c.warnings = append(c.warnings, fmt.Sprintf(format, args...))
}

// checkKeys enforces the allowed key set of a recognized object. Strict mode
// rejects unknown keys. Lenient mode repairs known aliases in place and keeps
// the original key.
func (c *checker) checkKeys(path string, obj map[string]any, allowed keySet) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if allowed.has(k) {
			continue
		}
		if c.strict {
			c.problem("%s: unknown key %q", path, k)
			continue
		}
		target, ok := keyAliases[k]
		if ok && allowed.has(target) {
			if _, exists := obj[target]; !exists {
				obj[target] = obj[k]
				c.warn("%s: repaired key %q to %q", path, k, target)
				continue
			}
		}
		c.warn("%s: retained unknown key %q", path, k)
	}
}

func asObject(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

func asStringList(v any) ([]string, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// validate checks raw against the policy schema, applying lenient repairs to
// raw in place.
func validate(raw map[string]any, strict bool) (warnings []string, problems []string) {
	c := &checker{strict: strict}

	if _, ok := raw["version"]; !ok {
		c.problem("version is required")
	}

	c.validateDefaults(raw["defaults"])
	c.validateBudgets(raw["budgets"])
	providers := c.validateProviders(raw["providers"])
	c.validateRouting(raw["routing"], providers)

	return c.warnings, c.problems
}

func (c *checker) validateDefaults(v any) {
	defaults, ok := asObject(v)
	if !ok {
		c.problem("defaults is required and must be an object")
		return
	}
	if n, ok := asInt(defaults["maxTokensPerRequest"]); !ok || n <= 0 {
		c.problem("defaults.maxTokensPerRequest must be a positive integer")
	}
	if t, present := defaults["timeoutSec"]; present {
		if n, ok := asInt(t); !ok || n < 0 {
			c.problem("defaults.timeoutSec must be a non-negative integer")
		}
	}

	cb, ok := asObject(defaults["circuitBreaker"])
	if !ok {
		c.problem("defaults.circuitBreaker is required and must be an object")
		return
	}
	c.checkKeys("defaults.circuitBreaker", cb, circuitBreakerKeys)
	if n, ok := asInt(cb["failureThreshold"]); !ok || n < 1 {
		c.problem("defaults.circuitBreaker.failureThreshold must be an integer >= 1")
	}
	for _, key := range []string{"cooldownSec", "windowSec"} {
		if n, ok := asInt(cb[key]); !ok || n < 0 {
			c.problem("defaults.circuitBreaker.%s must be a non-negative integer", key)
		}
	}
	if failOn, present := cb["failOn"]; present {
		if _, ok := asStringList(failOn); !ok {
			c.problem("defaults.circuitBreaker.failOn must be a list of strings")
		}
	}
}

func (c *checker) validateBudgets(v any) {
	budgets, ok := asObject(v)
	if !ok {
		c.problem("budgets is required and must be an object")
		return
	}
	c.validateBudgetGroup(budgets, "intents", intentBudgetKeys)
	c.validateBudgetGroup(budgets, "tiers", tierBudgetKeys)
}

func (c *checker) validateBudgetGroup(budgets map[string]any, group string, allowed keySet) {
	entries, ok := asObject(budgets[group])
	if !ok {
		c.problem("budgets.%s is required and must be an object", group)
		return
	}
	for _, name := range sortedKeys(entries) {
		path := fmt.Sprintf("budgets.%s.%s", group, name)
		entry, ok := asObject(entries[name])
		if !ok {
			c.problem("%s must be an object", path)
			continue
		}
		c.checkKeys(path, entry, allowed)
		for _, key := range allowed.sorted() {
			value, present := entry[key]
			if !present || value == nil {
				continue
			}
			if n, ok := asInt(value); !ok || n < 0 {
				c.problem("%s.%s must be a non-negative integer", path, key)
			}
		}
	}
}

func (c *checker) validateProviders(v any) map[string]struct{} {
	known := make(map[string]struct{})
	providers, ok := asObject(v)
	if !ok {
		c.problem("providers is required and must be an object")
		return known
	}
	for _, id := range sortedKeys(providers) {
		known[id] = struct{}{}
		path := "providers." + id
		prov, ok := asObject(providers[id])
		if !ok {
			c.problem("%s must be an object", path)
			continue
		}
		if ts, present := prov["tool_support"]; present {
			c.checkToolSupport(path+".tool_support", ts)
		}
		if tier, present := prov["tier"]; present {
			switch tier {
			case TierFree, TierAuth, TierPaid:
			default:
				c.problem("%s.tier must be one of free, auth, paid", path)
			}
		}
		models, ok := prov["models"].([]any)
		if !ok {
			c.problem("%s.models must be a list", path)
			continue
		}
		for i, m := range models {
			mpath := fmt.Sprintf("%s.models[%d]", path, i)
			model, ok := asObject(m)
			if !ok {
				c.problem("%s must be an object", mpath)
				continue
			}
			if id, ok := model["id"].(string); !ok || id == "" {
				c.problem("%s.id must be a non-empty string", mpath)
			}
			if mic, present := model["maxInputChars"]; present && mic != nil {
				if n, ok := asInt(mic); !ok || n < 0 {
					c.problem("%s.maxInputChars must be a non-negative integer", mpath)
				}
			}
			if ts, present := model["tool_support"]; present {
				c.checkToolSupport(mpath+".tool_support", ts)
			}
		}
	}
	return known
}

func (c *checker) checkToolSupport(path string, v any) {
	switch ts := v.(type) {
	case bool:
	case string:
		if _, err := ParseToolSupport(ts); err != nil {
			c.problem("%s: %v", path, err)
		}
	default:
		c.problem("%s must be a string or boolean", path)
	}
}

func (c *checker) validateRouting(v any, providers map[string]struct{}) {
	routing, ok := asObject(v)
	if !ok {
		c.problem("routing is required and must be an object")
		return
	}

	freeOrder, ok := asStringList(routing["free_order"])
	if !ok {
		c.problem("routing.free_order is required and must be a list of strings")
	}
	for _, id := range freeOrder {
		if _, known := providers[id]; !known {
			c.problem("routing.free_order references unknown provider %q", id)
		}
	}

	intents, ok := asObject(routing["intents"])
	if !ok {
		c.problem("routing.intents is required and must be an object")
		return
	}
	for _, name := range sortedKeys(intents) {
		path := "routing.intents." + name
		route, ok := asObject(intents[name])
		if !ok {
			c.problem("%s must be an object", path)
			continue
		}
		c.checkKeys(path, route, intentRouteKeys)
		order, ok := asStringList(route["order"])
		if !ok {
			c.problem("%s.order must be a list of strings", path)
			continue
		}
		for _, id := range order {
			if id == FreeAlias {
				continue
			}
			if _, known := providers[id]; !known {
				c.problem("%s.order references unknown provider %q", path, id)
			}
		}
		if ap, present := route["allowPaid"]; present {
			if _, ok := ap.(bool); !ok {
				c.problem("%s.allowPaid must be a boolean", path)
			}
		}
	}
}
