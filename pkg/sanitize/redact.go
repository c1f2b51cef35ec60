package sanitize

import (
	"regexp"
	"strings"
)

// DefaultReplacement is substituted for every redacted span.
const DefaultReplacement = "[redacted]"

var defaultSensitiveKeys = []string{
	"authorization",
	"proxy-authorization",
	"api_key",
	"apikey",
	"x-api-key",
	"access_token",
	"refresh_token",
	"auth_token",
	"password",
	"secret",
	"cookie",
}

// Patterns are applied in order; keep the ordering stable so output is
// deterministic.
var defaultValuePatterns = []string{
	`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`,
	`eyJ[A-Za-z0-9_-]{4,}\.[A-Za-z0-9_-]{4,}\.[A-Za-z0-9_-]*`,
	`sk-(?:ant-|proj-)?[A-Za-z0-9_-]{12,}`,
	`AIza[0-9A-Za-z_-]{20,}`,
	`(?i)\b(api[_-]?key|access[_-]?token|secret|password)\s*[:=]\s*["']?[^\s"',;]+`,
}

// RedactorConfig configures a Redactor. Empty fields fall back to defaults.
type RedactorConfig struct {
	SensitiveKeys []string
	ValuePatterns []string
	Replacement   string
}

// Redactor masks secrets in strings and in JSON-like maps.
type Redactor struct {
	sensitiveKeys map[string]struct{}
	valuePatterns []*regexp.Regexp
	replacement   string
}

var defaultRedactor = mustRedactor(RedactorConfig{})

// Default returns the shared redactor with the built-in rule set.
func Default() *Redactor {
	return defaultRedactor
}

func mustRedactor(cfg RedactorConfig) *Redactor {
	r, err := NewRedactor(cfg)
	if err != nil {
		panic(err)
	}
	return r
}

// NewRedactor compiles cfg.
func NewRedactor(cfg RedactorConfig) (*Redactor, error) {
	keys := cfg.SensitiveKeys
	if len(keys) == 0 {
		keys = defaultSensitiveKeys
	}
	sensitive := make(map[string]struct{}, len(keys))
	for _, name := range keys {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		sensitive[strings.ToLower(trimmed)] = struct{}{}
	}

	sources := cfg.ValuePatterns
	if len(sources) == 0 {
		sources = defaultValuePatterns
	}
	patterns := make([]*regexp.Regexp, 0, len(sources))
	for _, pattern := range sources {
		trimmed := strings.TrimSpace(pattern)
		if trimmed == "" {
			continue
		}
		re, err := regexp.Compile(trimmed)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, re)
	}

	replacement := strings.TrimSpace(cfg.Replacement)
	if replacement == "" {
		replacement = DefaultReplacement
	}
	return &Redactor{sensitiveKeys: sensitive, valuePatterns: patterns, replacement: replacement}, nil
}

// String masks every pattern match in s.
func (r *Redactor) String(s string) string {
	if r == nil || s == "" {
		return s
	}
	for _, re := range r.valuePatterns {
		s = re.ReplaceAllString(s, r.replacement)
	}
	return s
}

// Value returns a copy of v with sensitive map keys masked and every string
// scrubbed. Maps and slices are copied; other values are returned as is.
func (r *Redactor) Value(v any) any {
	if r == nil {
		return v
	}
	switch val := v.(type) {
	case string:
		return r.String(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if _, ok := r.sensitiveKeys[strings.ToLower(k)]; ok {
				out[k] = r.replacement
				continue
			}
			out[k] = r.Value(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.Value(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = r.String(item)
		}
		return out
	default:
		return v
	}
}

// Map is Value for a map.
func (r *Redactor) Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return r.Value(m).(map[string]any)
}

// Error returns the scrubbed message of err, or "" for nil.
func (r *Redactor) Error(err error) string {
	if err == nil {
		return ""
	}
	return r.String(err.Error())
}
