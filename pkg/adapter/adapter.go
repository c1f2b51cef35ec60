package adapter

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/zen-systems/openclaw/pkg/policy"
)

// Handler invokes one provider. Implementations report failures through the
// returned Result rather than an error.
type Handler interface {
	Call(ctx context.Context, payload map[string]any, modelID string, meta map[string]any) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload map[string]any, modelID string, meta map[string]any) Result

// Call implements Handler.
func (f HandlerFunc) Call(ctx context.Context, payload map[string]any, modelID string, meta map[string]any) Result {
	return f(ctx, payload, modelID, meta)
}

// Provider types understood by New.
const (
	TypeMock         = "mock"
	TypeAnthropic    = "anthropic"
	TypeOpenAI       = "openai"
	TypeOpenAICompat = "openai_compat"
	TypeGoogle       = "google"
)

var defaultKeyEnv = map[string]string{
	TypeAnthropic: "ANTHROPIC_API_KEY",
	TypeOpenAI:    "OPENAI_API_KEY",
	TypeGoogle:    "GOOGLE_API_KEY",
}

// Options configure handler construction.
type Options struct {
	// MaxTokens caps completions when the payload does not set max_tokens.
	MaxTokens int
	// Getenv resolves API key variables. Defaults to os.Getenv.
	Getenv func(string) string
}

func (o Options) getenv(key string) string {
	if o.Getenv != nil {
		return o.Getenv(key)
	}
	return os.Getenv(key)
}

// New builds the handler for a provider based on its type.
func New(p *policy.Provider, opts Options) (Handler, error) {
	if p == nil {
		return nil, fmt.Errorf("provider is required")
	}
	keyEnv := p.APIKeyEnv
	if keyEnv == "" {
		keyEnv = defaultKeyEnv[p.Type]
	}
	apiKey := ""
	if keyEnv != "" {
		apiKey = strings.TrimSpace(opts.getenv(keyEnv))
	}

	switch p.Type {
	case TypeMock:
		return NewMockHandler(), nil
	case TypeAnthropic:
		return NewAnthropicHandler(apiKey, p.BaseURL, opts.MaxTokens)
	case TypeOpenAI:
		return NewOpenAIHandler(apiKey, p.BaseURL, opts.MaxTokens)
	case TypeOpenAICompat:
		if p.BaseURL == "" {
			return nil, fmt.Errorf("provider %s: base_url is required for openai_compat", p.ID)
		}
		if apiKey == "" {
			// Local servers such as vLLM accept any key.
			apiKey = "none"
		}
		return NewOpenAIHandler(apiKey, p.BaseURL, opts.MaxTokens)
	case TypeGoogle:
		return NewGoogleHandler(apiKey, p.BaseURL, opts.MaxTokens)
	default:
		return nil, fmt.Errorf("provider %s: unsupported type %q", p.ID, p.Type)
	}
}

// Registry maps provider ids to handlers.
type Registry struct {
	handlers map[string]Handler
	// Unavailable records why a provider has no handler.
	Unavailable map[string]error
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler), Unavailable: make(map[string]error)}
}

// Register installs h for provider id.
func (r *Registry) Register(id string, h Handler) {
	r.handlers[id] = h
	delete(r.Unavailable, id)
}

// Get returns the handler for provider id.
func (r *Registry) Get(id string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	h, ok := r.handlers[id]
	return h, ok
}

// IDs returns the registered provider ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FromPolicy builds handlers for every enabled provider. Providers whose
// handler cannot be built are recorded in Unavailable.
func FromPolicy(pol *policy.Policy, opts Options) *Registry {
	reg := NewRegistry()
	if opts.MaxTokens == 0 {
		opts.MaxTokens = pol.Defaults.MaxTokensPerRequest
	}
	for id, p := range pol.Providers {
		if !p.IsEnabled() {
			continue
		}
		h, err := New(p, opts)
		if err != nil {
			reg.Unavailable[id] = err
			continue
		}
		reg.Register(id, h)
	}
	return reg
}
