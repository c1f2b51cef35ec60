package adapter

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicHandler calls Claude models through the Messages API.
type AnthropicHandler struct {
	client    anthropic.Client
	maxTokens int
}

// NewAnthropicHandler creates a new Anthropic handler.
func NewAnthropicHandler(apiKey, baseURL string, maxTokens int) (*AnthropicHandler, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicHandler{client: anthropic.NewClient(opts...), maxTokens: maxTokens}, nil
}

// Call sends the prompt to Claude.
func (h *AnthropicHandler) Call(ctx context.Context, payload map[string]any, modelID string, _ map[string]any) Result {
	prompt := PromptOf(payload)
	if prompt == "" {
		return Fail(ReasonBadPayload, false)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelID),
		MaxTokens: int64(MaxTokensOf(payload, h.maxTokens)),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system, _ := payload["system"].(string); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := h.client.Messages.New(ctx, params)
	if err != nil {
		return FailErr(fmt.Errorf("anthropic API error: %w", err))
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	return Succeed(content, int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens))
}
