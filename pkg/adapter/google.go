package adapter

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GoogleHandler calls Gemini models.
type GoogleHandler struct {
	client    *genai.Client
	maxTokens int
}

// NewGoogleHandler creates a new Gemini handler.
func NewGoogleHandler(apiKey, baseURL string, maxTokens int) (*GoogleHandler, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google API key is required")
	}

	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions.BaseURL = baseURL
	}
	client, err := genai.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}
	return &GoogleHandler{client: client, maxTokens: maxTokens}, nil
}

// Call sends the prompt to Gemini.
func (h *GoogleHandler) Call(ctx context.Context, payload map[string]any, modelID string, _ map[string]any) Result {
	prompt := PromptOf(payload)
	if prompt == "" {
		return Fail(ReasonBadPayload, false)
	}
	cfg := &genai.GenerateContentConfig{MaxOutputTokens: int32(MaxTokensOf(payload, h.maxTokens))}
	if system, _ := payload["system"].(string); system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	resp, err := h.client.Models.GenerateContent(ctx, modelID, genai.Text(prompt), cfg)
	if err != nil {
		return FailErr(fmt.Errorf("google API error: %w", err))
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return Fail(ReasonEmptyResponse, true)
	}

	var content string
	if resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != "" {
				content += part.Text
			}
		}
	}
	var in, out int
	if resp.UsageMetadata != nil {
		in = int(resp.UsageMetadata.PromptTokenCount)
		out = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return Succeed(content, in, out)
}
