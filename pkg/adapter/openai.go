package adapter

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIHandler calls chat completion endpoints: OpenAI itself and any
// compatible server (vLLM, Ollama, DeepSeek) via baseURL.
type OpenAIHandler struct {
	client    openai.Client
	maxTokens int
}

// NewOpenAIHandler creates a new OpenAI-compatible handler.
func NewOpenAIHandler(apiKey, baseURL string, maxTokens int) (*OpenAIHandler, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIHandler{client: openai.NewClient(opts...), maxTokens: maxTokens}, nil
}

// Call sends the prompt as a single user message.
func (h *OpenAIHandler) Call(ctx context.Context, payload map[string]any, modelID string, _ map[string]any) Result {
	prompt := PromptOf(payload)
	if prompt == "" {
		return Fail(ReasonBadPayload, false)
	}
	var messages []openai.ChatCompletionMessageParamUnion
	if system, _ := payload["system"].(string); system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(prompt))

	resp, err := h.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(modelID),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(MaxTokensOf(payload, h.maxTokens))),
	})
	if err != nil {
		return FailErr(fmt.Errorf("openai API error: %w", err))
	}
	if len(resp.Choices) == 0 {
		return Fail(ReasonEmptyResponse, true)
	}
	return Succeed(resp.Choices[0].Message.Content, int(resp.Usage.PromptTokens), int(resp.Usage.CompletionTokens))
}
