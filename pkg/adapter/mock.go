package adapter

import (
	"context"
	"fmt"
)

// MockHandler returns deterministic responses for offline runs and tests.
type MockHandler struct {
	responses       map[string]string
	defaultResponse string
}

// NewMockHandler creates a mock handler with the default response prefix.
func NewMockHandler() *MockHandler {
	return &MockHandler{
		responses:       make(map[string]string),
		defaultResponse: "mock response:",
	}
}

// NewMockHandlerWithResponses creates a mock handler with predefined responses.
func NewMockHandlerWithResponses(responses map[string]string, defaultResponse string) *MockHandler {
	if defaultResponse == "" {
		defaultResponse = "mock response:"
	}
	return &MockHandler{responses: responses, defaultResponse: defaultResponse}
}

// Call returns the canned response for the prompt, or echoes it.
func (h *MockHandler) Call(ctx context.Context, payload map[string]any, _ string, _ map[string]any) Result {
	if err := ctx.Err(); err != nil {
		return FailErr(err)
	}
	prompt := PromptOf(payload)
	content, ok := h.responses[prompt]
	if !ok {
		content = fmt.Sprintf("%s\n%s", h.defaultResponse, prompt)
	}
	return Succeed(content, estimateTokens(prompt), estimateTokens(content))
}

func estimateTokens(s string) int {
	n := len(s) / 4
	if n == 0 && s != "" {
		n = 1
	}
	return n
}
