package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"google.golang.org/genai"
)

// AdapterError wraps provider errors with status metadata.
type AdapterError struct {
	Status    int
	Temporary bool
	Err       error
}

func (e *AdapterError) Error() string {
	if e == nil {
		return "adapter error"
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("adapter error (status=%d)", e.Status)
}

func (e *AdapterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// StatusOf extracts an HTTP status from adapter and SDK errors, or 0.
func StatusOf(err error) int {
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) && adapterErr.Status != 0 {
		return adapterErr.Status
	}
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return anthropicErr.StatusCode
	}
	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return openaiErr.StatusCode
	}
	var googleErr genai.APIError
	if errors.As(err, &googleErr) {
		return googleErr.Code
	}
	return 0
}

// IsTransient reports whether an error is safe to retry on another attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) && adapterErr.Temporary {
		return true
	}
	status := StatusOf(err)
	return status == 429 || (status >= 500 && status <= 599)
}
