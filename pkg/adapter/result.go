package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
)

// Reason codes reported by handlers.
const (
	ReasonMissingOK     = "missing_ok"
	ReasonHandlerFailed = "handler_failed"
	ReasonTimeout       = "timeout"
	ReasonCanceled      = "canceled"
	ReasonRateLimited   = "rate_limited"
	ReasonServerError   = "server_error"
	ReasonAuth          = "auth"
	ReasonClientError   = "client_error"
	ReasonEmptyResponse = "empty_response"
	ReasonBadPayload    = "bad_payload"
)

// Success is a completed provider call.
type Success struct {
	Text      string `json:"text,omitempty"`
	Parsed    any    `json:"parsed,omitempty"`
	TokensIn  *int   `json:"tokens_in,omitempty"`
	TokensOut *int   `json:"tokens_out,omitempty"`
}

// Failure is a failed provider call. Transient is nil when the handler did
// not classify the failure.
type Failure struct {
	ReasonCode string `json:"reason_code"`
	Transient  *bool  `json:"transient,omitempty"`
	Message    string `json:"message,omitempty"`
}

// IsTransient reports the classification, treating unset as terminal.
func (f *Failure) IsTransient() bool {
	return f != nil && f.Transient != nil && *f.Transient
}

// Result holds exactly one of Success or Failure.
type Result struct {
	Success *Success
	Failure *Failure
}

// OK reports whether the call succeeded.
func (r Result) OK() bool {
	return r.Success != nil && r.Failure == nil
}

// Succeed returns a successful result with text.
func Succeed(text string, tokensIn, tokensOut int) Result {
	return Result{Success: &Success{Text: text, TokensIn: &tokensIn, TokensOut: &tokensOut}}
}

// Fail returns a failure with an explicit classification.
func Fail(reasonCode string, transient bool) Result {
	return Result{Failure: &Failure{ReasonCode: reasonCode, Transient: &transient}}
}

// FailErr classifies err into a failure result.
func FailErr(err error) Result {
	f := Classify(err)
	return Result{Failure: &f}
}

// Classify maps an error to a reason code and transient flag.
func Classify(err error) Failure {
	transient := IsTransient(err)
	f := Failure{ReasonCode: ReasonHandlerFailed, Transient: &transient}
	if err != nil {
		f.Message = err.Error()
	}
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		f.ReasonCode = ReasonTimeout
	case errors.Is(err, context.Canceled):
		f.ReasonCode = ReasonCanceled
	default:
		switch status := StatusOf(err); {
		case status == 429:
			f.ReasonCode = ReasonRateLimited
		case status >= 500:
			f.ReasonCode = ReasonServerError
		case status == 401 || status == 403:
			f.ReasonCode = ReasonAuth
		case status >= 400:
			f.ReasonCode = ReasonClientError
		case transient:
			f.ReasonCode = ReasonTimeout
		}
	}
	return f
}

// FromMap decodes a loosely typed handler result. A missing ok field is a
// failure.
func FromMap(m map[string]any) Result {
	okVal, present := m["ok"]
	if !present {
		return Result{Failure: &Failure{ReasonCode: ReasonMissingOK}}
	}
	if ok, _ := okVal.(bool); !ok {
		f := &Failure{ReasonCode: ReasonHandlerFailed}
		if code, _ := m["reason_code"].(string); code != "" {
			f.ReasonCode = code
		}
		if t, isBool := m["transient"].(bool); isBool {
			f.Transient = &t
		}
		if msg, _ := m["error"].(string); msg != "" {
			f.Message = msg
		}
		return Result{Failure: f}
	}
	s := &Success{Parsed: m["parsed"]}
	s.Text, _ = m["text"].(string)
	s.TokensIn = intField(m["tokens_in"])
	s.TokensOut = intField(m["tokens_out"])
	return Result{Success: s}
}

// Map is the inverse of FromMap.
func (r Result) Map() map[string]any {
	if r.OK() {
		out := map[string]any{"ok": true}
		if r.Success.Text != "" {
			out["text"] = r.Success.Text
		}
		if r.Success.Parsed != nil {
			out["parsed"] = r.Success.Parsed
		}
		if r.Success.TokensIn != nil {
			out["tokens_in"] = *r.Success.TokensIn
		}
		if r.Success.TokensOut != nil {
			out["tokens_out"] = *r.Success.TokensOut
		}
		return out
	}
	out := map[string]any{"ok": false, "reason_code": ReasonHandlerFailed}
	if r.Failure != nil {
		out["reason_code"] = r.Failure.ReasonCode
		if r.Failure.Transient != nil {
			out["transient"] = *r.Failure.Transient
		}
	}
	return out
}

func intField(v any) *int {
	var n int
	switch val := v.(type) {
	case int:
		n = val
	case int64:
		n = int(val)
	case float64:
		n = int(val)
	case json.Number:
		i, err := strconv.Atoi(val.String())
		if err != nil {
			return nil
		}
		n = i
	default:
		return nil
	}
	return &n
}

// PromptOf returns payload["prompt"] as a string.
func PromptOf(payload map[string]any) string {
	s, _ := payload["prompt"].(string)
	return s
}

// MaxTokensOf returns payload["max_tokens"] or fallback.
func MaxTokensOf(payload map[string]any, fallback int) int {
	if n := intField(payload["max_tokens"]); n != nil && *n > 0 {
		return *n
	}
	if fallback <= 0 {
		return 4096
	}
	return fallback
}
