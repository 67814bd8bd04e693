// Package generation defines the capability drydock dispatches phases to and
// provides the default Anthropic-backed implementation.
package generation

import (
	"context"
	"errors"
)

// StopReasonMaxTokens is reported when the output hit the token ceiling.
const StopReasonMaxTokens = "max_tokens"

// ErrEmptyResponse is returned when the endpoint produced no text.
var ErrEmptyResponse = errors.New("empty response from generation endpoint")

// Request is one generation call. MaxTokens is the enforced ceiling and is
// always computed by the caller.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Response carries the generated text and provider usage.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
	StopReason   string
}

// Truncated reports whether the output stopped at the ceiling. Output that
// fills maxTokens counts regardless of the reported stop reason.
func (r *Response) Truncated(maxTokens int) bool {
	if r.StopReason == StopReasonMaxTokens {
		return true
	}
	return maxTokens > 0 && r.OutputTokens >= maxTokens
}

// HasUsage reports whether the provider returned usage data.
func (r *Response) HasUsage() bool {
	return r.InputTokens > 0 || r.OutputTokens > 0
}

// Endpoint generates text for a request.
type Endpoint interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// EndpointFunc adapts a function to Endpoint.
type EndpointFunc func(ctx context.Context, req Request) (*Response, error)

// Generate calls f.
func (f EndpointFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Clamp caps reported output at the enforced ceiling so that recorded
// output never exceeds actual_max_tokens.
func Clamp(resp *Response, maxTokens int) *Response {
	if resp == nil || maxTokens <= 0 || resp.OutputTokens <= maxTokens {
		return resp
	}
	c := *resp
	c.OutputTokens = maxTokens
	c.StopReason = StopReasonMaxTokens
	return &c
}
