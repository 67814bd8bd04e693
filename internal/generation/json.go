package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrDecode is wrapped when the reply was generated but is not valid JSON for
// the target type.
var ErrDecode = errors.New("json response parse failed")

// JSONResult holds a parsed JSON response with its metadata.
type JSONResult[T any] struct {
	Data     T
	Response *Response
}

// GenerateJSON calls the endpoint and strictly decodes the reply as T.
// A reply wrapped in a single markdown code fence is unwrapped first; any
// other deviation is an ErrDecode error. On ErrDecode the result still
// carries the response so callers can fall back to lenient parsing.
func GenerateJSON[T any](ctx context.Context, e Endpoint, req Request) (*JSONResult[T], error) {
	resp, err := e.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("json generation failed: %w", err)
	}
	if resp == nil || strings.TrimSpace(resp.Text) == "" {
		return nil, ErrEmptyResponse
	}

	res := &JSONResult[T]{Response: resp}
	body := StripFence(resp.Text)
	if err := json.Unmarshal([]byte(body), &res.Data); err != nil {
		return res, fmt.Errorf("%w (content=%q): %v", ErrDecode, truncateForError(body, 200), err)
	}
	return res, nil
}

// StripFence removes one surrounding ``` fence (with optional language tag).
func StripFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	nl := strings.IndexByte(t, '\n')
	if nl < 0 {
		return t
	}
	t = t[nl+1:]
	if end := strings.LastIndex(t, "```"); end >= 0 {
		t = t[:end]
	}
	return strings.TrimSpace(t)
}

// truncateForError truncates content for error messages.
func truncateForError(content string, maxLen int) string {
	if len(content) <= maxLen {
		return content
	}
	return content[:maxLen] + "...[truncated]"
}
