package generation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClamp(t *testing.T) {
	t.Parallel()

	resp := &Response{OutputTokens: 9000, StopReason: "end_turn"}
	clamped := Clamp(resp, 8192)
	assert.Equal(t, 8192, clamped.OutputTokens)
	assert.True(t, clamped.Truncated(8192))
	assert.Equal(t, 9000, resp.OutputTokens, "input is not mutated")

	within := &Response{OutputTokens: 100}
	assert.Same(t, within, Clamp(within, 8192))
	assert.Nil(t, Clamp(nil, 10))
}

func TestResponse_Flags(t *testing.T) {
	t.Parallel()
	assert.True(t, (&Response{StopReason: StopReasonMaxTokens}).Truncated(0))
	assert.False(t, (&Response{StopReason: "end_turn", OutputTokens: 99}).Truncated(100))
	assert.True(t, (&Response{StopReason: "end_turn", OutputTokens: 100}).Truncated(100), "full ceiling is truncation")
	assert.False(t, (&Response{StopReason: "end_turn", OutputTokens: 100}).Truncated(0), "no ceiling")
	assert.False(t, (&Response{}).HasUsage())
	assert.True(t, (&Response{InputTokens: 1}).HasUsage())
}

func TestRateLimited_PassesThrough(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	inner := EndpointFunc(func(_ context.Context, req Request) (*Response, error) {
		calls.Add(1)
		return &Response{Text: req.Prompt}, nil
	})

	rl := NewRateLimited(inner, 0, 0)
	for i := 0; i < 5; i++ {
		resp, err := rl.Generate(context.Background(), Request{Prompt: "hi", MaxTokens: 10})
		require.NoError(t, err)
		assert.Equal(t, "hi", resp.Text)
	}
	assert.Equal(t, int32(5), calls.Load())
}

func TestRateLimited_HonoursContext(t *testing.T) {
	t.Parallel()

	inner := EndpointFunc(func(context.Context, Request) (*Response, error) {
		return &Response{}, nil
	})
	// One request per minute with burst 1: the second call must wait.
	rl := NewRateLimited(inner, 1, 1)
	_, err := rl.Generate(context.Background(), Request{MaxTokens: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = rl.Generate(ctx, Request{MaxTokens: 1})
	require.Error(t, err)
}

func TestNewAnthropicEndpoint_RequiresKey(t *testing.T) {
	t.Setenv("DRYDOCK_TEST_EMPTY_KEY", "")
	_, err := NewAnthropicEndpoint(AnthropicConfig{Model: "m", APIKeyEnv: "DRYDOCK_TEST_EMPTY_KEY"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DRYDOCK_TEST_EMPTY_KEY")

	t.Setenv("DRYDOCK_TEST_KEY", "sk-test")
	_, err = NewAnthropicEndpoint(AnthropicConfig{APIKeyEnv: "DRYDOCK_TEST_KEY"})
	require.Error(t, err, "model is required")

	e, err := NewAnthropicEndpoint(AnthropicConfig{Model: "m", APIKeyEnv: "DRYDOCK_TEST_KEY"})
	require.NoError(t, err)
	_, err = e.Generate(context.Background(), Request{Prompt: "x"})
	require.Error(t, err, "zero max tokens rejected before any network call")
}

type analysis struct {
	Summary string `json:"summary"`
	Score   int    `json:"score"`
}

func TestGenerateJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		text    string
		err     error
		want    analysis
		wantErr bool
	}{
		{name: "plain", text: `{"summary":"ok","score":3}`, want: analysis{"ok", 3}},
		{name: "fenced", text: "```json\n{\"summary\":\"f\",\"score\":1}\n```", want: analysis{"f", 1}},
		{name: "empty", text: "  ", wantErr: true},
		{name: "prose", text: "Sure! here it is", wantErr: true},
		{name: "endpoint error", err: errors.New("boom"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := EndpointFunc(func(context.Context, Request) (*Response, error) {
				if tt.err != nil {
					return nil, tt.err
				}
				return &Response{Text: tt.text, OutputTokens: 5}, nil
			})
			res, err := GenerateJSON[analysis](context.Background(), e, Request{MaxTokens: 100})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Data)
			assert.Equal(t, 5, res.Response.OutputTokens)
		})
	}
}

func TestGenerateJSON_DecodeErrorKeepsResponse(t *testing.T) {
	t.Parallel()

	e := EndpointFunc(func(context.Context, Request) (*Response, error) {
		return &Response{Text: `{"summary": "x",}`, OutputTokens: 7}, nil
	})
	res, err := GenerateJSON[analysis](context.Background(), e, Request{MaxTokens: 100})
	require.ErrorIs(t, err, ErrDecode)
	require.NotNil(t, res)
	assert.Equal(t, 7, res.Response.OutputTokens)

	nilResp := EndpointFunc(func(context.Context, Request) (*Response, error) { return nil, nil })
	_, err = GenerateJSON[analysis](context.Background(), nilResp, Request{MaxTokens: 100})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestStripFence(t *testing.T) {
	t.Parallel()
	assert.Equal(t, `{"a":1}`, StripFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripFence("  {\"a\":1}  "))
	assert.Equal(t, "```", StripFence("```"))
}
