package generation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig configures the Anthropic endpoint.
type AnthropicConfig struct {
	Model string
	// APIKeyEnv names the environment variable holding the key.
	APIKeyEnv string
	Logger    *slog.Logger
}

// AnthropicEndpoint implements Endpoint with the Anthropic Messages API.
type AnthropicEndpoint struct {
	client *anthropic.Client
	model  string
	logger *slog.Logger
}

// NewAnthropicEndpoint creates an endpoint. It fails when the API key is unset.
func NewAnthropicEndpoint(cfg AnthropicConfig) (*AnthropicEndpoint, error) {
	envVar := cfg.APIKeyEnv
	if envVar == "" {
		envVar = "ANTHROPIC_API_KEY"
	}
	apiKey := strings.TrimSpace(os.Getenv(envVar))
	if apiKey == "" {
		return nil, fmt.Errorf("%s is not set", envVar)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("generation model is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicEndpoint{
		client: &client,
		model:  cfg.Model,
		logger: logger,
	}, nil
}

// Generate sends one message and collects the text blocks of the reply.
func (a *AnthropicEndpoint) Generate(ctx context.Context, req Request) (*Response, error) {
	if req.MaxTokens <= 0 {
		return nil, fmt.Errorf("max tokens must be positive, got %d", req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(req.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	start := time.Now()
	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages call: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	resp := &Response{
		Text:         text.String(),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		StopReason:   string(msg.StopReason),
	}
	a.logger.Debug("generation complete",
		"model", a.model,
		"max_tokens", req.MaxTokens,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"stop_reason", resp.StopReason,
		"duration", time.Since(start),
	)
	return Clamp(resp, req.MaxTokens), nil
}
