// Package openai implements inference.Service on the OpenAI chat
// completions API. It also serves OpenAI-compatible servers (vLLM, LM
// Studio, llama.cpp) through the BaseURL override.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net"

	sdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/becomeliminal/mnemo/core"
	"github.com/becomeliminal/mnemo/inference"
)

// Config configures the OpenAI backend.
type Config struct {
	// APIKey authenticates against the API. Required.
	APIKey string

	// Model selects the model (default gpt-4o).
	Model string

	// BaseURL overrides the API endpoint, for proxies and compatible
	// servers.
	BaseURL string
}

// Client implements inference.Service.
type Client struct {
	client sdk.Client
	model  string
}

// New creates an OpenAI-backed inference client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("APIKey is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{client: sdk.NewClient(opts...), model: cfg.Model}, nil
}

// Complete sends the context and returns the first choice's text. The SDK
// already retries transient failures internally.
func (c *Client) Complete(ctx context.Context, messages []core.Message, temperature float64) (string, error) {
	converted := make([]sdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case core.RoleSystem:
			converted = append(converted, sdk.SystemMessage(msg.Content))
		case core.RoleUser:
			converted = append(converted, sdk.UserMessage(msg.Content))
		case core.RoleAssistant:
			converted = append(converted, sdk.AssistantMessage(msg.Content))
		}
	}

	params := sdk.ChatCompletionNewParams{
		Messages:    converted,
		Model:       c.model,
		Temperature: sdk.Float(temperature),
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: response has no choices", inference.ErrBackend)
	}
	return resp.Choices[0].Message.Content, nil
}

// classify maps SDK failures onto the shared error kinds.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", inference.ErrTimeout, err)
	}
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		return fmt.Errorf("%w: status %d: %v", inference.ErrBackend, apierr.StatusCode, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", inference.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", inference.ErrUnreachable, err)
}
