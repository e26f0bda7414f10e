// Package anthropic implements inference.Service on the Anthropic Messages
// API. System messages are lifted into the dedicated system field; the rest
// of the context maps one-to-one onto API turns.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/becomeliminal/mnemo/core"
	"github.com/becomeliminal/mnemo/inference"
)

const defaultModel = "claude-sonnet-4-20250514"

// Retry policy for transient API failures. Overloaded and rate-limited
// responses are worth a short wait; everything else fails through
// immediately.
const (
	maxRetries  = 3
	initBackoff = 500 * time.Millisecond
	maxBackoff  = 8 * time.Second
)

// Config configures the Anthropic backend.
type Config struct {
	// APIKey authenticates against the API. Required.
	APIKey string

	// Model selects the model (default claude-sonnet-4-20250514).
	Model string

	// MaxTokens bounds the reply length (default 4096).
	MaxTokens int

	// BaseURL overrides the API endpoint, for proxies.
	BaseURL string
}

// Client implements inference.Service.
type Client struct {
	client    *sdk.Client
	model     string
	maxTokens int64
}

// New creates an Anthropic-backed inference client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("APIKey is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := sdk.NewClient(opts...)
	return &Client{
		client:    &client,
		model:     cfg.Model,
		maxTokens: int64(cfg.MaxTokens),
	}, nil
}

// Complete sends the context and returns the concatenated text blocks of
// the reply. Transient failures (429, 5xx) are retried with backoff up to
// maxRetries before giving up.
func (c *Client) Complete(ctx context.Context, messages []core.Message, temperature float64) (string, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.maxTokens,
	}

	var system []sdk.TextBlockParam
	converted := make([]sdk.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case core.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: msg.Content})
		case core.RoleUser:
			converted = append(converted, sdk.NewUserMessage(sdk.NewTextBlock(msg.Content)))
		case core.RoleAssistant:
			converted = append(converted, sdk.NewAssistantMessage(sdk.NewTextBlock(msg.Content)))
		}
	}
	params.Messages = converted
	if len(system) > 0 {
		params.System = system
	}
	// The Messages API caps temperature at 1.
	if temperature > 1 {
		temperature = 1
	}
	params.Temperature = sdk.Float(temperature)

	backoff := initBackoff
	var resp *sdk.Message
	var err error
	for attempt := 0; ; attempt++ {
		resp, err = c.client.Messages.New(ctx, params)
		if err == nil {
			break
		}
		if attempt >= maxRetries || !retryable(err) {
			return "", classify(err)
		}
		log.Printf("[INFER] anthropic attempt %d/%d failed, retrying in %v: %v", attempt+1, maxRetries, backoff, err)
		select {
		case <-ctx.Done():
			return "", classify(ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

func retryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode == 429 || apierr.StatusCode >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
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
