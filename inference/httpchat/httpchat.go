// Package httpchat talks to a plain HTTP chat-completion endpoint:
//
//	POST {base}/chat
//	{"messages": [{"role": ..., "content": ...}], "temperature": 0.7}
//	-> {"response": "..."}
//
// This is the protocol spoken by simple self-hosted model servers; it
// carries no auth and no streaming.
package httpchat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/becomeliminal/mnemo/core"
	"github.com/becomeliminal/mnemo/inference"
)

// Config configures the client.
type Config struct {
	// BaseURL of the model server. Required.
	BaseURL string

	// Timeout per completion request (default 60s; local models are slow).
	Timeout time.Duration
}

// Client implements inference.Service over the plain HTTP protocol.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client. The server is not contacted until the first
// Complete call.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("BaseURL is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages    []wireMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Response string `json:"response"`
}

// Complete sends the context and returns the generated reply.
func (c *Client) Complete(ctx context.Context, messages []core.Message, temperature float64) (string, error) {
	payload := chatRequest{
		Messages:    make([]wireMessage, 0, len(messages)),
		Temperature: temperature,
	}
	for _, msg := range messages {
		payload.Messages = append(payload.Messages, wireMessage{Role: string(msg.Role), Content: msg.Content})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: status %d: %s", inference.ErrBackend, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: failed to parse response: %v", inference.ErrBackend, err)
	}
	return parsed.Response, nil
}

// classify maps transport failures onto the shared error kinds: deadline
// expiry is a timeout, everything else that prevented a response means the
// backend is unreachable.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", inference.ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", inference.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", inference.ErrUnreachable, err)
}
