// Package openai embeds text through the OpenAI embeddings API. The default
// model, text-embedding-3-small, supports shortening its output, so the
// vector size is requested to match whatever the rest of the system expects.
package openai

import (
	"context"
	"fmt"
	"math"

	sdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/becomeliminal/mnemo/memory"
)

// Config configures the OpenAI embedder.
type Config struct {
	// APIKey authenticates against the API. Required.
	APIKey string

	// Model is the embedding model (default text-embedding-3-small).
	Model string

	// Dimensions is the requested vector size (default 384, matching the
	// local sentence-transformer models this can substitute for).
	Dimensions int

	// BaseURL overrides the API endpoint, for proxies and compatible
	// servers.
	BaseURL string
}

// OpenAIEmbedder calls the embeddings endpoint one text at a time.
type OpenAIEmbedder struct {
	client     sdk.Client
	model      string
	dimensions int
}

// New creates an OpenAI embedder.
func New(cfg Config) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("APIKey is required")
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 384
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIEmbedder{
		client:     sdk.NewClient(opts...),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}, nil
}

// Embed requests a vector for text and unit-normalizes it. Failures are
// reported as ErrEmbeddingUnavailable.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	params := sdk.EmbeddingNewParams{
		Input: sdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
		Model: e.model,
	}
	if e.dimensions > 0 {
		params.Dimensions = sdk.Int(int64(e.dimensions))
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", memory.ErrEmbeddingUnavailable, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: empty response", memory.ErrEmbeddingUnavailable)
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return normalize(vec), nil
}

// Dimensions returns the requested vector size.
func (e *OpenAIEmbedder) Dimensions() int {
	return e.dimensions
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}
