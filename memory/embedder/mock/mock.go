// Package mock provides a deterministic embedder for tests and offline
// development. Vectors are derived purely from the text hash: the same text
// always embeds identically, different texts almost never collide, and no
// model or network is involved.
package mock

import (
	"context"
	"hash/fnv"
	"math"
)

// DefaultDimensions matches the all-MiniLM-L6-v2 output size so the mock
// can stand in for the real sentence embedder without reconfiguration.
const DefaultDimensions = 384

// MockEmbedder generates hash-seeded pseudo-random unit vectors.
type MockEmbedder struct {
	dimensions int
}

// New returns a mock embedder producing DefaultDimensions-sized vectors.
func New() *MockEmbedder {
	return &MockEmbedder{dimensions: DefaultDimensions}
}

// NewWithDimensions returns a mock embedder with a custom vector size.
func NewWithDimensions(dimensions int) *MockEmbedder {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	return &MockEmbedder{dimensions: dimensions}
}

// Embed maps text to its deterministic unit vector. The FNV-1a hash of the
// text seeds a linear congruential generator whose stream fills the vector
// with values in [-1, 1] before normalization.
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, m.dimensions)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(vec), nil
}

// Dimensions returns the vector size Embed produces.
func (m *MockEmbedder) Dimensions() int {
	return m.dimensions
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
