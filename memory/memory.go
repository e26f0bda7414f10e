package memory

import (
	"context"
	"errors"

	"github.com/becomeliminal/mnemo/core"
)

// ErrEmbeddingUnavailable reports that the embedding backend could not
// produce a vector. Embedder implementations wrap their transport and
// backend failures in it; everything above treats it as a signal to degrade
// (skip the row, skip retrieval), never as a reason to fail a chat turn.
var ErrEmbeddingUnavailable = errors.New("embedding backend unavailable")

// Embedder turns text into a fixed-size unit vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// HistorySource supplies the stored message log of a conversation, oldest
// first. The conversation store implements it; tests substitute fixtures.
type HistorySource interface {
	Messages(conversationID string) []core.Message
}

// Config tunes retrieval and context assembly. Zero numeric and string
// fields fall back to DefaultConfig; CrossConversation is taken as given.
type Config struct {
	// MaxRecentMessages is the sliding window budget, counting the incoming
	// user message. At most MaxRecentMessages-1 stored messages are carried
	// verbatim.
	MaxRecentMessages int

	// RetrievalTopK is the number of retrieved messages kept after ranking.
	RetrievalTopK int

	// SimilarityThreshold drops candidates whose composite score falls
	// below it. Compared against the final score, after decay and the
	// cross-conversation discount.
	SimilarityThreshold float64

	// CrossConversation extends retrieval to other conversations of the
	// same instance. DefaultConfig enables it.
	CrossConversation bool

	// Persona is the base system prompt the synthesized preamble wraps.
	Persona string

	// CachePersistEvery is the number of new cache entries between
	// persistence snapshots.
	CachePersistEvery int
}

// DefaultConfig is the tuning used when no explicit Config is given.
var DefaultConfig = Config{
	MaxRecentMessages:   16,
	RetrievalTopK:       10,
	SimilarityThreshold: 0.3,
	CrossConversation:   true,
	Persona:             DefaultPersona,
	CachePersistEvery:   100,
}

func (c Config) withDefaults() Config {
	if c.MaxRecentMessages <= 0 {
		c.MaxRecentMessages = DefaultConfig.MaxRecentMessages
	}
	if c.RetrievalTopK <= 0 {
		c.RetrievalTopK = DefaultConfig.RetrievalTopK
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = DefaultConfig.SimilarityThreshold
	}
	if c.Persona == "" {
		c.Persona = DefaultConfig.Persona
	}
	if c.CachePersistEvery <= 0 {
		c.CachePersistEvery = DefaultConfig.CachePersistEvery
	}
	return c
}
