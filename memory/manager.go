package memory

import (
	"context"

	"github.com/becomeliminal/mnemo/memory/index"
)

// Manager ties the embedding cache, the per-conversation vector indexes and
// the stored conversation log together behind the two operations the chat
// engine needs: rebuild the memory of a conversation, and assemble the
// context for the next turn.
type Manager struct {
	cache   *EmbeddingCache
	indexes *index.Manager
	source  HistorySource
	config  Config
}

// NewManager builds a Manager. A nil config selects DefaultConfig; a partial
// one is filled in field by field.
func NewManager(cache *EmbeddingCache, indexes *index.Manager, source HistorySource, config *Config) *Manager {
	cfg := DefaultConfig
	if config != nil {
		cfg = config.withDefaults()
	}
	return &Manager{
		cache:   cache,
		indexes: indexes,
		source:  source,
		config:  cfg,
	}
}

// Rebuild reconstructs the conversation's vector index from the stored log.
// Called after every mutation. The previous index is replaced wholesale,
// which keeps index rows and the row-to-message map consistent by
// construction.
func (m *Manager) Rebuild(ctx context.Context, conversationID string) error {
	return m.indexes.Build(ctx, conversationID, m.source.Messages(conversationID))
}

// DeleteConversation drops the conversation's index. Cache entries are keyed
// by content hash and may be shared with other conversations, so they stay.
func (m *Manager) DeleteConversation(conversationID string) {
	m.indexes.Delete(conversationID)
}

// Cache exposes the embedding cache, for flushing at shutdown.
func (m *Manager) Cache() *EmbeddingCache { return m.cache }

// Index exposes the index manager, for snapshot persistence and stats.
func (m *Manager) Index() *index.Manager { return m.indexes }

// DefaultPersona is the system prompt used when no explicit persona is
// configured. The synthesized preamble wraps it with retrieved background.
const DefaultPersona = `You are a professional counselor with years of experience in supportive conversation. You listen carefully, acknowledge what the person is feeling, and offer grounded, practical guidance without lecturing.

Keep your tone warm, calm and respectful. Ask a clarifying question when it would genuinely help. Draw on what the person has shared before when it is relevant, but never recite their words back at them.`
