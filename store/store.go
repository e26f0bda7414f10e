// Package store keeps the conversation log: every conversation's full
// message history plus its metadata, held in memory for reads and written
// through to bbolt on every mutation.
//
// The store is the single source of truth for message content and ids.
// Vector indexes and caches are derived data; the store also persists their
// snapshots, as opaque bytes, so they can be reattached at startup.
package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/becomeliminal/mnemo/core"
)

// titleRunes is how much of the first user message becomes the fallback
// conversation title.
const titleRunes = 50

// Store holds every conversation in memory and mirrors mutations to disk.
// All methods are safe for concurrent use.
type Store struct {
	dir string

	mu            sync.RWMutex
	conversations map[string]*core.Conversation

	bolt boltBackend
}

// Open loads the store from dir, creating it when absent. Unreadable or
// corrupt database files are logged, moved aside and replaced; opening
// never fails on bad data, only on a genuinely unusable directory.
func Open(dir string) (*Store, error) {
	s := &Store{
		dir:           dir,
		conversations: make(map[string]*core.Conversation),
	}
	if err := s.bolt.open(dir); err != nil {
		return nil, err
	}
	loaded := s.bolt.loadConversations()
	for id, conv := range loaded {
		s.conversations[id] = conv
	}
	return s, nil
}

// Close flushes and closes the underlying databases.
func (s *Store) Close() error {
	return s.bolt.close()
}

// Append adds messages to the conversation, creating it on first use.
// Messages that carry an id already present in the log are skipped, so
// replaying the same batch is harmless. Ids, timestamps and the
// conversation id are filled in where missing; metadata and the bbolt
// record are updated before Append returns.
func (s *Store) Append(conversationID string, messages []core.Message) error {
	if conversationID == "" {
		return fmt.Errorf("append: conversation id is empty")
	}

	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		conv = &core.Conversation{
			ID:       conversationID,
			Metadata: core.Metadata{CreatedAt: core.Now()},
		}
		s.conversations[conversationID] = conv
	}

	existing := make(map[string]struct{}, len(conv.Messages))
	for _, msg := range conv.Messages {
		if msg.ID != "" {
			existing[msg.ID] = struct{}{}
		}
	}

	added := 0
	for _, msg := range messages {
		if msg.ID != "" {
			if _, dup := existing[msg.ID]; dup {
				continue
			}
		}
		normalized := normalizeMessage(conversationID, len(conv.Messages), msg)
		conv.Messages = append(conv.Messages, normalized)
		existing[normalized.ID] = struct{}{}
		added++
	}
	if added > 0 {
		touch(conv)
	}
	record := *conv
	s.mu.Unlock()

	if added > 0 {
		s.bolt.saveConversation(&record)
	}
	return nil
}

// Sync replaces the conversation's entire message list with the one the
// client holds, normalizing each message on the way in. CreatedAt survives
// from the prior record unless the client supplies its own; the title is
// taken from the client or derived from the first user message.
func (s *Store) Sync(conversationID string, messages []core.Message, metadata *core.Metadata) error {
	if conversationID == "" {
		return fmt.Errorf("sync: conversation id is empty")
	}

	normalized := make([]core.Message, 0, len(messages))
	for i, msg := range messages {
		normalized = append(normalized, normalizeMessage(conversationID, i, msg))
	}

	s.mu.Lock()
	meta := core.Metadata{}
	if prior, ok := s.conversations[conversationID]; ok {
		meta.CreatedAt = prior.Metadata.CreatedAt
	}
	if metadata != nil {
		if metadata.CreatedAt != "" {
			meta.CreatedAt = metadata.CreatedAt
		}
		meta.Title = metadata.Title
	}
	if meta.CreatedAt == "" {
		meta.CreatedAt = core.Now()
	}
	conv := &core.Conversation{ID: conversationID, Messages: normalized, Metadata: meta}
	touch(conv)
	s.conversations[conversationID] = conv
	record := *conv
	s.mu.Unlock()

	s.bolt.saveConversation(&record)
	return nil
}

// Delete removes the conversation and everything persisted for it,
// including its vector snapshot. Deleting an unknown conversation reports
// ErrConversationNotFound.
func (s *Store) Delete(conversationID string) error {
	s.mu.Lock()
	_, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("delete %s: %w", conversationID, core.ErrConversationNotFound)
	}
	delete(s.conversations, conversationID)
	s.mu.Unlock()

	s.bolt.deleteConversation(conversationID)
	return nil
}

// Get returns a copy of the conversation.
func (s *Store) Get(conversationID string) (core.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return core.Conversation{}, false
	}
	out := *conv
	out.Messages = make([]core.Message, len(conv.Messages))
	copy(out.Messages, conv.Messages)
	return out, true
}

// Messages returns a copy of the conversation's message log, oldest first.
// An unknown conversation yields nil.
func (s *Store) Messages(conversationID string) []core.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	out := make([]core.Message, len(conv.Messages))
	copy(out, conv.Messages)
	return out
}

// List returns a summary per conversation, most recently updated first.
func (s *Store) List() []core.Summary {
	s.mu.RLock()
	summaries := make([]core.Summary, 0, len(s.conversations))
	for _, conv := range s.conversations {
		summaries = append(summaries, core.Summary{
			ID:           conv.ID,
			Title:        conv.Metadata.Title,
			MessageCount: len(conv.Messages),
			CreatedAt:    conv.Metadata.CreatedAt,
			UpdatedAt:    conv.Metadata.UpdatedAt,
		})
	}
	s.mu.RUnlock()

	sort.SliceStable(summaries, func(i, j int) bool {
		ti, _ := core.ParseTimestamp(summaries[i].UpdatedAt)
		tj, _ := core.ParseTimestamp(summaries[j].UpdatedAt)
		if ti.Equal(tj) {
			return summaries[i].ID < summaries[j].ID
		}
		return ti.After(tj)
	})
	return summaries
}

// Stats reports the conversation's stored counters. IndexedCount is zero
// here; the engine overlays the live index size.
func (s *Store) Stats(conversationID string) (core.Stats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return core.Stats{}, false
	}
	return core.Stats{
		ID:           conv.ID,
		MessageCount: len(conv.Messages),
		Title:        conv.Metadata.Title,
		CreatedAt:    conv.Metadata.CreatedAt,
		UpdatedAt:    conv.Metadata.UpdatedAt,
	}, true
}

// IDs returns every conversation id in sorted order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len reports the number of conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// SaveVectorSnapshot persists the conversation's encoded index.
func (s *Store) SaveVectorSnapshot(conversationID string, data []byte) {
	s.bolt.saveVectorSnapshot(conversationID, data)
}

// LoadVectorSnapshot returns the conversation's persisted index, if any.
func (s *Store) LoadVectorSnapshot(conversationID string) ([]byte, bool) {
	return s.bolt.loadVectorSnapshot(conversationID)
}

// SaveEmbeddingCache persists the full embedding cache contents.
func (s *Store) SaveEmbeddingCache(entries map[string][]float32) error {
	return s.bolt.saveEmbeddingCache(entries)
}

// LoadEmbeddingCache restores the persisted embedding cache. Individual
// malformed entries are skipped; only a database-level failure is an error.
func (s *Store) LoadEmbeddingCache() (map[string][]float32, error) {
	return s.bolt.loadEmbeddingCache()
}

// normalizeMessage fills in whatever the incoming message is missing: a
// positional id, the canonical timestamp, its owning conversation. Unknown
// roles become user, the safe reading for client-authored content.
func normalizeMessage(conversationID string, position int, msg core.Message) core.Message {
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("%s_%d", conversationID, position)
	}
	if !msg.Role.Valid() {
		msg.Role = core.RoleUser
	}
	if msg.Timestamp == "" {
		msg.Timestamp = core.Now()
	}
	msg.ConversationID = conversationID
	return msg
}

// touch refreshes the conversation's derived metadata after a mutation.
func touch(conv *core.Conversation) {
	conv.Metadata.UpdatedAt = core.Now()
	conv.Metadata.MessageCount = len(conv.Messages)
	if conv.Metadata.Title == "" {
		conv.Metadata.Title = titleFor(conv.Messages)
	}
}

// titleFor derives a title from the first non-empty user message.
func titleFor(messages []core.Message) string {
	for _, msg := range messages {
		if msg.Role != core.RoleUser {
			continue
		}
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		runes := []rune(content)
		if len(runes) > titleRunes {
			runes = runes[:titleRunes]
		}
		return string(runes)
	}
	return ""
}
