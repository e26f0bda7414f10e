// Package engine composes the conversation store, the memory system and an
// inference backend into the chat flow: ingest, assemble context, complete,
// record, reindex. One engine serves every conversation of an instance.
package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/becomeliminal/mnemo/core"
	"github.com/becomeliminal/mnemo/inference"
	"github.com/becomeliminal/mnemo/memory"
	"github.com/becomeliminal/mnemo/store"
)

// DefaultTemperature is used when neither the engine nor the request
// specifies one.
const DefaultTemperature = 0.7

// Engine runs chat turns. Turns within one conversation are serialized;
// different conversations proceed in parallel.
type Engine struct {
	store     *store.Store
	memory    *memory.Manager
	inference inference.Service

	temperature float64

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures the engine.
type Option func(*Engine)

// WithTemperature sets the default sampling temperature for completions.
func WithTemperature(t float64) Option {
	return func(e *Engine) {
		e.temperature = t
	}
}

// New creates an engine over the given collaborators. The engine takes
// ownership of the store; Close releases it.
func New(st *store.Store, mem *memory.Manager, svc inference.Service, opts ...Option) *Engine {
	e := &Engine{
		store:       st,
		memory:      mem,
		inference:   svc,
		temperature: DefaultTemperature,
		locks:       make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ChatInput carries one chat turn into the engine.
type ChatInput struct {
	// ConversationID names the conversation. Empty starts a new one.
	ConversationID string

	// Message is the user's current message.
	Message string

	// History optionally bootstraps the conversation with a transcript the
	// client already holds. Messages whose ids are already stored are
	// skipped, so replaying a transcript is safe.
	History []core.Message

	// Temperature overrides the engine default for this turn.
	Temperature *float64
}

// ChatOutput is the result of one chat turn.
type ChatOutput struct {
	// Reply is the assistant's response.
	Reply string

	// ConversationID echoes the conversation, including a freshly minted
	// id when the input had none.
	ConversationID string
}

// HandleChat executes one turn: ingest the client's history, assemble the
// retrieval-augmented context, complete it, record the exchange and refresh
// the conversation's index. The reply is stored before the index rebuild,
// so a failed rebuild degrades retrieval but never loses the transcript.
func (e *Engine) HandleChat(ctx context.Context, input *ChatInput) (*ChatOutput, error) {
	if strings.TrimSpace(input.Message) == "" {
		return nil, core.ErrEmptyMessage
	}

	conversationID := input.ConversationID
	if conversationID == "" {
		conversationID = uuid.New().String()
		log.Printf("[ENGINE] starting conversation %s", conversationID)
	}

	unlock := e.lockConversation(conversationID)
	defer unlock()

	if len(input.History) > 0 {
		if err := e.store.Append(conversationID, input.History); err != nil {
			return nil, err
		}
	}

	history := e.store.Messages(conversationID)

	msgs, err := e.memory.BuildContext(ctx, conversationID, input.Message, history)
	if err != nil {
		return nil, err
	}

	temperature := e.temperature
	if input.Temperature != nil {
		temperature = *input.Temperature
	}

	log.Printf("[ENGINE] %s: completing over %d context messages", conversationID, len(msgs))
	reply, err := e.inference.Complete(ctx, msgs, temperature)
	if err != nil {
		return nil, err
	}

	turn := []core.Message{
		core.NewUserMessage(input.Message),
		core.NewAssistantMessage(reply),
	}
	if err := e.store.Append(conversationID, turn); err != nil {
		return nil, err
	}
	e.refreshIndex(ctx, conversationID)

	return &ChatOutput{Reply: reply, ConversationID: conversationID}, nil
}

// SyncConversation replaces the conversation's stored messages with the
// client's copy and rebuilds its index.
func (e *Engine) SyncConversation(ctx context.Context, conversationID string, messages []core.Message, metadata *core.Metadata) error {
	if conversationID == "" {
		return fmt.Errorf("sync: conversation id is empty")
	}

	unlock := e.lockConversation(conversationID)
	defer unlock()

	if err := e.store.Sync(conversationID, messages, metadata); err != nil {
		return err
	}
	e.refreshIndex(ctx, conversationID)
	return nil
}

// DeleteConversation removes the conversation everywhere: stored messages,
// persisted snapshots, live index. Cache entries stay; they are content
// addressed and may serve other conversations.
func (e *Engine) DeleteConversation(conversationID string) error {
	unlock := e.lockConversation(conversationID)
	defer unlock()

	if err := e.store.Delete(conversationID); err != nil {
		return err
	}
	e.memory.DeleteConversation(conversationID)
	log.Printf("[ENGINE] deleted conversation %s", conversationID)
	return nil
}

// ListConversations summarizes every stored conversation, most recently
// updated first.
func (e *Engine) ListConversations() []core.Summary {
	return e.store.List()
}

// ConversationCount reports how many conversations are stored.
func (e *Engine) ConversationCount() int {
	return e.store.Len()
}

// ConversationStats reports stored and indexed counts for one conversation.
func (e *Engine) ConversationStats(conversationID string) (core.Stats, error) {
	stats, ok := e.store.Stats(conversationID)
	if !ok {
		return core.Stats{}, fmt.Errorf("stats for %s: %w", conversationID, core.ErrConversationNotFound)
	}
	stats.IndexedCount = e.memory.Index().Rows(conversationID)
	return stats, nil
}

// InitializeIndexes prepares every stored conversation for retrieval,
// attaching persisted vector snapshots where they still match the stored
// messages and re-embedding where they do not. Called once at startup.
func (e *Engine) InitializeIndexes(ctx context.Context) {
	ids := e.store.IDs()
	if len(ids) == 0 {
		return
	}
	attached, rebuilt := 0, 0
	for _, id := range ids {
		if data, ok := e.store.LoadVectorSnapshot(id); ok {
			if e.memory.Index().AttachSnapshot(ctx, id, e.store.Messages(id), data) {
				attached++
				continue
			}
		}
		e.refreshIndex(ctx, id)
		rebuilt++
	}
	log.Printf("[ENGINE] initialized %d conversations (%d attached, %d rebuilt)", len(ids), attached, rebuilt)
}

// Close flushes the embedding cache and closes the store.
func (e *Engine) Close() error {
	if err := e.memory.Cache().Flush(); err != nil {
		log.Printf("[ENGINE] cache flush failed: %v", err)
	}
	return e.store.Close()
}

// refreshIndex rebuilds the conversation's vector index and persists the
// result so the next startup can attach it instead of re-embedding.
func (e *Engine) refreshIndex(ctx context.Context, conversationID string) {
	if err := e.memory.Rebuild(ctx, conversationID); err != nil {
		log.Printf("[ENGINE] index rebuild failed for %s: %v", conversationID, err)
		return
	}
	if data, ok := e.memory.Index().EncodeSnapshot(conversationID); ok {
		e.store.SaveVectorSnapshot(conversationID, data)
	} else {
		// No index anymore (everything ineligible); clear the stale
		// snapshot so startup does not resurrect it.
		e.store.SaveVectorSnapshot(conversationID, nil)
	}
}

// lockConversation serializes turns per conversation. Lock entries are kept
// for the life of the process; there are exactly as many as conversations.
func (e *Engine) lockConversation(conversationID string) func() {
	e.mu.Lock()
	l, ok := e.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[conversationID] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}
