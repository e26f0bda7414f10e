// Package index maintains one similarity index per conversation together
// with the row-to-message map that ties search results back to messages.
//
// Indexes are flat inner-product indexes over unit vectors, so inner product
// equals cosine similarity. Every mutation rebuilds the affected
// conversation's index from scratch and swaps it in as an immutable
// snapshot: readers hold a snapshot for the duration of one search and can
// never observe a half-built index or a row pointing at the wrong message.
package index

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/becomeliminal/mnemo/core"
)

// Vectorizer resolves text to a unit vector, or reports that none is
// available (content below the indexing threshold, embedder down). The
// embedding cache implements it.
type Vectorizer interface {
	Vector(ctx context.Context, text string) ([]float32, bool)
}

// Kind selects the search backend.
type Kind string

const (
	// KindChromem stores vectors in chromem-go collections.
	KindChromem Kind = "chromem"
	// KindLinear scans a plain vector slice. No extra state, useful for
	// tests and as the reference the chromem backend must agree with.
	KindLinear Kind = "linear"
)

// Result is one search hit: the matched message and its raw cosine
// similarity, before any ranking weights.
type Result struct {
	Message    core.Message
	Similarity float32
}

// conversationIndex is an immutable snapshot. Row i of the backend
// corresponds exactly to messages[i] and vectors[i]; rebuilds replace the
// whole snapshot rather than mutating it.
type conversationIndex struct {
	messages []core.Message
	vectors  [][]float32
	search   searcher
}

// Manager owns the per-conversation snapshots.
type Manager struct {
	vectorize Vectorizer
	kind      Kind
	dims      int
	db        *chromem.DB

	mu      sync.RWMutex
	indexes map[string]*conversationIndex
}

// NewManager builds an index manager using the given backend kind. dims is
// the vector size the Vectorizer produces; persisted snapshots with a
// different size are refused so the index never mixes geometries.
func NewManager(vectorize Vectorizer, kind Kind, dims int) *Manager {
	m := &Manager{
		vectorize: vectorize,
		kind:      kind,
		dims:      dims,
		indexes:   make(map[string]*conversationIndex),
	}
	if m.kind != KindLinear {
		m.kind = KindChromem
		m.db = chromem.NewDB()
	}
	return m
}

// Build reconstructs the conversation's index from messages (the full stored
// log, oldest first). System messages, content below the indexing threshold
// and messages the vectorizer cannot embed are skipped; whatever remains
// becomes the new snapshot. No eligible rows at all removes the index
// entirely, so a conversation synced down to nothing stops matching.
func (m *Manager) Build(ctx context.Context, conversationID string, messages []core.Message) error {
	var rows []core.Message
	var vectors [][]float32
	for _, msg := range messages {
		if !msg.Eligible() {
			continue
		}
		vec, ok := m.vectorize.Vector(ctx, msg.Content)
		if !ok {
			continue
		}
		rows = append(rows, msg)
		vectors = append(vectors, vec)
	}
	if len(rows) == 0 {
		m.Delete(conversationID)
		return nil
	}

	search, err := m.newSearcher(ctx, conversationID, rows, vectors)
	if err != nil {
		return fmt.Errorf("build index for %s: %w", conversationID, err)
	}
	m.install(conversationID, &conversationIndex{messages: rows, vectors: vectors, search: search})
	log.Printf("[INDEX] built index for %s: %d vectors (%s)", conversationID, len(rows), m.kind)
	return nil
}

// Search returns up to k rows ranked by descending similarity. The lookup
// from row to message happens against the same snapshot that was searched,
// so a concurrent rebuild can never skew the pairing. An absent index yields
// an empty result; search failures are logged and also yield empty, because
// retrieval is best-effort.
func (m *Manager) Search(ctx context.Context, conversationID string, query []float32, k int) []Result {
	m.mu.RLock()
	snapshot := m.indexes[conversationID]
	m.mu.RUnlock()
	if snapshot == nil || k <= 0 {
		return nil
	}

	hits, err := snapshot.search.search(ctx, query, k)
	if err != nil {
		log.Printf("[INDEX] search failed for %s: %v", conversationID, err)
		return nil
	}
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		if h.row < 0 || h.row >= len(snapshot.messages) {
			continue
		}
		results = append(results, Result{Message: snapshot.messages[h.row], Similarity: h.similarity})
	}
	return results
}

// Delete drops the conversation's snapshot and backend state.
func (m *Manager) Delete(conversationID string) {
	m.mu.Lock()
	delete(m.indexes, conversationID)
	m.mu.Unlock()
	if m.db != nil {
		if err := m.db.DeleteCollection(collectionName(conversationID)); err != nil {
			log.Printf("[INDEX] failed to drop collection for %s: %v", conversationID, err)
		}
	}
}

// Conversations lists every indexed conversation id in sorted order. The
// fixed order keeps cross-conversation search deterministic.
func (m *Manager) Conversations() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.indexes))
	for id := range m.indexes {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Rows reports how many messages the conversation's index holds.
func (m *Manager) Rows(conversationID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if snapshot := m.indexes[conversationID]; snapshot != nil {
		return len(snapshot.messages)
	}
	return 0
}

func (m *Manager) install(conversationID string, snapshot *conversationIndex) {
	m.mu.Lock()
	m.indexes[conversationID] = snapshot
	m.mu.Unlock()
}
