package index

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/philippgille/chromem-go"

	"github.com/becomeliminal/mnemo/core"
)

// hit is a backend-level result, a row with its similarity. The Manager
// resolves rows to messages before anything leaves the package.
type hit struct {
	row        int
	similarity float32
}

// searcher is the backend behind one conversation snapshot. Implementations
// return hits sorted by descending similarity.
type searcher interface {
	search(ctx context.Context, query []float32, k int) ([]hit, error)
}

func (m *Manager) newSearcher(ctx context.Context, conversationID string, messages []core.Message, vectors [][]float32) (searcher, error) {
	if m.kind == KindLinear {
		return &linearSearcher{vectors: vectors}, nil
	}
	return m.newChromemSearcher(ctx, conversationID, messages, vectors)
}

// linearSearcher brute-forces the inner product over every row. Fine at
// conversation scale and trivially correct, which also makes it the
// reference backend in tests.
type linearSearcher struct {
	vectors [][]float32
}

func (s *linearSearcher) search(_ context.Context, query []float32, k int) ([]hit, error) {
	hits := make([]hit, 0, len(s.vectors))
	for row, vec := range s.vectors {
		hits = append(hits, hit{row: row, similarity: dot(query, vec)})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].similarity > hits[j].similarity
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// dot is the inner product, accumulated in float64 to keep rounding out of
// the ranking. Mismatched lengths score zero rather than panicking; that
// only happens when an old persisted snapshot met a different embedder.
func dot(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return float32(sum)
}

// chromemSearcher queries a chromem-go collection. Each snapshot gets a
// freshly created collection; the previous collection object, if a reader
// still holds it, keeps answering from its own rows until dropped.
type chromemSearcher struct {
	col  *chromem.Collection
	size int
}

func (m *Manager) newChromemSearcher(ctx context.Context, conversationID string, messages []core.Message, vectors [][]float32) (searcher, error) {
	name := collectionName(conversationID)
	// Recreate rather than mutate, so the collection always mirrors exactly
	// one snapshot.
	if err := m.db.DeleteCollection(name); err != nil {
		return nil, fmt.Errorf("drop collection %s: %w", name, err)
	}
	col, err := m.db.CreateCollection(name, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", name, err)
	}
	for row, vec := range vectors {
		doc := chromem.Document{
			ID:        strconv.Itoa(row),
			Content:   messages[row].Content,
			Embedding: vec,
			Metadata:  map[string]string{"message_id": messages[row].ID},
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return nil, fmt.Errorf("add row %d: %w", row, err)
		}
	}
	return &chromemSearcher{col: col, size: len(vectors)}, nil
}

func (s *chromemSearcher) search(ctx context.Context, query []float32, k int) ([]hit, error) {
	if k > s.size {
		// chromem rejects nResults above the collection size.
		k = s.size
	}
	if k <= 0 {
		return nil, nil
	}
	results, err := s.col.QueryEmbedding(ctx, query, k, nil, nil)
	if err != nil {
		return nil, err
	}
	hits := make([]hit, 0, len(results))
	for _, res := range results {
		row, err := strconv.Atoi(res.ID)
		if err != nil {
			continue
		}
		hits = append(hits, hit{row: row, similarity: res.Similarity})
	}
	return hits, nil
}

// noEmbedding guards against chromem ever trying to embed on its own. Every
// document is added with its vector precomputed, so this should be
// unreachable.
func noEmbedding(_ context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("no embedding function configured (document %q missing its vector)", text)
}

func collectionName(conversationID string) string {
	return "conv_" + conversationID
}
