package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// countingEmbedder counts Embed calls and can be switched into a failing
// state to exercise degradation.
type countingEmbedder struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	fail := e.fail
	e.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("%w: backend down", ErrEmbeddingUnavailable)
	}
	vec := make([]float32, 8)
	vec[0] = 1
	return vec, nil
}

func (e *countingEmbedder) Dimensions() int { return 8 }

func (e *countingEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *countingEmbedder) setFail(fail bool) {
	e.mu.Lock()
	e.fail = fail
	e.mu.Unlock()
}

// spyPersister records snapshots and can seed the load path.
type spyPersister struct {
	mu      sync.Mutex
	saved   []map[string][]float32
	initial map[string][]float32
	loadErr error
}

func (p *spyPersister) SaveEmbeddingCache(entries map[string][]float32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = append(p.saved, entries)
	return nil
}

func (p *spyPersister) LoadEmbeddingCache() (map[string][]float32, error) {
	return p.initial, p.loadErr
}

func (p *spyPersister) saveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.saved)
}

func (p *spyPersister) lastSaved() map[string][]float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.saved) == 0 {
		return nil
	}
	return p.saved[len(p.saved)-1]
}

func TestEmbeddingCache_MemoizesByContent(t *testing.T) {
	ctx := context.Background()
	emb := &countingEmbedder{}
	cache, err := NewEmbeddingCache(emb, nil, 0)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}

	first, ok := cache.Vector(ctx, "the same sentence twice")
	if !ok {
		t.Fatal("expected a vector on first lookup")
	}
	second, ok := cache.Vector(ctx, "the same sentence twice")
	if !ok {
		t.Fatal("expected a vector on second lookup")
	}
	if emb.callCount() != 1 {
		t.Errorf("expected one embedder call, got %d", emb.callCount())
	}
	if &first[0] != &second[0] {
		// Same backing array: the cache hands out the stored vector.
		t.Error("expected cached lookups to share one stored vector")
	}

	if _, ok := cache.Vector(ctx, "a different sentence"); !ok {
		t.Fatal("expected a vector for new content")
	}
	if emb.callCount() != 2 {
		t.Errorf("expected two embedder calls, got %d", emb.callCount())
	}
	if cache.Len() != 2 {
		t.Errorf("expected 2 cached entries, got %d", cache.Len())
	}
}

func TestEmbeddingCache_RejectsShortContent(t *testing.T) {
	ctx := context.Background()
	emb := &countingEmbedder{}
	cache, err := NewEmbeddingCache(emb, nil, 0)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}

	for _, text := range []string{"", "ok", "  嗯  "} {
		if _, ok := cache.Vector(ctx, text); ok {
			t.Errorf("Vector(%q) returned a vector, want absent", text)
		}
	}
	if emb.callCount() != 0 {
		t.Errorf("short content reached the embedder %d times", emb.callCount())
	}
	if cache.Len() != 0 {
		t.Errorf("expected empty cache, got %d entries", cache.Len())
	}
}

func TestEmbeddingCache_EmbedderFailureIsNotSticky(t *testing.T) {
	ctx := context.Background()
	emb := &countingEmbedder{fail: true}
	cache, err := NewEmbeddingCache(emb, nil, 0)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}

	if _, ok := cache.Vector(ctx, "cannot embed this right now"); ok {
		t.Fatal("expected absent vector while the embedder is down")
	}
	if cache.Len() != 0 {
		t.Errorf("failure must not leave a cache entry, got %d", cache.Len())
	}

	emb.setFail(false)
	if _, ok := cache.Vector(ctx, "cannot embed this right now"); !ok {
		t.Fatal("expected the retry to succeed once the embedder recovered")
	}
	if cache.Len() != 1 {
		t.Errorf("expected 1 entry after recovery, got %d", cache.Len())
	}
}

func TestEmbeddingCache_PersistsEveryN(t *testing.T) {
	ctx := context.Background()
	emb := &countingEmbedder{}
	persist := &spyPersister{}
	cache, err := NewEmbeddingCache(emb, persist, 2)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}

	cache.Vector(ctx, "first distinct sentence")
	if persist.saveCount() != 0 {
		t.Fatalf("expected no snapshot after 1 insert, got %d", persist.saveCount())
	}
	cache.Vector(ctx, "second distinct sentence")
	if persist.saveCount() != 1 {
		t.Fatalf("expected a snapshot after 2 inserts, got %d", persist.saveCount())
	}
	if got := len(persist.lastSaved()); got != 2 {
		t.Errorf("snapshot holds %d entries, want 2", got)
	}

	// Repeat lookups are hits, not inserts; no further snapshot.
	cache.Vector(ctx, "first distinct sentence")
	if persist.saveCount() != 1 {
		t.Errorf("cache hit triggered a snapshot")
	}

	cache.Vector(ctx, "third distinct sentence")
	if err := cache.Flush(); err != nil {
		t.Fatalf("Failed to flush: %v", err)
	}
	if got := len(persist.lastSaved()); got != 3 {
		t.Errorf("flushed snapshot holds %d entries, want 3", got)
	}
}

func TestEmbeddingCache_LoadsPersistedEntries(t *testing.T) {
	ctx := context.Background()
	stored := []float32{0.6, 0.8}
	persist := &spyPersister{initial: map[string][]float32{
		ContentHash("a sentence from last run"): stored,
	}}
	emb := &countingEmbedder{}
	cache, err := NewEmbeddingCache(emb, persist, 0)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}

	vec, ok := cache.Vector(ctx, "a sentence from last run")
	if !ok {
		t.Fatal("expected the persisted vector to resolve")
	}
	if vec[0] != 0.6 || vec[1] != 0.8 {
		t.Errorf("got %v, want the persisted vector", vec)
	}
	if emb.callCount() != 0 {
		t.Errorf("persisted entry went back through the embedder")
	}
}

func TestEmbeddingCache_CorruptSnapshotStartsEmpty(t *testing.T) {
	persist := &spyPersister{loadErr: fmt.Errorf("unexpected end of file")}
	cache, err := NewEmbeddingCache(&countingEmbedder{}, persist, 0)
	if err != nil {
		t.Fatalf("a corrupt snapshot must not be fatal: %v", err)
	}
	if cache.Len() != 0 {
		t.Errorf("expected empty cache, got %d entries", cache.Len())
	}
}

func TestEmbeddingCache_ResetDropsEverything(t *testing.T) {
	ctx := context.Background()
	emb := &countingEmbedder{}
	cache, err := NewEmbeddingCache(emb, nil, 0)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}

	cache.Vector(ctx, "remember this sentence")
	cache.Reset()
	if cache.Len() != 0 {
		t.Fatalf("expected empty cache after reset, got %d", cache.Len())
	}

	cache.Vector(ctx, "remember this sentence")
	if emb.callCount() != 2 {
		t.Errorf("expected re-embedding after reset, embedder ran %d times", emb.callCount())
	}
}
