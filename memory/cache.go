package memory

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"log"
	"sync"

	"github.com/dgraph-io/ristretto"

	"github.com/becomeliminal/mnemo/core"
)

// ContentHash returns the cache key for a piece of text: the hex MD5 digest
// of its raw UTF-8 bytes. The hash names cached vectors, it authenticates
// nothing, so MD5's weaknesses do not matter here.
func ContentHash(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// CachePersister saves and restores the full cache contents between runs.
// The store package provides the durable implementation.
type CachePersister interface {
	SaveEmbeddingCache(entries map[string][]float32) error
	LoadEmbeddingCache() (map[string][]float32, error)
}

// EmbeddingCache memoizes content hash -> unit vector so that repeated index
// rebuilds and retrieval queries embed each distinct text exactly once.
//
// Entries live in an authoritative map that only grows (identical text always
// maps to the identical vector, so there is nothing to invalidate), fronted
// by a ristretto tier that serves hot lookups without taking the map lock.
// Ristretto may evict under memory pressure; a miss there just falls through
// to the map.
type EmbeddingCache struct {
	embedder Embedder
	persist  CachePersister
	every    int

	hot *ristretto.Cache

	mu      sync.RWMutex
	entries map[string][]float32
	inserts int
}

// NewEmbeddingCache builds a cache around embedder. If persist is non-nil,
// previously saved entries are loaded now and a snapshot is written back
// after every persistEvery new entries. A snapshot that cannot be loaded is
// logged and ignored; the cache starts empty and repopulates itself.
func NewEmbeddingCache(embedder Embedder, persist CachePersister, persistEvery int) (*EmbeddingCache, error) {
	if persistEvery <= 0 {
		persistEvery = DefaultConfig.CachePersistEvery
	}
	hot, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     64 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	entries := make(map[string][]float32)
	if persist != nil {
		loaded, err := persist.LoadEmbeddingCache()
		if err != nil {
			log.Printf("[CACHE] failed to load persisted embeddings: %v (starting empty)", err)
		} else if loaded != nil {
			entries = loaded
		}
	}

	c := &EmbeddingCache{
		embedder: embedder,
		persist:  persist,
		every:    persistEvery,
		hot:      hot,
		entries:  entries,
	}
	if len(entries) > 0 {
		log.Printf("[CACHE] loaded %d cached embeddings", len(entries))
	}
	return c, nil
}

// Vector resolves text to its unit vector. The second return is false when
// no vector exists for this text: content below the indexing threshold, or
// the embedder failed. Embedder failures are logged and absorbed so callers
// degrade instead of erroring.
func (c *EmbeddingCache) Vector(ctx context.Context, text string) ([]float32, bool) {
	if !core.EligibleContent(text) {
		return nil, false
	}
	hash := ContentHash(text)

	if cached, ok := c.hot.Get(hash); ok {
		if vec, ok := cached.([]float32); ok {
			return vec, true
		}
	}

	c.mu.RLock()
	vec, ok := c.entries[hash]
	c.mu.RUnlock()
	if ok {
		c.hot.Set(hash, vec, int64(len(vec))*4)
		return vec, true
	}

	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		log.Printf("[CACHE] embedding failed for %s: %v", hash[:8], err)
		return nil, false
	}
	if len(vec) == 0 {
		return nil, false
	}

	var snapshot map[string][]float32
	c.mu.Lock()
	if prior, exists := c.entries[hash]; exists {
		// A concurrent miss beat us to it. The embedder is deterministic
		// per text, so either value serves; keep the first one.
		vec = prior
	} else {
		c.entries[hash] = vec
		c.inserts++
		if c.persist != nil && c.inserts >= c.every {
			c.inserts = 0
			snapshot = copyEntries(c.entries)
		}
	}
	c.mu.Unlock()

	c.hot.Set(hash, vec, int64(len(vec))*4)
	if snapshot != nil {
		c.save(snapshot)
	}
	return vec, true
}

// Flush writes the current contents through the persister immediately,
// regardless of how many inserts have accumulated.
func (c *EmbeddingCache) Flush() error {
	if c.persist == nil {
		return nil
	}
	c.mu.Lock()
	snapshot := copyEntries(c.entries)
	c.inserts = 0
	c.mu.Unlock()
	return c.persist.SaveEmbeddingCache(snapshot)
}

// Reset drops every entry, in both tiers. Only an explicit reset shrinks the
// cache; normal operation never removes entries.
func (c *EmbeddingCache) Reset() {
	c.mu.Lock()
	c.entries = make(map[string][]float32)
	c.inserts = 0
	c.mu.Unlock()
	c.hot.Clear()
}

// Len reports the number of distinct texts cached.
func (c *EmbeddingCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *EmbeddingCache) save(entries map[string][]float32) {
	if err := c.persist.SaveEmbeddingCache(entries); err != nil {
		log.Printf("[CACHE] failed to persist %d embeddings: %v", len(entries), err)
	}
}

func copyEntries(entries map[string][]float32) map[string][]float32 {
	out := make(map[string][]float32, len(entries))
	for k, v := range entries {
		out[k] = v
	}
	return out
}
