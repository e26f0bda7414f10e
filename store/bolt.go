package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/becomeliminal/mnemo/core"
)

const (
	conversationsFile = "conversations.db"
	vectorsFile       = "vectors.db"
)

var (
	bucketConversations  = []byte("conversations")
	bucketVectors        = []byte("vectors")
	bucketEmbeddingCache = []byte("embedding_cache")
)

// boltBackend owns the two database files: conversations.db for the message
// log, vectors.db for derived data (index snapshots and the embedding
// cache). A file that cannot be opened is moved aside and recreated. If even
// that fails the handle stays nil and the store keeps serving from memory,
// retrying the open on the next access.
type boltBackend struct {
	dir string

	mu     sync.Mutex
	convDB *bolt.DB
	vecDB  *bolt.DB
}

func (b *boltBackend) open(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	b.mu.Lock()
	b.dir = dir
	b.convDB = openDB(filepath.Join(dir, conversationsFile))
	b.vecDB = openDB(filepath.Join(dir, vectorsFile))
	b.mu.Unlock()
	return nil
}

func (b *boltBackend) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	if b.convDB != nil {
		if err := b.convDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		b.convDB = nil
	}
	if b.vecDB != nil {
		if err := b.vecDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		b.vecDB = nil
	}
	return firstErr
}

// openDB opens one database file, recovering from corruption by moving the
// bad file aside. A file locked by another process is left untouched.
func openDB(path string) *bolt.DB {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err == nil {
		return db
	}
	if errors.Is(err, bolt.ErrTimeout) {
		log.Printf("[STORE] %s is locked by another process", path)
		return nil
	}
	log.Printf("[STORE] cannot open %s: %v", path, err)
	aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	if renameErr := os.Rename(path, aside); renameErr != nil {
		log.Printf("[STORE] cannot move %s aside: %v", path, renameErr)
		return nil
	}
	log.Printf("[STORE] moved %s to %s, starting fresh", path, aside)
	db, err = bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		log.Printf("[STORE] cannot recreate %s: %v", path, err)
		return nil
	}
	return db
}

func (b *boltBackend) conversationDB() *bolt.DB {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.convDB == nil && b.dir != "" {
		b.convDB = openDB(filepath.Join(b.dir, conversationsFile))
	}
	return b.convDB
}

func (b *boltBackend) vectorDB() *bolt.DB {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.vecDB == nil && b.dir != "" {
		b.vecDB = openDB(filepath.Join(b.dir, vectorsFile))
	}
	return b.vecDB
}

// loadConversations reads every stored conversation. Malformed records are
// skipped individually; a record that lost its embedded id falls back to
// its bucket key.
func (b *boltBackend) loadConversations() map[string]*core.Conversation {
	out := make(map[string]*core.Conversation)
	db := b.conversationDB()
	if db == nil {
		return out
	}
	err := db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketConversations)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var conv core.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				log.Printf("[STORE] skipping malformed conversation record %q: %v", k, err)
				return nil
			}
			if conv.ID == "" {
				conv.ID = string(k)
			}
			out[conv.ID] = &conv
			return nil
		})
	})
	if err != nil {
		log.Printf("[STORE] failed to load conversations: %v", err)
	}
	if len(out) > 0 {
		log.Printf("[STORE] loaded %d conversations", len(out))
	}
	return out
}

func (b *boltBackend) saveConversation(conv *core.Conversation) {
	db := b.conversationDB()
	if db == nil {
		log.Printf("[STORE] conversations database unavailable, %s kept in memory only", conv.ID)
		return
	}
	data, err := json.Marshal(conv)
	if err != nil {
		log.Printf("[STORE] cannot encode conversation %s: %v", conv.ID, err)
		return
	}
	err = db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketConversations)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(conv.ID), data)
	})
	if err != nil {
		log.Printf("[STORE] failed to persist conversation %s: %v", conv.ID, err)
	}
}

func (b *boltBackend) deleteConversation(conversationID string) {
	if db := b.conversationDB(); db != nil {
		err := db.Update(func(tx *bolt.Tx) error {
			bucket := tx.Bucket(bucketConversations)
			if bucket == nil {
				return nil
			}
			return bucket.Delete([]byte(conversationID))
		})
		if err != nil {
			log.Printf("[STORE] failed to delete conversation %s: %v", conversationID, err)
		}
	}
	if db := b.vectorDB(); db != nil {
		err := db.Update(func(tx *bolt.Tx) error {
			bucket := tx.Bucket(bucketVectors)
			if bucket == nil {
				return nil
			}
			return bucket.Delete([]byte(conversationID))
		})
		if err != nil {
			log.Printf("[STORE] failed to delete vectors for %s: %v", conversationID, err)
		}
	}
}

// saveVectorSnapshot stores the conversation's encoded index; empty data
// clears any previously stored snapshot instead.
func (b *boltBackend) saveVectorSnapshot(conversationID string, data []byte) {
	db := b.vectorDB()
	if db == nil {
		return
	}
	err := db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketVectors)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return bucket.Delete([]byte(conversationID))
		}
		return bucket.Put([]byte(conversationID), data)
	})
	if err != nil {
		log.Printf("[STORE] failed to persist vector snapshot for %s: %v", conversationID, err)
	}
}

func (b *boltBackend) loadVectorSnapshot(conversationID string) ([]byte, bool) {
	db := b.vectorDB()
	if db == nil {
		return nil, false
	}
	var data []byte
	err := db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketVectors)
		if bucket == nil {
			return nil
		}
		if v := bucket.Get([]byte(conversationID)); v != nil {
			// bolt buffers are only valid inside the transaction.
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil {
		log.Printf("[STORE] failed to load vector snapshot for %s: %v", conversationID, err)
		return nil, false
	}
	return data, data != nil
}

// saveEmbeddingCache replaces the persisted cache wholesale, mirroring the
// full-contents snapshot the cache hands over.
func (b *boltBackend) saveEmbeddingCache(entries map[string][]float32) error {
	db := b.vectorDB()
	if db == nil {
		return fmt.Errorf("vectors database unavailable")
	}
	return db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketEmbeddingCache) != nil {
			if err := tx.DeleteBucket(bucketEmbeddingCache); err != nil {
				return err
			}
		}
		bucket, err := tx.CreateBucket(bucketEmbeddingCache)
		if err != nil {
			return err
		}
		for hash, vec := range entries {
			if err := bucket.Put([]byte(hash), encodeVector(vec)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *boltBackend) loadEmbeddingCache() (map[string][]float32, error) {
	db := b.vectorDB()
	if db == nil {
		return nil, fmt.Errorf("vectors database unavailable")
	}
	entries := make(map[string][]float32)
	err := db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEmbeddingCache)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			vec, err := decodeVector(v)
			if err != nil {
				log.Printf("[STORE] skipping malformed cache entry %q: %v", k, err)
				return nil
			}
			entries[string(k)] = vec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(data []byte) ([]float32, error) {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, fmt.Errorf("blob length %d is not a vector", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}
