package retrieval

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"
)

var bucketEmbeddings = []byte("embeddings")

// Cache persists embeddings keyed by model and text hash, so re-running sync
// against a fresh index does not pay for the same text twice.
type Cache struct {
	db *bbolt.DB
}

// OpenCache opens (or creates) a bbolt file at path.
func OpenCache(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening embedding cache: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEmbeddings)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket %s: %w", bucketEmbeddings, err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func cacheKey(model, text string) []byte {
	sum := sha256.Sum256([]byte(text))
	return []byte(model + ":" + hex.EncodeToString(sum[:]))
}

// Get returns the cached vector, if any.
func (c *Cache) Get(model, text string) ([]float32, bool) {
	var vec []float32
	c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketEmbeddings).Get(cacheKey(model, text))
		if data == nil {
			return nil
		}
		v, err := decodeFloat32s(data)
		if err == nil {
			vec = v
		}
		return nil
	})
	return vec, len(vec) > 0
}

// Put stores a vector.
func (c *Cache) Put(model, text string, vec []float32) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEmbeddings).Put(cacheKey(model, text), encodeFloat32s(vec))
	})
}

// Len returns the number of cached vectors.
func (c *Cache) Len() int {
	n := 0
	c.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketEmbeddings).Stats().KeyN
		return nil
	})
	return n
}
