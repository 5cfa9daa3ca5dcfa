package semantic

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/dgraph-io/ristretto/v2"
)

// EmbeddingCache is a bounded LRU in front of the Embedding Generator,
// keyed by sha256(chunk content) (spec §4.4.4: "optional, bounded LRU
// keyed by chunk text hash").
type EmbeddingCache struct {
	cache *ristretto.Cache[string, []float32]
}

// NewEmbeddingCache builds a cache sized for roughly maxItems entries.
func NewEmbeddingCache(maxItems int64) (*EmbeddingCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &EmbeddingCache{cache: c}, nil
}

// Key hashes chunk content into a stable cache key.
func (c *EmbeddingCache) Key(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Get returns a cached embedding for the given content, if present.
func (c *EmbeddingCache) Get(content string) ([]float32, bool) {
	if c == nil || c.cache == nil {
		return nil, false
	}
	return c.cache.Get(c.Key(content))
}

// Set stores an embedding for the given content, cost 1 per entry.
func (c *EmbeddingCache) Set(content string, vec []float32) {
	if c == nil || c.cache == nil {
		return
	}
	c.cache.Set(c.Key(content), vec, 1)
}

// Close releases cache resources.
func (c *EmbeddingCache) Close() {
	if c != nil && c.cache != nil {
		c.cache.Close()
	}
}
