package memory

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
)

// embeddingCache keeps recent provider vectors keyed by model and text.
// A nil cache is valid and never hits.
type embeddingCache struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

func newEmbeddingCache(maxEntries int64, ttl time.Duration) (*embeddingCache, error) {
	if maxEntries <= 0 {
		return nil, nil
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &embeddingCache{cache: c, ttl: ttl}, nil
}

func embeddingCacheKey(model, text string) string {
	h := sha1.Sum([]byte(model + "|" + strings.TrimSpace(text)))
	return "emb:" + hex.EncodeToString(h[:])
}

func (c *embeddingCache) get(model, text string) ([]float32, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.cache.Get(embeddingCacheKey(model, text))
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float32)
	if !ok {
		return nil, false
	}
	return cloneVector(vec), true
}

func (c *embeddingCache) put(model, text string, vec []float32) {
	if c == nil {
		return
	}
	if c.ttl > 0 {
		c.cache.SetWithTTL(embeddingCacheKey(model, text), cloneVector(vec), 1, c.ttl)
		return
	}
	c.cache.Set(embeddingCacheKey(model, text), cloneVector(vec), 1)
}

func (c *embeddingCache) close() {
	if c == nil {
		return
	}
	c.cache.Close()
}
