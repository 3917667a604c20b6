package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultQueryCacheSize bounds the in-process query memoization cache.
// This sits in front of the Store's persistent embedding_cache table and
// exists purely to save a round trip (cache lookup, hashing) for queries
// repeated within the same process lifetime, e.g. warm-session re-searches.
const DefaultQueryCacheSize = 1000

// CachedProvider wraps an EmbeddingProvider with an in-memory LRU so
// repeated identical text within one process avoids recomputation. The
// durable cross-process cache keyed by content hash lives in the Store;
// this is a cheap additional layer in front of it.
type CachedProvider struct {
	inner EmbeddingProvider
	cache *lru.Cache[string, []float32]
}

// NewCachedProvider wraps inner with an LRU of the given size (or
// DefaultQueryCacheSize if size <= 0).
func NewCachedProvider(inner EmbeddingProvider, size int) *CachedProvider {
	if size <= 0 {
		size = DefaultQueryCacheSize
	}
	cache, _ := lru.New[string, []float32](size)
	return &CachedProvider{inner: inner, cache: cache}
}

func (c *CachedProvider) key(text string) string {
	sum := sha256.Sum256([]byte(text + "\x00" + c.inner.Model()))
	return hex.EncodeToString(sum[:])
}

func (c *CachedProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	k := c.key(text)
	if vec, ok := c.cache.Get(k); ok {
		return vec, nil
	}
	vec, err := c.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(k, vec)
	return vec, nil
}

func (c *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	missIdx := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))

	for i, text := range texts {
		if vec, ok := c.cache.Get(c.key(text)); ok {
			results[i] = vec
		} else {
			missIdx = append(missIdx, i)
			missTexts = append(missTexts, text)
		}
	}

	if len(missTexts) == 0 {
		return results, nil
	}

	fresh, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, idx := range missIdx {
		results[idx] = fresh[j]
		c.cache.Add(c.key(texts[idx]), fresh[j])
	}
	return results, nil
}

func (c *CachedProvider) ID() ProviderID  { return c.inner.ID() }
func (c *CachedProvider) Model() string   { return c.inner.Model() }
func (c *CachedProvider) Dimensions() int { return c.inner.Dimensions() }

func (c *CachedProvider) Available(ctx context.Context) bool { return c.inner.Available(ctx) }
func (c *CachedProvider) Close() error                       { return c.inner.Close() }

// Inner returns the wrapped provider, e.g. so the manager can type-switch
// on the underlying concrete provider (for RemoteBatchProvider support).
func (c *CachedProvider) Inner() EmbeddingProvider { return c.inner }
