package embedding

import (
	"context"

	"github.com/dgraph-io/ristretto"

	"github.com/reveriehq/reverie/errors"
)

// CachedService decorates a Service with a ristretto cache keyed by
// (mode, text). Retrieval re-encodes the same recent-turn texts constantly;
// caching cuts most encode round-trips. Rerank scores are not cached — the
// (query, passage) key space is too sparse to be worth the memory.
type CachedService struct {
	inner Service
	cache *ristretto.Cache
}

// NewCachedService wraps inner with an embedding cache holding up to
// maxEntries vectors. maxEntries <= 0 selects 10000.
func NewCachedService(inner Service, maxEntries int64) (*CachedService, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Internal("failed to create embedding cache", errors.WithCause(err))
	}
	return &CachedService{inner: inner, cache: cache}, nil
}

// EncodeQuery encodes texts, serving repeats from cache.
func (c *CachedService) EncodeQuery(ctx context.Context, texts []string) ([][]float32, error) {
	return c.encode(ctx, ModeQuery, texts, c.inner.EncodeQuery)
}

// EncodePassage encodes texts, serving repeats from cache.
func (c *CachedService) EncodePassage(ctx context.Context, texts []string) ([][]float32, error) {
	return c.encode(ctx, ModePassage, texts, c.inner.EncodePassage)
}

func (c *CachedService) encode(ctx context.Context, mode Mode, texts []string, fn func(context.Context, []string) ([][]float32, error)) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	result := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	for i, t := range texts {
		if v, ok := c.cache.Get(cacheKey(mode, t)); ok {
			if vec, ok := v.([]float32); ok {
				result[i] = vec
				continue
			}
		}
		missTexts = append(missTexts, t)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) > 0 {
		encoded, err := fn(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, vec := range encoded {
			i := missIdx[j]
			result[i] = vec
			c.cache.Set(cacheKey(mode, texts[i]), vec, 1)
		}
	}

	return result, nil
}

// RerankScore passes through to the inner service.
func (c *CachedService) RerankScore(ctx context.Context, query string, passages []string) ([]float64, error) {
	return c.inner.RerankScore(ctx, query, passages)
}

// IsNormalized passes through to the inner service.
func (c *CachedService) IsNormalized() bool {
	return c.inner.IsNormalized()
}

// EncoderName passes through to the inner service.
func (c *CachedService) EncoderName() string {
	return c.inner.EncoderName()
}

// Dimension passes through to the inner service.
func (c *CachedService) Dimension() int {
	return c.inner.Dimension()
}

// Close releases the cache.
func (c *CachedService) Close() {
	c.cache.Close()
}

func cacheKey(mode Mode, text string) string {
	return string(mode) + "\x00" + text
}
