package embedding

import (
	"context"
	"sync"
)

// CachingProvider memoizes embeddings by exact text. Identical inbound
// messages are common, so this saves repeat API calls during ingestion.
type CachingProvider struct {
	mu       sync.Mutex
	inner    Provider
	maxSize  int
	vectors  map[string][]float32
	ordering []string
}

func NewCachingProvider(inner Provider, maxSize int) *CachingProvider {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &CachingProvider{
		inner:   inner,
		maxSize: maxSize,
		vectors: make(map[string][]float32),
	}
}

func (c *CachingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	c.mu.Lock()
	if vec, ok := c.vectors[text]; ok {
		c.mu.Unlock()
		return vec, nil
	}
	c.mu.Unlock()

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.vectors[text]; !ok {
		// Evict the oldest entry once full.
		if len(c.ordering) >= c.maxSize {
			delete(c.vectors, c.ordering[0])
			c.ordering = c.ordering[1:]
		}
		c.vectors[text] = vec
		c.ordering = append(c.ordering, text)
	}
	return vec, nil
}

func (c *CachingProvider) Dimensions() int {
	return c.inner.Dimensions()
}
