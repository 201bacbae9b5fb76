package embedder

import (
	"context"
	"sync"
)

// MemoryCache is a process-local VectorCache. It is unbounded; the working
// set is the distinct chunk texts of a single corpus, which stays small.
type MemoryCache struct {
	mu      sync.RWMutex
	vectors map[string][]float32
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{vectors: make(map[string][]float32)}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]float32, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	vector, ok := c.vectors[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]float32, len(vector))
	copy(out, vector)
	return out, true, nil
}

func (c *MemoryCache) Put(_ context.Context, key string, vector []float32) error {
	stored := make([]float32, len(vector))
	copy(stored, vector)

	c.mu.Lock()
	c.vectors[key] = stored
	c.mu.Unlock()
	return nil
}
