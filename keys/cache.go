package keys

import "sync"

// Cache stores unwrapped data keys so repeated rows sharing a wrapped
// key hit the key service once. Implementations must be safe for
// concurrent use across partition workers.
type Cache interface {
	Get(key string) (string, bool)
	Put(key, value string)
}

// MemoryCache is an in-process Cache guarded by a RWMutex.
type MemoryCache struct {
	mu   sync.RWMutex
	keys map[string]string
}

// NewMemoryCache creates an empty in-process key cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{keys: make(map[string]string)}
}

func (c *MemoryCache) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.keys[key]
	return v, ok
}

func (c *MemoryCache) Put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[key] = value
}

// Len reports the number of cached keys.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}
