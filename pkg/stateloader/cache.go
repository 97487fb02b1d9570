package stateloader

import (
	"sync"

	"cuelang.org/go/cue"
)

// DefaultCacheSize is the number of evaluated documents a Loader keeps
const DefaultCacheSize = 16

// Cache provides thread-safe caching of evaluated CUE documents keyed by
// content digest. The oldest entry is evicted once the cache is full.
type Cache struct {
	mu      sync.RWMutex
	items   map[string]cachedDocument
	order   []string
	maxSize int
}

type cachedDocument struct {
	value cue.Value

	// data is the canonical JSON of value
	data []byte
}

// NewCache creates a new cache instance holding at most maxSize documents
func NewCache(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	return &Cache{
		items:   make(map[string]cachedDocument),
		maxSize: maxSize,
	}
}

// Get retrieves a document from the cache
func (c *Cache) Get(key string) (cachedDocument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	doc, found := c.items[key]
	return doc, found
}

// Set stores a document in the cache
func (c *Cache) Set(key string, doc cachedDocument) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = doc

	for len(c.order) > c.maxSize {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
	}
}

// Size returns the number of items in the cache
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.items)
}
