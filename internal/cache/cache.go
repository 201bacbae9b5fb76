// Package cache holds query results in process memory with a bounded LRU
// and per-entry TTL. Keys are derived from tenant, normalized query text,
// and requested breadth, so equivalent queries share an entry while
// different tenants never do.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

type entry struct {
	key     string
	value   interface{}
	expires time.Time
	lruElem *list.Element
}

// ResultCache is safe for concurrent use. Expired entries are removed
// lazily on lookup; eviction on insert removes the least recently
// accessed entry.
type ResultCache struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

type Stats struct {
	Size    int           `json:"size"`
	MaxSize int           `json:"max_size"`
	TTL     time.Duration `json:"ttl"`
}

func New(maxSize int, ttl time.Duration) *ResultCache {
	if maxSize <= 0 {
		maxSize = 100
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ResultCache{
		entries: make(map[string]*entry),
		lru:     list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Key builds the cache key. Query text is trimmed and lowercased so that
// trivial reformulations hit the same entry; breadth is part of the key
// because it changes the result set.
func Key(tenantID, query string, breadth int) string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", tenantID, normalized, breadth)))
	return hex.EncodeToString(sum[:])
}

func (c *ResultCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}

	if !c.now().Before(e.expires) {
		c.lru.Remove(e.lruElem)
		delete(c.entries, key)
		return nil, false
	}

	c.lru.MoveToFront(e.lruElem)
	return e.value, true
}

func (c *ResultCache) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expires = c.now().Add(c.ttl)
		c.lru.MoveToFront(e.lruElem)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	e := &entry{
		key:     key,
		value:   value,
		expires: c.now().Add(c.ttl),
	}
	e.lruElem = c.lru.PushFront(e)
	c.entries[key] = e
}

// evictOldest removes the least recently accessed entry. Caller holds the
// lock.
func (c *ResultCache) evictOldest() {
	oldest := c.lru.Back()
	if oldest == nil {
		return
	}
	e := oldest.Value.(*entry)
	c.lru.Remove(oldest)
	delete(c.entries, e.key)
}

func (c *ResultCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	c.entries = make(map[string]*entry)
	c.lru.Init()
	return n
}

func (c *ResultCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Size:    len(c.entries),
		MaxSize: c.maxSize,
		TTL:     c.ttl,
	}
}
