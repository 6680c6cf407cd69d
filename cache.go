package tern

import (
	"sync"
	"time"
)

// Cache is the read-through accelerator consumed by the client's listing
// paths. It is best-effort only and never the source of truth: on any
// conflict with a live event the entry is invalidated and the event wins.
type Cache interface {
	Get(key string) ([]byte, bool)
	Put(key string, value []byte, ttl time.Duration)
	Invalidate(key string)
}

// cacheEntry pairs a payload with its expiry instant.
type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is a goroutine-safe in-memory Cache with lazy expiry.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get returns the payload for key if present and unexpired.
func (c *MemoryCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !e.expiresAt.After(c.now()) {
		c.Invalidate(key)
		return nil, false
	}
	return e.value, true
}

// Put stores a payload. A zero ttl means no expiry.
func (c *MemoryCache) Put(key string, value []byte, ttl time.Duration) {
	var exp time.Time
	if ttl > 0 {
		exp = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, expiresAt: exp}
	c.mu.Unlock()
}

// Invalidate removes a key.
func (c *MemoryCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// cache key helpers shared by the client's read-through paths and the
// engine's invalidation on live events.
func conversationsCacheKey() string { return "conversations" }

func messagesCacheKey(conversationID string) string { return "messages/" + conversationID }
