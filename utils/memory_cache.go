package utils

import (
	"sync"
	"time"
)

// cacheItem represents a cached value with expiration
type cacheItem[V any] struct {
	value      V
	expiration time.Time
}

// MemoryCache is an in-memory cache with per-entry expiration. A background
// loop evicts expired entries until Stop is called.
type MemoryCache[V any] struct {
	items map[string]cacheItem[V]
	mu    sync.RWMutex
	ttl   time.Duration
	now   func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewMemoryCache creates a cache whose entries live for ttl and starts its
// cleanup loop, which runs every cleanupInterval.
func NewMemoryCache[V any](ttl, cleanupInterval time.Duration) *MemoryCache[V] {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	c := &MemoryCache[V]{
		items: make(map[string]cacheItem[V]),
		ttl:   ttl,
		now:   time.Now,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	go c.cleanupLoop(cleanupInterval)

	return c
}

// Set stores a value using the cache's default ttl
func (c *MemoryCache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = cacheItem[V]{
		value:      value,
		expiration: c.now().Add(c.ttl),
	}
}

// Get retrieves a value from cache
func (c *MemoryCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	item, exists := c.items[key]
	c.mu.RUnlock()

	var zero V
	if !exists {
		return zero, false
	}
	if c.now().After(item.expiration) {
		c.Delete(key)
		return zero, false
	}
	return item.value, true
}

// Delete removes an item from cache
func (c *MemoryCache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Size returns the number of items in cache, expired or not
func (c *MemoryCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.items)
}

// Stop ends the cleanup loop and waits for it to exit
func (c *MemoryCache[V]) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	<-c.done
}

func (c *MemoryCache[V]) cleanupLoop(interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stop:
			return
		}
	}
}

// cleanup removes expired items
func (c *MemoryCache[V]) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, item := range c.items {
		if now.After(item.expiration) {
			delete(c.items, key)
		}
	}
}
