package cache

import (
	"sync"
	"time"
)

// MemoryCache is an in-process response cache for single-instance
// deployment, adapted from the teacher's SimpleCache: a TTL map with a
// background cleanup ticker and size-bounded eviction (expired entries
// first, then oldest-by-expiry).
type MemoryCache struct {
	mu              sync.RWMutex
	items           map[string]*memoryCacheItem
	stats           Stats
	maxSize         int
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
}

type memoryCacheItem struct {
	entry     Entry
	expiresAt time.Time
}

// NewMemoryCache creates a MemoryCache bounded at maxSize entries (the
// response cache hard cap), sweeping expired entries every cleanupInterval.
func NewMemoryCache(maxSize int, cleanupInterval time.Duration) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	c := &MemoryCache{
		items:           make(map[string]*memoryCacheItem),
		maxSize:         maxSize,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	go c.cleanupRoutine()
	return c
}

// Stop stops the background cleanup goroutine. Safe to call once.
func (c *MemoryCache) Stop() {
	close(c.stopCleanup)
}

func (c *MemoryCache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, found := c.items[key]
	if !found {
		c.stats.Misses++
		c.updateHitRate()
		return Entry{}, false
	}
	if time.Now().After(item.expiresAt) {
		c.stats.Misses++
		c.updateHitRate()
		return Entry{}, false
	}
	c.stats.Hits++
	c.updateHitRate()
	return item.entry, true
}

func (c *MemoryCache) Set(key string, entry Entry, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.items) >= c.maxSize {
		c.evictExpired()
		if len(c.items) >= c.maxSize {
			c.evictOldest()
		}
	}

	c.items[key] = &memoryCacheItem{entry: entry, expiresAt: time.Now().Add(ttl)}
	c.stats.Size = len(c.items)
	c.updateMemoryUsage()
}

func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*memoryCacheItem)
	c.stats.Size = 0
	c.stats.MemoryUsage = 0
}

func (c *MemoryCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := c.stats
	stats.Size = len(c.items)
	return stats
}

func (c *MemoryCache) cleanupRoutine() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.evictExpired()
			c.stats.Size = len(c.items)
			c.updateMemoryUsage()
			c.mu.Unlock()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *MemoryCache) evictExpired() {
	now := time.Now()
	for key, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, key)
			c.stats.Evictions++
		}
	}
}

func (c *MemoryCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	for key, item := range c.items {
		if oldestTime.IsZero() || item.expiresAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.expiresAt
		}
	}
	if oldestKey != "" {
		delete(c.items, oldestKey)
		c.stats.Evictions++
	}
}

func (c *MemoryCache) updateHitRate() {
	total := c.stats.Hits + c.stats.Misses
	if total > 0 {
		c.stats.HitRate = float64(c.stats.Hits) / float64(total)
	}
}

func (c *MemoryCache) updateMemoryUsage() {
	c.stats.MemoryUsage = int64(len(c.items) * 1024)
}
