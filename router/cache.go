package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// queryCache memoizes read results for a short TTL under a byte budget.
// Sizes are coarse estimates; inserts evict expired entries first, then the
// oldest, until the new entry fits.
type queryCache struct {
	ttl     time.Duration
	maxSize uint64
	clock   clock.Clock

	mu      sync.Mutex
	entries map[string]*cacheEntry
	size    uint64
}

type cacheEntry struct {
	result    *Result
	size      uint64
	createdAt time.Time
	expiresAt time.Time
}

func newQueryCache(ttl time.Duration, maxSize uint64, cl clock.Clock) *queryCache {
	return &queryCache{
		ttl:     ttl,
		maxSize: maxSize,
		clock:   cl,
		entries: make(map[string]*cacheEntry),
	}
}

func (c *queryCache) get(key string) (*Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.clock.Now().After(e.expiresAt) {
		c.size -= e.size
		delete(c.entries, key)
		return nil, false
	}

	res := *e.result
	res.FromCache = true
	return &res, true
}

func (c *queryCache) put(key string, res *Result) {
	size := approxResultSize(res)
	if size > c.maxSize {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if old, ok := c.entries[key]; ok {
		c.size -= old.size
		delete(c.entries, key)
	}

	if c.size+size > c.maxSize {
		c.evictExpired(now)
	}
	for c.size+size > c.maxSize && len(c.entries) > 0 {
		c.evictOldest()
	}

	c.entries[key] = &cacheEntry{
		result:    res,
		size:      size,
		createdAt: now,
		expiresAt: now.Add(c.ttl),
	}
	c.size += size
}

// purge drops every expired entry. Called by the router's janitor.
func (c *queryCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpired(c.clock.Now())
}

func (c *queryCache) evictExpired(now time.Time) {
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			c.size -= e.size
			delete(c.entries, key)
		}
	}
}

func (c *queryCache) evictOldest() {
	var oldestKey string
	var oldestAt time.Time
	for key, e := range c.entries {
		if oldestKey == "" || e.createdAt.Before(oldestAt) {
			oldestKey, oldestAt = key, e.createdAt
		}
	}
	if oldestKey != "" {
		c.size -= c.entries[oldestKey].size
		delete(c.entries, oldestKey)
	}
}

func (c *queryCache) stats() CacheStatistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStatistics{
		Entries: len(c.entries),
		Size:    c.size,
		MaxSize: c.maxSize,
	}
}

// CacheStatistics is a point-in-time snapshot of the query cache.
type CacheStatistics struct {
	Entries int    `json:"entries"`
	Size    uint64 `json:"size"`
	MaxSize uint64 `json:"max_size"`
}

func cacheKey(shardID string, req Request) string {
	return fmt.Sprintf("%s|%s|%v", shardID, req.Statement, req.Params)
}

// approxResultSize estimates the in-memory footprint of a result.
func approxResultSize(res *Result) uint64 {
	size := uint64(64)
	for _, col := range res.Columns {
		size += uint64(len(col)) + 16
	}
	for _, row := range res.Rows {
		size += 24
		for _, v := range row {
			switch v := v.(type) {
			case string:
				size += uint64(len(v)) + 16
			case []byte:
				size += uint64(len(v)) + 24
			default:
				size += 16
			}
		}
	}
	return size
}
