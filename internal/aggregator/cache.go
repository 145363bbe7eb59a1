package aggregator

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is how long a fetched fact is served from cache.
const DefaultTTL = 5 * time.Minute

// Cache stores encoded fact values. Writes are last-writer-wins upserts.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// DefaultPurgeInterval is how often RunPurge drops expired entries.
const DefaultPurgeInterval = time.Minute

// MemoryCache is an in-process Cache. Expired entries stay in the map until
// Purge runs, so long-lived processes should run RunPurge.
type MemoryCache struct {
	mu       sync.RWMutex
	entries  map[string]cacheEntry
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

// RunPurge calls Purge every interval until ctx is done or Stop is called.
// Call in a goroutine.
func (c *MemoryCache) RunPurge(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPurgeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.Purge(); n > 0 {
				cacheEvictions.Add(float64(n))
			}
			cacheEntries.Set(float64(c.Len()))
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		}
	}
}

// Stop ends RunPurge. It is safe to call more than once.
func (c *MemoryCache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Get returns the value for key if present and unexpired.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.expiresAt) {
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

// Set stores value under key for ttl.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	c.mu.Lock()
	c.entries[key] = cacheEntry{value: stored, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Purge drops expired entries and returns how many were removed.
func (c *MemoryCache) Purge() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len reports the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

var _ Cache = (*MemoryCache)(nil)
