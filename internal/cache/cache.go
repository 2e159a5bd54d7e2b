package cache

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/status-poller/internal/models"
)

// Cache holds the latest check per target.
// Get returns the cached check if present and not expired, Set stores it with TTL.
type Cache interface {
	Get(ctx context.Context, name string) (models.Check, bool, error)
	Set(ctx context.Context, name string, check models.Check, ttl time.Duration) error
}

// Pinger is implemented by networked backends and used by /health.
type Pinger interface {
	Ping() error
}

// InMemoryCache implements Cache using a map with TTL-based expiration.
// Expired entries are removed on access. Safe for concurrent use.
type InMemoryCache struct {
	mu   sync.Mutex
	data map[string]cacheEntry
	now  func() time.Time
}

type cacheEntry struct {
	value     models.Check
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]cacheEntry),
		now:  time.Now,
	}
}

// Get returns (check, true, nil) on hit and (zero, false, nil) on miss or expiration.
func (c *InMemoryCache) Get(ctx context.Context, name string) (models.Check, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[name]
	if !ok {
		return models.Check{}, false, nil
	}
	if c.now().After(entry.expiresAt) {
		delete(c.data, name)
		return models.Check{}, false, nil
	}
	return entry.value, true, nil
}

// Set stores check under name. A non-positive ttl stores nothing.
func (c *InMemoryCache) Set(ctx context.Context, name string, check models.Check, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[name] = cacheEntry{
		value:     check,
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

// Len reports the number of entries, expired or not.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}
