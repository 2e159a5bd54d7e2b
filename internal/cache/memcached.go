package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/status-poller/internal/models"
)

const keyPrefix = "status:"

// maxRelativeExp is the largest TTL memcached treats as relative (30 days).
const maxRelativeExp = 30 * 24 * 60 * 60

// MemcachedCache implements Cache using memcached.
type MemcachedCache struct {
	client *memcache.Client
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// use package defaults if zero.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) *MemcachedCache {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (c *MemcachedCache) key(name string) string {
	return keyPrefix + name
}

// Get implements Cache.Get. Returns false, nil on miss; false, err on error.
func (c *MemcachedCache) Get(ctx context.Context, name string) (models.Check, bool, error) {
	if ctx.Err() != nil {
		return models.Check{}, false, ctx.Err()
	}
	item, err := c.client.Get(c.key(name))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return models.Check{}, false, nil
		}
		return models.Check{}, false, err
	}
	var check models.Check
	if err := json.Unmarshal(item.Value, &check); err != nil {
		return models.Check{}, false, err
	}
	return check, true, nil
}

// Set implements Cache.Set.
func (c *MemcachedCache) Set(ctx context.Context, name string, check models.Check, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := json.Marshal(check)
	if err != nil {
		return err
	}
	return c.client.Set(&memcache.Item{
		Key:        c.key(name),
		Value:      raw,
		Expiration: expirationSeconds(ttl),
	})
}

func expirationSeconds(ttl time.Duration) int32 {
	sec := int32(ttl.Seconds())
	if sec <= 0 || sec > maxRelativeExp {
		return 3600
	}
	return sec
}

// Ping checks if memcached is reachable.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close closes idle client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
