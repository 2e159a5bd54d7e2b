package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kjstillabower/status-poller/internal/models"
)

// RedisCache implements Cache using redis. Values are JSON under the status: prefix.
type RedisCache struct {
	client  *redis.Client
	timeout time.Duration
}

// RedisOptions configures NewRedisCache.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// NewRedisCache creates a RedisCache. The connection is lazy; use Ping to verify it.
func NewRedisCache(opts RedisOptions) *RedisCache {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 500 * time.Millisecond
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.Timeout,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	})
	return &RedisCache{client: client, timeout: opts.Timeout}
}

// Get implements Cache.Get. redis.Nil is a miss.
func (c *RedisCache) Get(ctx context.Context, name string) (models.Check, bool, error) {
	raw, err := c.client.Get(ctx, keyPrefix+name).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Check{}, false, nil
	}
	if err != nil {
		return models.Check{}, false, err
	}
	var check models.Check
	if err := json.Unmarshal(raw, &check); err != nil {
		return models.Check{}, false, err
	}
	return check, true, nil
}

// Set implements Cache.Set.
func (c *RedisCache) Set(ctx context.Context, name string, check models.Check, ttl time.Duration) error {
	raw, err := json.Marshal(check)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return c.client.Set(ctx, keyPrefix+name, raw, ttl).Err()
}

// Ping checks if redis is reachable.
func (c *RedisCache) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.client.Ping(ctx).Err()
}

// Close closes the client pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
