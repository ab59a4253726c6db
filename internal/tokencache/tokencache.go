// Package tokencache memoizes per-host registry bearer tokens (§5). The
// registry username and password themselves come from configuration
// (Images.RegistryUsername and Images.RegistryPassword); no
// credentials file is read. Grounded on the teacher's internal/redis/client.go
// wrapper around go-redis; Cache also works with no Redis client at
// all, falling back to an in-process map, since the memoization is an
// optimization the controller must still function without.
package tokencache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "nublado:registry-token:"

// Cache stores a bearer token per registry host with a TTL. When
// backed by Redis the cache is shared across controller replicas;
// otherwise it is a process-local map guarded by a mutex.
type Cache struct {
	redis  *redis.Client
	logger *zap.Logger

	mu    sync.Mutex
	local map[string]localEntry
}

type localEntry struct {
	token   string
	expires time.Time
}

// NewRedisCache builds a Cache backed by an existing go-redis client.
func NewRedisCache(client *redis.Client, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{redis: client, logger: logger}
}

// NewLocalCache builds a Cache with no Redis backing, suitable for a
// single-replica controller or tests.
func NewLocalCache() *Cache {
	return &Cache{local: make(map[string]localEntry)}
}

// Get returns the memoized token for host, if any and not expired.
func (c *Cache) Get(host string) (string, bool) {
	if c.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		val, err := c.redis.Get(ctx, keyPrefix+host).Result()
		if err == redis.Nil {
			return "", false
		}
		if err != nil {
			c.logger.Warn("token cache read failed, treating as miss", zap.String("host", host), zap.Error(err))
			return "", false
		}
		return val, true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.local[host]
	if !ok || time.Now().After(entry.expires) {
		return "", false
	}
	return entry.token, true
}

// Set memoizes token for host for ttl.
func (c *Cache) Set(host, token string, ttl time.Duration) {
	if c.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.redis.Set(ctx, keyPrefix+host, token, ttl).Err(); err != nil {
			c.logger.Warn("token cache write failed", zap.String("host", host), zap.Error(err))
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local == nil {
		c.local = make(map[string]localEntry)
	}
	c.local[host] = localEntry{token: token, expires: time.Now().Add(ttl)}
}
