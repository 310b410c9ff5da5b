package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix  = "callguard:cache:"
	defaultRedisTimeout = 100 * time.Millisecond
)

// RedisCache is a TTL cache shared between processes through Redis.
// Expiry is delegated to Redis key TTLs.
type RedisCache struct {
	client     redis.UniversalClient
	prefix     string
	timeout    time.Duration
	defaultTTL time.Duration
	logger     *slog.Logger
	stats      *CacheStats
}

// RedisOption configures a RedisCache.
type RedisOption func(*RedisCache)

// WithPrefix sets the key prefix (default "callguard:cache:").
func WithPrefix(prefix string) RedisOption {
	return func(rc *RedisCache) {
		rc.prefix = prefix
	}
}

// WithTimeout bounds every Redis round trip (default 100ms).
func WithTimeout(timeout time.Duration) RedisOption {
	return func(rc *RedisCache) {
		if timeout > 0 {
			rc.timeout = timeout
		}
	}
}

// WithDefaultTTL sets the TTL used when Set receives a non-positive TTL.
func WithDefaultTTL(ttl time.Duration) RedisOption {
	return func(rc *RedisCache) {
		if ttl > 0 {
			rc.defaultTTL = ttl
		}
	}
}

// WithLogger sets the logger used for backing-store failures.
func WithLogger(logger *slog.Logger) RedisOption {
	return func(rc *RedisCache) {
		if logger != nil {
			rc.logger = logger
		}
	}
}

// NewRedisCache creates a RedisCache over an existing client.
func NewRedisCache(client redis.UniversalClient, opts ...RedisOption) *RedisCache {
	rc := &RedisCache{
		client:     client,
		prefix:     defaultRedisPrefix,
		timeout:    defaultRedisTimeout,
		defaultTTL: DefaultTTL,
		logger:     slog.Default(),
		stats:      NewCacheStats(),
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// Get returns the cached value for key. Redis errors are treated as misses.
func (rc *RedisCache) Get(ctx context.Context, key string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()

	value, err := rc.client.Get(ctx, rc.prefix+key).Result()
	if err != nil {
		rc.logFailure("get", key, err)
		rc.stats.RecordMiss()
		return "", false
	}

	rc.stats.RecordHit()
	return value, true
}

// Set stores value under key with ttl.
func (rc *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()

	ttl = resolveTTL(ttl, rc.defaultTTL)
	if err := rc.client.Set(ctx, rc.prefix+key, value, ttl).Err(); err != nil {
		rc.logFailure("set", key, err)
		return
	}
	rc.stats.RecordSet()
}

// Delete removes key.
func (rc *RedisCache) Delete(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()

	if err := rc.client.Del(ctx, rc.prefix+key).Err(); err != nil {
		rc.logFailure("delete", key, err)
	}
}

// Stats returns a snapshot of the cache counters.
func (rc *RedisCache) Stats() Stats {
	return rc.stats.Snapshot()
}

// logFailure logs a backing-store error; plain misses are not logged.
func (rc *RedisCache) logFailure(op, key string, err error) {
	if errors.Is(err, redis.Nil) {
		return
	}
	rc.logger.Warn("cache backing store failure",
		slog.String("op", op),
		slog.String("key", key),
		slog.String("error", err.Error()))
}
