package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

const (
	defaultNumCounters = 1e6 // 1M counters for admission policy
	defaultMaxCost     = 1 << 26
	defaultBufferItems = 64
	entryOverhead      = 64
)

// MemoryConfig configures the process-local cache.
type MemoryConfig struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	DefaultTTL  time.Duration

	// Now overrides the clock used for expiry checks.
	Now func() time.Time
}

// MemoryCache is a process-local TTL cache backed by ristretto.
//
// Expiry is checked on read against the configured clock, so an entry is never
// served after its deadline even if ristretto has not reclaimed it yet.
type MemoryCache struct {
	cache      *ristretto.Cache
	defaultTTL time.Duration
	now        func() time.Time
	stats      *CacheStats

	mu     sync.RWMutex
	closed bool
}

// NewMemoryCache creates a MemoryCache. A nil config uses defaults.
func NewMemoryCache(config *MemoryConfig) (*MemoryCache, error) {
	cfg := applyMemoryDefaults(config)

	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return &MemoryCache{
		cache:      rc,
		defaultTTL: cfg.DefaultTTL,
		now:        cfg.Now,
		stats:      NewCacheStats(),
	}, nil
}

// applyMemoryDefaults fills zero values of config.
func applyMemoryDefaults(config *MemoryConfig) *MemoryConfig {
	cfg := &MemoryConfig{
		NumCounters: defaultNumCounters,
		MaxCost:     defaultMaxCost,
		BufferItems: defaultBufferItems,
		DefaultTTL:  DefaultTTL,
		Now:         time.Now,
	}

	if config == nil {
		return cfg
	}

	if config.NumCounters > 0 {
		cfg.NumCounters = config.NumCounters
	}
	if config.MaxCost > 0 {
		cfg.MaxCost = config.MaxCost
	}
	if config.BufferItems > 0 {
		cfg.BufferItems = config.BufferItems
	}
	if config.DefaultTTL > 0 {
		cfg.DefaultTTL = config.DefaultTTL
	}
	if config.Now != nil {
		cfg.Now = config.Now
	}

	return cfg
}

// Get returns the cached value for key if present and not expired.
func (mc *MemoryCache) Get(_ context.Context, key string) (string, bool) {
	if mc.isClosed() {
		return "", false
	}

	raw, found := mc.cache.Get(key)
	if !found {
		mc.stats.RecordMiss()
		return "", false
	}

	e, ok := raw.(entry)
	if !ok {
		mc.stats.RecordMiss()
		return "", false
	}

	if e.expired(mc.now()) {
		mc.cache.Del(key)
		mc.stats.RecordExpired()
		mc.stats.RecordMiss()
		return "", false
	}

	mc.stats.RecordHit()
	return e.Value, true
}

// Set stores value under key for ttl. Non-positive ttl uses the default TTL.
func (mc *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) {
	if mc.isClosed() {
		return
	}

	ttl = resolveTTL(ttl, mc.defaultTTL)
	e := entry{Value: value, ExpiresAt: mc.now().Add(ttl)}

	if !mc.cache.SetWithTTL(key, e, estimateCost(key, value), ttl) {
		return
	}

	// Flush ristretto's write buffer so the next Get observes this entry.
	mc.cache.Wait()
	mc.stats.RecordSet()
}

// estimateCost approximates the memory held by one entry.
func estimateCost(key, value string) int64 {
	return int64(entryOverhead + len(key) + len(value))
}

// Delete removes key from the cache.
func (mc *MemoryCache) Delete(_ context.Context, key string) {
	if mc.isClosed() {
		return
	}
	mc.cache.Del(key)
}

// Stats returns a snapshot of the cache counters.
func (mc *MemoryCache) Stats() Stats {
	return mc.stats.Snapshot()
}

// Close releases ristretto's background goroutines.
func (mc *MemoryCache) Close() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.closed {
		return
	}

	mc.closed = true
	mc.cache.Close()
}

// isClosed reports whether Close has been called.
func (mc *MemoryCache) isClosed() bool {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.closed
}
