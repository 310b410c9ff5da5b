// Package cache provides the response cache that sits in front of outbound
// provider calls. Entries are keyed by a request fingerprint and expire after
// a per-entry TTL.
package cache

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is used when Set is called with a non-positive TTL.
const DefaultTTL = 5 * time.Minute

var (
	// ErrClosed indicates an operation on a closed cache.
	ErrClosed = errors.New("cache closed")

	// ErrInvalidConfig indicates a cache could not be constructed from its config.
	ErrInvalidConfig = errors.New("invalid cache config")
)

// Cache maps request fingerprints to previously obtained responses.
//
// A miss is a normal result. Implementations never return errors from Get or
// Set; backing-store failures are logged and surface as misses.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	Delete(ctx context.Context, key string)
	Stats() Stats
}

// entry is the stored form of a cached response.
type entry struct {
	Value     string
	ExpiresAt time.Time
}

// expired reports whether the entry is no longer valid at now.
func (e entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// resolveTTL substitutes the fallback for non-positive TTLs.
func resolveTTL(ttl, fallback time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultTTL
}
