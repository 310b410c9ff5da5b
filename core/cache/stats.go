package cache

import (
	"sync/atomic"
	"time"
)

// CacheStats tracks cache performance counters. Safe for concurrent use.
type CacheStats struct {
	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	expired   atomic.Int64
	startTime time.Time
}

// Stats is an immutable snapshot of CacheStats.
type Stats struct {
	Hits    int64         `json:"hits" yaml:"hits"`
	Misses  int64         `json:"misses" yaml:"misses"`
	Sets    int64         `json:"sets" yaml:"sets"`
	Expired int64         `json:"expired" yaml:"expired"`
	HitRate float64       `json:"hit_rate" yaml:"hit_rate"`
	Uptime  time.Duration `json:"uptime" yaml:"uptime"`
}

// NewCacheStats creates a new CacheStats instance.
func NewCacheStats() *CacheStats {
	return &CacheStats{
		startTime: time.Now(),
	}
}

// RecordHit records a cache hit.
func (s *CacheStats) RecordHit() {
	s.hits.Add(1)
}

// RecordMiss records a cache miss.
func (s *CacheStats) RecordMiss() {
	s.misses.Add(1)
}

// RecordSet records a cache set operation.
func (s *CacheStats) RecordSet() {
	s.sets.Add(1)
}

// RecordExpired records an entry dropped because it was read after expiry.
func (s *CacheStats) RecordExpired() {
	s.expired.Add(1)
}

// Snapshot returns the current counter values.
func (s *CacheStats) Snapshot() Stats {
	hits := s.hits.Load()
	misses := s.misses.Load()

	return Stats{
		Hits:    hits,
		Misses:  misses,
		Sets:    s.sets.Load(),
		Expired: s.expired.Load(),
		HitRate: hitRate(hits, misses),
		Uptime:  time.Since(s.startTime),
	}
}

// hitRate returns hits/(hits+misses), or 0 when nothing was read.
func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
