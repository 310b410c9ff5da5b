// Package ratelimit provides per-identity sliding-window admission with an
// optional minimum spacing between requests.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Limiter names reported in decisions.
const (
	limiterSlidingWindow = "sliding_window"
	limiterSpacing       = "min_interval"
)

var (
	// ErrInvalidLimit indicates a limit with a non-positive size or window, or
	// a spacing longer than the window.
	ErrInvalidLimit = errors.New("invalid rate limit")

	// ErrStoreUnavailable wraps failures of the backing window store.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")
)

// Limit is the admission policy applied to one window key.
type Limit struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
	MinInterval time.Duration `yaml:"min_interval"`
}

// Validate checks that the limit can admit at least one request and that
// MinInterval fits inside Window.
func (l Limit) Validate() error {
	if l.MaxRequests <= 0 || l.Window <= 0 || l.MinInterval < 0 || l.MinInterval > l.Window {
		return ErrInvalidLimit
	}
	return nil
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Count     int // requests in the window, including this one when allowed
	Limit     int
	Remaining int
	ResetAt   time.Time
	WaitTime  time.Duration
	Reason    string
	Limiter   string

	// Degraded is set when the store failed and the request was admitted anyway.
	Degraded bool
}

// Store holds the per-key timestamp logs.
//
// Allow must purge, check and record atomically per key so that two
// concurrent callers can never both take the last slot.
type Store interface {
	Allow(ctx context.Context, key string, limit Limit, now time.Time) (Decision, error)
	WaitTime(ctx context.Context, key string, limit Limit, now time.Time) (time.Duration, error)
}

// windowView summarizes a purged window for decision building.
type windowView struct {
	count  int
	oldest time.Time
	newest time.Time
}

// spacingWait returns the time left before MinInterval clears.
func (v windowView) spacingWait(limit Limit, now time.Time) time.Duration {
	if limit.MinInterval <= 0 || v.newest.IsZero() {
		return 0
	}
	return positive(v.newest.Add(limit.MinInterval).Sub(now))
}

// capacityWait returns the time left before the oldest entry leaves a full window.
func (v windowView) capacityWait(limit Limit, now time.Time) time.Duration {
	if v.count < limit.MaxRequests || v.oldest.IsZero() {
		return 0
	}
	return positive(v.oldest.Add(limit.Window).Sub(now))
}

// waitTime is the larger of the spacing and capacity waits.
func (v windowView) waitTime(limit Limit, now time.Time) time.Duration {
	return max(v.spacingWait(limit, now), v.capacityWait(limit, now))
}

// decide builds the decision for a view taken before recording now.
func (v windowView) decide(limit Limit, now time.Time) Decision {
	if wait := v.spacingWait(limit, now); wait > 0 {
		return v.denied(limit, now, limiterSpacing, "minimum request interval not elapsed")
	}
	if v.count >= limit.MaxRequests {
		return v.denied(limit, now, limiterSlidingWindow, "sliding window limit exceeded")
	}
	return v.allowed(limit, now)
}

// allowed returns a decision admitting the request at now.
func (v windowView) allowed(limit Limit, now time.Time) Decision {
	count := v.count + 1
	oldest := v.oldest
	if oldest.IsZero() {
		oldest = now
	}

	return Decision{
		Allowed:   true,
		Count:     count,
		Limit:     limit.MaxRequests,
		Remaining: limit.MaxRequests - count,
		ResetAt:   oldest.Add(limit.Window),
		Limiter:   limiterSlidingWindow,
	}
}

// denied returns a rejecting decision carrying the wait hint.
func (v windowView) denied(limit Limit, now time.Time, limiter, reason string) Decision {
	wait := v.waitTime(limit, now)
	return Decision{
		Allowed:   false,
		Count:     v.count,
		Limit:     limit.MaxRequests,
		Remaining: max(limit.MaxRequests-v.count, 0),
		ResetAt:   now.Add(wait),
		WaitTime:  wait,
		Reason:    reason,
		Limiter:   limiter,
	}
}

// positive clamps negative durations to zero.
func positive(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
