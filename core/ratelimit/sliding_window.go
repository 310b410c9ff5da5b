package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SlidingWindowLimiter gates requests per identity against a rolling window
// of admitted timestamps held in a Store.
type SlidingWindowLimiter struct {
	store  Store
	limit  Limit
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a SlidingWindowLimiter.
type Option func(*SlidingWindowLimiter)

// WithLogger sets the logger used for store failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *SlidingWindowLimiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *SlidingWindowLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// NewSlidingWindowLimiter creates a limiter applying limit to every identity.
// A nil store defaults to a fresh MemoryStore.
func NewSlidingWindowLimiter(store Store, limit Limit, opts ...Option) (*SlidingWindowLimiter, error) {
	if err := limit.Validate(); err != nil {
		return nil, fmt.Errorf("sliding window limiter: %w", err)
	}
	if store == nil {
		store = NewMemoryStore()
	}

	l := &SlidingWindowLimiter{
		store:  store,
		limit:  limit,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Allow reports whether identity may proceed under the configured limit.
// A store failure admits the request.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, identity string) bool {
	decision, err := l.AllowLimit(ctx, identity, l.limit)
	if err != nil {
		l.logger.Warn("rate limit store failed, admitting request",
			"identity", identity,
			"error", err)
		return true
	}
	return decision.Allowed
}

// AllowLimit checks and records one request for identity under limit.
// Store failures are returned to the caller undecided.
func (l *SlidingWindowLimiter) AllowLimit(ctx context.Context, identity string, limit Limit) (Decision, error) {
	if err := limit.Validate(); err != nil {
		return Decision{}, err
	}
	return l.store.Allow(ctx, identity, limit, l.now())
}

// WaitTime returns how long identity should wait before retrying. It never
// fails; an unknown identity or a store error yields zero.
func (l *SlidingWindowLimiter) WaitTime(ctx context.Context, identity string) time.Duration {
	return l.WaitTimeLimit(ctx, identity, l.limit)
}

// WaitTimeLimit is WaitTime for an explicit limit.
func (l *SlidingWindowLimiter) WaitTimeLimit(ctx context.Context, identity string, limit Limit) time.Duration {
	wait, err := l.store.WaitTime(ctx, identity, limit, l.now())
	if err != nil {
		l.logger.Debug("rate limit wait time unavailable",
			"identity", identity,
			"error", err)
		return 0
	}
	return wait
}

// Limit returns the default limit.
func (l *SlidingWindowLimiter) Limit() Limit {
	return l.limit
}
