package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//go:embed sliding_window.lua
var slidingWindowSource string

var slidingWindowScript = redis.NewScript(slidingWindowSource)

const (
	defaultRedisPrefix  = "callguard:ratelimit:"
	defaultRedisTimeout = 100 * time.Millisecond
)

// errInvalidReply indicates the script returned an unexpected shape.
var errInvalidReply = errors.New("invalid sliding window script reply")

// RedisStore keeps window state in Redis sorted sets so every replica shares
// one budget per key. The purge/check/record cycle runs as a single Lua
// script, which Redis executes atomically.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix (default "callguard:ratelimit:").
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithTimeout bounds each Redis round trip (default 100ms).
func WithTimeout(timeout time.Duration) RedisOption {
	return func(s *RedisStore) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// NewRedisStore creates a RedisStore over an existing client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:  client,
		prefix:  defaultRedisPrefix,
		timeout: defaultRedisTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Allow runs the sliding window script for key.
func (s *RedisStore) Allow(ctx context.Context, key string, limit Limit, now time.Time) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	nowUS := now.UnixMicro()
	windowUS := limit.Window.Microseconds()

	reply, err := slidingWindowScript.Run(ctx, s.client, []string{s.prefix + key},
		strconv.FormatInt(nowUS, 10),
		"("+strconv.FormatInt(nowUS-windowUS, 10),
		strconv.FormatInt(windowUS, 10),
		strconv.Itoa(limit.MaxRequests),
		strconv.FormatInt(limit.MinInterval.Microseconds(), 10),
		uuid.NewString(),
		strconv.FormatInt(max(limit.Window.Milliseconds(), 1), 10),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if len(reply) != 4 {
		return Decision{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, errInvalidReply)
	}

	return buildRedisDecision(reply, limit, now), nil
}

// buildRedisDecision converts the script reply into a Decision.
func buildRedisDecision(reply []int64, limit Limit, now time.Time) Decision {
	count := int(reply[1])

	if reply[0] == 1 {
		oldest := time.UnixMicro(reply[2])
		return Decision{
			Allowed:   true,
			Count:     count,
			Limit:     limit.MaxRequests,
			Remaining: limit.MaxRequests - count,
			ResetAt:   oldest.Add(limit.Window),
			Limiter:   limiterSlidingWindow,
		}
	}

	wait := time.Duration(reply[2]) * time.Microsecond
	limiter, reason := limiterSlidingWindow, "sliding window limit exceeded"
	if reply[3] == 1 {
		limiter, reason = limiterSpacing, "minimum request interval not elapsed"
	}

	return Decision{
		Allowed:   false,
		Count:     count,
		Limit:     limit.MaxRequests,
		Remaining: max(limit.MaxRequests-count, 0),
		ResetAt:   now.Add(wait),
		WaitTime:  wait,
		Reason:    reason,
		Limiter:   limiter,
	}
}

// WaitTime reads the window for key without recording anything.
func (s *RedisStore) WaitTime(ctx context.Context, key string, limit Limit, now time.Time) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	view, err := s.readView(ctx, s.prefix+key, limit, now)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return view.waitTime(limit, now), nil
}

// readView fetches count, oldest and newest in-window entries in one pipeline.
func (s *RedisStore) readView(ctx context.Context, key string, limit Limit, now time.Time) (windowView, error) {
	cutoff := strconv.FormatInt(now.Add(-limit.Window).UnixMicro(), 10)

	pipe := s.client.Pipeline()
	countCmd := pipe.ZCount(ctx, key, cutoff, "+inf")
	oldestCmd := pipe.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: cutoff, Max: "+inf", Count: 1})
	newestCmd := pipe.ZRangeWithScores(ctx, key, -1, -1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return windowView{}, err
	}

	view := windowView{count: int(countCmd.Val())}
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		view.oldest = time.UnixMicro(int64(oldest[0].Score))
	}
	if newest := newestCmd.Val(); len(newest) > 0 {
		view.newest = time.UnixMicro(int64(newest[0].Score))
	}
	return view, nil
}
