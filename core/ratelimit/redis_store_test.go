package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T, opts ...RedisOption) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisStore(client, opts...), mr
}

func TestRedisStore_AllowWithinWindow(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t, WithPrefix("rl:"))
	limit := Limit{MaxRequests: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		d, err := store.Allow(ctx, "u1", limit, testEpoch.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, i+1, d.Count)
	}
	assert.True(t, mr.Exists("rl:u1"))

	d, err := store.Allow(ctx, "u1", limit, testEpoch.Add(3*time.Second))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, limiterSlidingWindow, d.Limiter)
	assert.Equal(t, 57*time.Second, d.WaitTime)

	wait, err := store.WaitTime(ctx, "u1", limit, testEpoch.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 57*time.Second, wait)
}

func TestRedisStore_PurgesExpiredEntries(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)
	limit := Limit{MaxRequests: 1, Window: 10 * time.Second}

	d, err := store.Allow(ctx, "u1", limit, testEpoch)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = store.Allow(ctx, "u1", limit, testEpoch.Add(9*time.Second))
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = store.Allow(ctx, "u1", limit, testEpoch.Add(11*time.Second))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Count)
}

func TestRedisStore_MinInterval(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)
	limit := Limit{MaxRequests: 10, Window: time.Minute, MinInterval: 2 * time.Second}

	d, err := store.Allow(ctx, "u1", limit, testEpoch)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = store.Allow(ctx, "u1", limit, testEpoch.Add(500*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, limiterSpacing, d.Limiter)
	assert.Equal(t, 1500*time.Millisecond, d.WaitTime)
}

func TestRedisStore_WaitTimeWithoutHistory(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)

	wait, err := store.WaitTime(ctx, "nobody", Limit{MaxRequests: 1, Window: time.Minute}, testEpoch)
	require.NoError(t, err)
	assert.Zero(t, wait)
}

func TestRedisStore_ConcurrentLastSlot(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t, WithTimeout(time.Second))
	limit := Limit{MaxRequests: 3, Window: time.Minute}

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := store.Allow(ctx, "shared", limit, testEpoch)
			if err == nil && d.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), admitted.Load())
}

func TestRedisStore_Unavailable(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t, WithTimeout(50*time.Millisecond))
	mr.Close()

	_, err := store.Allow(ctx, "u1", Limit{MaxRequests: 1, Window: time.Minute}, testEpoch)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	limiter, err := NewSlidingWindowLimiter(store, Limit{MaxRequests: 1, Window: time.Minute})
	require.NoError(t, err)
	assert.True(t, limiter.Allow(ctx, "u1"))
}

func TestStores_AgreeOnSpacing(t *testing.T) {
	ctx := context.Background()
	redisStore, _ := newTestRedisStore(t)
	memStore := NewMemoryStore()
	limit := Limit{MaxRequests: 2, Window: 10 * time.Second, MinInterval: 10 * time.Second}

	offsets := []time.Duration{
		0,
		5 * time.Second,
		10 * time.Second,
		15 * time.Second,
		20500 * time.Millisecond,
		21 * time.Second,
	}

	for _, off := range offsets {
		now := testEpoch.Add(off)

		want, err := memStore.Allow(ctx, "u1", limit, now)
		require.NoError(t, err)
		got, err := redisStore.Allow(ctx, "u1", limit, now)
		require.NoError(t, err)

		assert.Equal(t, want.Allowed, got.Allowed, "allowed at %v", off)
		assert.Equal(t, want.Count, got.Count, "count at %v", off)
		assert.Equal(t, want.WaitTime, got.WaitTime, "wait at %v", off)
		assert.Equal(t, want.Limiter, got.Limiter, "limiter at %v", off)
	}
}
