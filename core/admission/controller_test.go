package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/callguard/core/ratelimit"
)

// quietHour is outside both the peak and off-peak windows of DefaultPolicy.
var quietHour = time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type brokenStore struct{}

func (brokenStore) Allow(context.Context, string, ratelimit.Limit, time.Time) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, ratelimit.ErrStoreUnavailable
}

func (brokenStore) WaitTime(context.Context, string, ratelimit.Limit, time.Time) (time.Duration, error) {
	return 0, ratelimit.ErrStoreUnavailable
}

func singleActionPolicy(q Quota) Policy {
	p := DefaultPolicy()
	p.Actions = map[Action]Quota{ActionCompletion: q}
	return p
}

func TestController_FourthCallRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &testClock{now: quietHour}
	c, err := NewController(nil, singleActionPolicy(Quota{MaxRequests: 3, Window: 60 * time.Second}),
		WithClock(clock.Now))
	require.NoError(t, err)

	req := Request{Identity: "user-1", Action: ActionCompletion}
	for i := 0; i < 3; i++ {
		res := c.Check(ctx, req)
		assert.True(t, res.Allowed, "call at t=%d", i)
		assert.Equal(t, i+1, res.CurrentCount)
		assert.Equal(t, 3, res.Limit)
		clock.Advance(time.Second)
	}

	res := c.Check(ctx, req)
	assert.False(t, res.Allowed)
	assert.Equal(t, 57*time.Second, res.RetryAfter)
	assert.Equal(t, 0, res.Remaining)
	assert.False(t, res.Degraded)
}

func TestController_BurstExtendsLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &testClock{now: quietHour}
	c, err := NewController(nil, singleActionPolicy(Quota{MaxRequests: 2, Window: time.Minute, Burst: 1}),
		WithClock(clock.Now))
	require.NoError(t, err)

	req := Request{Identity: "user-1", Action: ActionCompletion}
	for i := 0; i < 3; i++ {
		assert.True(t, c.Check(ctx, req).Allowed)
	}
	assert.False(t, c.Check(ctx, req).Allowed)
}

func TestController_Effective(t *testing.T) {
	t.Parallel()

	base := Quota{MaxRequests: 20, Window: time.Minute}

	tests := []struct {
		name  string
		at    time.Time
		tier  Tier
		load  float64
		quota Quota
		want  int
	}{
		{name: "free quiet hour", at: quietHour, tier: TierFree, quota: base, want: 20},
		{name: "premium", at: quietHour, tier: TierPremium, quota: base, want: 40},
		{name: "admin", at: quietHour, tier: TierAdmin, quota: base, want: 200},
		{name: "unknown tier falls back to free", at: quietHour, tier: "gold", quota: base, want: 20},
		{name: "peak hours", at: quietHour.Add(3 * time.Hour), tier: TierFree, quota: base, want: 16},
		{name: "off peak", at: quietHour.Add(-4 * time.Hour), tier: TierFree, quota: base, want: 30},
		{name: "half load", at: quietHour, tier: TierFree, load: 50, quota: base, want: 10},
		{name: "overload clamps to floor", at: quietHour, tier: TierFree, load: 1000, quota: base, want: 6},
		{name: "never below one", at: quietHour, tier: TierFree, load: 1000, quota: Quota{MaxRequests: 1, Window: time.Minute}, want: 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c, err := NewController(nil, singleActionPolicy(tc.quota),
				WithClock(func() time.Time { return tc.at }),
				WithTierResolver(func(context.Context, string) Tier { return tc.tier }),
				WithLoadSignal(func() float64 { return tc.load }))
			require.NoError(t, err)

			eff := c.Effective(context.Background(), Request{Identity: "u", Action: ActionCompletion})
			assert.Equal(t, tc.want, eff.MaxRequests)
			assert.Equal(t, tc.quota.Window, eff.Window)
		})
	}
}

func TestController_QuotaResolution(t *testing.T) {
	t.Parallel()

	policy := DefaultPolicy()
	policy.Actions = map[Action]Quota{
		"report.export": {MaxRequests: 7, Window: time.Minute},
	}
	policy.Patterns = []PatternQuota{
		{Pattern: "report.*", Quota: Quota{MaxRequests: 4, Window: time.Minute}},
		{Pattern: "*", Quota: Quota{MaxRequests: 9, Window: time.Minute}},
	}
	policy.Fallback = Quota{MaxRequests: 2, Window: time.Minute}

	c, err := NewController(nil, policy, WithClock(func() time.Time { return quietHour }))
	require.NoError(t, err)

	tests := []struct {
		action   Action
		wantMax  int
		wantRule string
	}{
		{action: "report.export", wantMax: 7, wantRule: "report.export"},
		{action: "report.daily", wantMax: 4, wantRule: "report.*"},
		{action: "search", wantMax: 9, wantRule: "*"},
	}

	for _, tc := range tests {
		eff := c.Effective(context.Background(), Request{Identity: "u", Action: tc.action})
		assert.Equal(t, tc.wantMax, eff.MaxRequests, tc.action)
		assert.Equal(t, tc.wantRule, eff.Rule, tc.action)
	}

	policy.Patterns = nil
	require.NoError(t, c.SetPolicy(policy))
	eff := c.Effective(context.Background(), Request{Identity: "u", Action: "search"})
	assert.Equal(t, 2, eff.MaxRequests)
	assert.Equal(t, "fallback", eff.Rule)
}

func TestController_ActionsHaveSeparateWindows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	policy := DefaultPolicy()
	policy.Actions = map[Action]Quota{
		ActionCompletion: {MaxRequests: 1, Window: time.Minute},
		ActionLogin:      {MaxRequests: 1, Window: time.Minute},
	}
	c, err := NewController(nil, policy, WithClock(func() time.Time { return quietHour }))
	require.NoError(t, err)

	assert.True(t, c.Check(ctx, Request{Identity: "u", Action: ActionCompletion}).Allowed)
	assert.True(t, c.Check(ctx, Request{Identity: "u", Action: ActionLogin}).Allowed)
	assert.True(t, c.Check(ctx, Request{Identity: "v", Action: ActionLogin}).Allowed)
	assert.False(t, c.Check(ctx, Request{Identity: "u", Action: ActionLogin}).Allowed)
}

func TestRequest_KeyKeepsPartsApart(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  Request
		want string
	}{
		{name: "plain", req: Request{Identity: "student-9", Action: ActionLogin}, want: "student-9:login"},
		{name: "colon in identity", req: Request{Identity: "a:b", Action: "c"}, want: `a\:b:c`},
		{name: "colon in action", req: Request{Identity: "a", Action: "b:c"}, want: "a:b:c"},
		{name: "backslash in identity", req: Request{Identity: `a\`, Action: "b"}, want: `a\\:b`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, tc.req.Key())
		})
	}
}

func TestController_ColonIdentitiesHaveSeparateWindows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	policy := DefaultPolicy()
	policy.Patterns = nil
	policy.Actions = nil
	policy.Fallback = Quota{MaxRequests: 1, Window: time.Minute}
	c, err := NewController(nil, policy, WithClock(func() time.Time { return quietHour }))
	require.NoError(t, err)

	assert.True(t, c.Check(ctx, Request{Identity: "a:b", Action: "c"}).Allowed)
	assert.True(t, c.Check(ctx, Request{Identity: "a", Action: "b:c"}).Allowed)
	assert.False(t, c.Check(ctx, Request{Identity: "a:b", Action: "c"}).Allowed)
}

func TestController_FailsOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, err := NewController(brokenStore{}, singleActionPolicy(Quota{MaxRequests: 1, Window: time.Minute}),
		WithClock(func() time.Time { return quietHour }))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res := c.Check(ctx, Request{Identity: "u", Action: ActionCompletion})
		assert.True(t, res.Allowed)
		assert.True(t, res.Degraded)
		assert.Zero(t, res.RetryAfter)
	}
}

func TestController_NeverExceedsLimitPlusBurst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &testClock{now: quietHour}
	quota := Quota{MaxRequests: 3, Window: 10 * time.Second, Burst: 2}
	c, err := NewController(nil, singleActionPolicy(quota), WithClock(clock.Now))
	require.NoError(t, err)

	var accepted []time.Time
	for i := 0; i < 200; i++ {
		if c.Check(ctx, Request{Identity: "u", Action: ActionCompletion}).Allowed {
			accepted = append(accepted, clock.Now())
		}
		clock.Advance(430 * time.Millisecond)
	}

	for i, start := range accepted {
		n := 0
		for _, ts := range accepted[i:] {
			if ts.Sub(start) < quota.Window {
				n++
			}
		}
		assert.LessOrEqual(t, n, quota.MaxRequests+quota.Burst)
	}
}

func TestPolicy_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Policy)
	}{
		{name: "zero quota", mutate: func(p *Policy) { p.Actions[ActionLogin] = Quota{Window: time.Minute} }},
		{name: "zero window", mutate: func(p *Policy) { p.Fallback.Window = 0 }},
		{name: "negative burst", mutate: func(p *Policy) { p.Fallback.Burst = -1 }},
		{name: "spacing longer than window", mutate: func(p *Policy) {
			p.Fallback.MinInterval = 2 * p.Fallback.Window
		}},
		{name: "bad pattern", mutate: func(p *Policy) {
			p.Patterns = []PatternQuota{{Pattern: "[", Quota: Quota{MaxRequests: 1, Window: time.Second}}}
		}},
		{name: "missing free tier", mutate: func(p *Policy) { delete(p.TierMultipliers, TierFree) }},
		{name: "zero tier multiplier", mutate: func(p *Policy) { p.TierMultipliers[TierPremium] = 0 }},
		{name: "hour out of range", mutate: func(p *Policy) { p.TimeOfDay.PeakEnd = 25 }},
		{name: "zero load floor", mutate: func(p *Policy) { p.Load.Floor = 0 }},
	}

	require.NoError(t, DefaultPolicy().Validate())

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			p := DefaultPolicy()
			tc.mutate(&p)
			assert.ErrorIs(t, p.Validate(), ErrInvalidPolicy)

			_, err := NewController(nil, p)
			assert.ErrorIs(t, err, ErrInvalidPolicy)
		})
	}
}

func TestTimeOfDay_WrapsMidnight(t *testing.T) {
	t.Parallel()

	d := TimeOfDay{PeakStart: 22, PeakEnd: 2, PeakMultiplier: 0.5, OffPeakMultiplier: 2}
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 0.5, d.Multiplier(day.Add(23*time.Hour)))
	assert.Equal(t, 0.5, d.Multiplier(day.Add(time.Hour)))
	assert.Equal(t, 1.0, d.Multiplier(day.Add(12*time.Hour)))
}
