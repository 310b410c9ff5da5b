package admission

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adalundhe/callguard/core/ratelimit"
)

// minRetryAfter is the smallest retry hint returned with a rejection.
const minRetryAfter = time.Millisecond

// TierResolver maps an identity to its tier.
type TierResolver func(ctx context.Context, identity string) Tier

// LoadSignal reports current system load, e.g. in-flight connections.
type LoadSignal func() float64

// Request identifies who is asking and for what.
type Request struct {
	Identity string
	Action   Action
}

// keyEscaper escapes the separator inside identities so that no two
// identity/action pairs share a window key.
var keyEscaper = strings.NewReplacer(`\`, `\\`, `:`, `\:`)

// Key returns the composite window key identity:action. Backslashes and
// colons in the identity are escaped with a backslash.
func (r Request) Key() string {
	return keyEscaper.Replace(r.Identity) + ":" + string(r.Action)
}

// Result is the outcome of an admission check.
type Result struct {
	Allowed      bool
	CurrentCount int
	Limit        int
	Remaining    int
	ResetAt      time.Time
	RetryAfter   time.Duration

	// Degraded is set when the window store failed and the request was let through.
	Degraded  bool
	Effective EffectiveLimit
}

// Controller applies the tiered policy to incoming requests.
type Controller struct {
	limiter *ratelimit.SlidingWindowLimiter
	policy  atomic.Pointer[compiledPolicy]
	tiers   TierResolver
	load    LoadSignal
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithTierResolver sets the identity to tier lookup.
func WithTierResolver(resolver TierResolver) Option {
	return func(c *Controller) {
		if resolver != nil {
			c.tiers = resolver
		}
	}
}

// WithLoadSignal sets the load source.
func WithLoadSignal(signal LoadSignal) Option {
	return func(c *Controller) {
		if signal != nil {
			c.load = signal
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewController creates a Controller over store. A nil store keeps windows
// in process memory.
func NewController(store ratelimit.Store, policy Policy, opts ...Option) (*Controller, error) {
	compiled, err := compilePolicy(policy)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		tiers:  func(context.Context, string) Tier { return fallbackTier },
		load:   func() float64 { return 0 },
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.policy.Store(compiled)

	c.limiter, err = ratelimit.NewSlidingWindowLimiter(store, compiled.policy.Fallback.limit(),
		ratelimit.WithClock(c.now),
		ratelimit.WithLogger(c.logger))
	if err != nil {
		return nil, err
	}
	return c, nil
}

// limit converts a quota without multipliers.
func (q Quota) limit() ratelimit.Limit {
	return ratelimit.Limit{MaxRequests: q.MaxRequests + q.Burst, Window: q.Window, MinInterval: q.MinInterval}
}

// SetPolicy validates and installs a new policy. Existing windows are kept.
func (c *Controller) SetPolicy(policy Policy) error {
	compiled, err := compilePolicy(policy)
	if err != nil {
		return err
	}
	c.policy.Store(compiled)
	c.logger.Info("admission policy updated",
		"actions", len(policy.Actions),
		"patterns", len(policy.Patterns))
	return nil
}

// Policy returns the active policy.
func (c *Controller) Policy() Policy {
	return c.policy.Load().policy
}

// Effective computes the limit req would be checked against right now.
func (c *Controller) Effective(ctx context.Context, req Request) EffectiveLimit {
	p := c.policy.Load()
	quota, rule := p.quota(req.Action)

	tier := c.tiers(ctx, req.Identity)
	if _, ok := p.policy.TierMultipliers[tier]; !ok {
		tier = fallbackTier
	}

	multiplier := p.tierMultiplier(tier) *
		p.policy.TimeOfDay.Multiplier(c.now()) *
		p.policy.Load.Multiplier(c.load())

	return EffectiveLimit{
		MaxRequests: max(1, int(math.Round(float64(quota.MaxRequests)*multiplier))),
		Burst:       quota.Burst,
		Window:      quota.Window,
		MinInterval: quota.MinInterval,
		Tier:        tier,
		Multiplier:  multiplier,
		Rule:        rule,
	}
}

// Check admits or rejects req and records it when admitted. It never
// blocks traffic on a store failure: the request is admitted and the result
// marked degraded.
func (c *Controller) Check(ctx context.Context, req Request) Result {
	eff := c.Effective(ctx, req)
	key := req.Key()
	limit := eff.RateLimit()

	decision, err := c.limiter.AllowLimit(ctx, key, limit)
	if err != nil {
		c.logger.Warn("admission store unavailable, failing open",
			"key", key,
			"error", err)
		return Result{
			Allowed:   true,
			Limit:     limit.MaxRequests,
			Remaining: limit.MaxRequests,
			ResetAt:   c.now().Add(limit.Window),
			Degraded:  true,
			Effective: eff,
		}
	}

	result := Result{
		Allowed:      decision.Allowed,
		CurrentCount: decision.Count,
		Limit:        limit.MaxRequests,
		Remaining:    decision.Remaining,
		ResetAt:      decision.ResetAt,
		Effective:    eff,
	}
	if decision.Allowed {
		return result
	}

	wait := c.limiter.WaitTimeLimit(ctx, key, limit)
	result.RetryAfter = max(wait, decision.WaitTime, minRetryAfter)

	c.logger.Debug("admission rejected",
		"key", key,
		"tier", eff.Tier,
		"rule", eff.Rule,
		"count", decision.Count,
		"limit", limit.MaxRequests,
		"retry_after", result.RetryAfter)
	return result
}
