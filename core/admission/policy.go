// Package admission turns per-action quotas into effective per-identity
// limits and enforces them through the sliding window limiter.
package admission

import (
	"errors"
	"fmt"
	"time"

	"github.com/gobwas/glob"

	"github.com/adalundhe/callguard/core/ratelimit"
)

// ErrInvalidPolicy indicates a policy that cannot be enforced.
var ErrInvalidPolicy = errors.New("invalid admission policy")

// Action tags the kind of work a request performs.
type Action string

const (
	ActionCompletion Action = "completion"
	ActionSubmission Action = "submission"
	ActionLogin      Action = "login"
)

// Tier is the caller's service level.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
	TierAdmin   Tier = "admin"
)

// fallbackTier is applied when the resolver returns an unknown tier.
const fallbackTier = TierFree

// Quota is the base allowance for one action before multipliers.
type Quota struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
	Burst       int           `yaml:"burst"`
	MinInterval time.Duration `yaml:"min_interval"`
}

// Validate checks the quota fields.
func (q Quota) Validate() error {
	if q.MaxRequests <= 0 {
		return fmt.Errorf("%w: max_requests must be positive", ErrInvalidPolicy)
	}
	if q.Window <= 0 {
		return fmt.Errorf("%w: window must be positive", ErrInvalidPolicy)
	}
	if q.Burst < 0 || q.MinInterval < 0 {
		return fmt.Errorf("%w: burst and min_interval must not be negative", ErrInvalidPolicy)
	}
	if q.MinInterval > q.Window {
		return fmt.Errorf("%w: min_interval must not exceed window", ErrInvalidPolicy)
	}
	return nil
}

// PatternQuota applies a quota to every action matching a glob pattern.
type PatternQuota struct {
	Pattern string `yaml:"pattern"`
	Quota   Quota  `yaml:",inline"`
}

// TimeOfDay holds the peak and off-peak multipliers. Hours are [start, end)
// in the clock's location and may wrap past midnight; start == end disables
// the window.
type TimeOfDay struct {
	PeakStart         int     `yaml:"peak_start"`
	PeakEnd           int     `yaml:"peak_end"`
	PeakMultiplier    float64 `yaml:"peak_multiplier"`
	OffPeakStart      int     `yaml:"off_peak_start"`
	OffPeakEnd        int     `yaml:"off_peak_end"`
	OffPeakMultiplier float64 `yaml:"off_peak_multiplier"`
}

// Multiplier returns the multiplier in effect at t.
func (d TimeOfDay) Multiplier(t time.Time) float64 {
	hour := t.Hour()
	switch {
	case inHours(hour, d.PeakStart, d.PeakEnd):
		return d.PeakMultiplier
	case inHours(hour, d.OffPeakStart, d.OffPeakEnd):
		return d.OffPeakMultiplier
	default:
		return 1.0
	}
}

// inHours reports whether hour falls in [start, end), wrapping at midnight.
func inHours(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// Load scales quotas down as the load signal approaches Threshold.
type Load struct {
	Threshold float64 `yaml:"threshold"`
	Floor     float64 `yaml:"floor"`
}

// Multiplier maps a load reading to max(Floor, 1 - load/Threshold).
func (l Load) Multiplier(load float64) float64 {
	if l.Threshold <= 0 || load <= 0 {
		return 1.0
	}
	return max(l.Floor, 1-load/l.Threshold)
}

// Policy is the full admission configuration.
type Policy struct {
	Actions         map[Action]Quota `yaml:"actions"`
	Patterns        []PatternQuota   `yaml:"patterns"`
	Fallback        Quota            `yaml:"fallback"`
	TierMultipliers map[Tier]float64 `yaml:"tier_multipliers"`
	TimeOfDay       TimeOfDay        `yaml:"time_of_day"`
	Load            Load             `yaml:"load"`
}

// DefaultPolicy returns the reference policy.
func DefaultPolicy() Policy {
	return Policy{
		Actions: map[Action]Quota{
			ActionCompletion: {MaxRequests: 20, Window: time.Minute, Burst: 5, MinInterval: 500 * time.Millisecond},
			ActionSubmission: {MaxRequests: 10, Window: time.Minute, Burst: 2},
			ActionLogin:      {MaxRequests: 5, Window: 5 * time.Minute},
		},
		Fallback: Quota{MaxRequests: 30, Window: time.Minute},
		TierMultipliers: map[Tier]float64{
			TierFree:    1.0,
			TierPremium: 2.0,
			TierAdmin:   10.0,
		},
		TimeOfDay: TimeOfDay{
			PeakStart:         9,
			PeakEnd:           18,
			PeakMultiplier:    0.8,
			OffPeakStart:      0,
			OffPeakEnd:        6,
			OffPeakMultiplier: 1.5,
		},
		Load: Load{
			Threshold: 100,
			Floor:     0.3,
		},
	}
}

// Validate checks every quota, multiplier and hour range.
func (p Policy) Validate() error {
	for action, q := range p.Actions {
		if err := q.Validate(); err != nil {
			return fmt.Errorf("action %q: %w", action, err)
		}
	}
	for _, pq := range p.Patterns {
		if err := pq.Quota.Validate(); err != nil {
			return fmt.Errorf("pattern %q: %w", pq.Pattern, err)
		}
		if _, err := glob.Compile(pq.Pattern); err != nil {
			return fmt.Errorf("%w: pattern %q: %v", ErrInvalidPolicy, pq.Pattern, err)
		}
	}
	if err := p.Fallback.Validate(); err != nil {
		return fmt.Errorf("fallback: %w", err)
	}
	if _, ok := p.TierMultipliers[fallbackTier]; !ok {
		return fmt.Errorf("%w: tier %q must have a multiplier", ErrInvalidPolicy, fallbackTier)
	}
	for tier, m := range p.TierMultipliers {
		if m <= 0 {
			return fmt.Errorf("%w: tier %q multiplier must be positive", ErrInvalidPolicy, tier)
		}
	}
	return p.validateSignals()
}

// validateSignals checks the time-of-day and load sections.
func (p Policy) validateSignals() error {
	d := p.TimeOfDay
	for _, h := range []int{d.PeakStart, d.PeakEnd, d.OffPeakStart, d.OffPeakEnd} {
		if h < 0 || h > 24 {
			return fmt.Errorf("%w: hour %d out of range", ErrInvalidPolicy, h)
		}
	}
	if d.PeakMultiplier <= 0 || d.OffPeakMultiplier <= 0 {
		return fmt.Errorf("%w: time of day multipliers must be positive", ErrInvalidPolicy)
	}
	if p.Load.Threshold < 0 {
		return fmt.Errorf("%w: load threshold must not be negative", ErrInvalidPolicy)
	}
	if p.Load.Floor <= 0 || p.Load.Floor > 1 {
		return fmt.Errorf("%w: load floor must be in (0, 1]", ErrInvalidPolicy)
	}
	return nil
}

// compiledPattern is a PatternQuota with its matcher.
type compiledPattern struct {
	matcher glob.Glob
	quota   Quota
	pattern string
}

// compiledPolicy is a validated Policy ready for lookups.
type compiledPolicy struct {
	policy   Policy
	patterns []compiledPattern
}

// compilePolicy validates p and compiles its patterns.
func compilePolicy(p Policy) (*compiledPolicy, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	patterns := make([]compiledPattern, 0, len(p.Patterns))
	for _, pq := range p.Patterns {
		matcher, err := glob.Compile(pq.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: pattern %q: %v", ErrInvalidPolicy, pq.Pattern, err)
		}
		patterns = append(patterns, compiledPattern{matcher: matcher, quota: pq.Quota, pattern: pq.Pattern})
	}

	return &compiledPolicy{policy: p, patterns: patterns}, nil
}

// quota resolves an action: exact match, then first matching pattern, then
// the fallback. The second return names the rule that matched.
func (c *compiledPolicy) quota(action Action) (Quota, string) {
	if q, ok := c.policy.Actions[action]; ok {
		return q, string(action)
	}
	for _, p := range c.patterns {
		if p.matcher.Match(string(action)) {
			return p.quota, p.pattern
		}
	}
	return c.policy.Fallback, "fallback"
}

// tierMultiplier returns the multiplier for tier, falling back to the free tier.
func (c *compiledPolicy) tierMultiplier(tier Tier) float64 {
	if m, ok := c.policy.TierMultipliers[tier]; ok {
		return m
	}
	return c.policy.TierMultipliers[fallbackTier]
}

// EffectiveLimit is the limit derived for one call.
type EffectiveLimit struct {
	MaxRequests int
	Burst       int
	Window      time.Duration
	MinInterval time.Duration
	Tier        Tier
	Multiplier  float64
	Rule        string
}

// Total is MaxRequests plus the burst allowance.
func (e EffectiveLimit) Total() int {
	return e.MaxRequests + e.Burst
}

// RateLimit converts the effective limit for the sliding window limiter.
func (e EffectiveLimit) RateLimit() ratelimit.Limit {
	return ratelimit.Limit{
		MaxRequests: e.Total(),
		Window:      e.Window,
		MinInterval: e.MinInterval,
	}
}
