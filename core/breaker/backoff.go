package breaker

import (
	"fmt"
	"math"
	"time"
)

// BackoffPolicy controls retries of failed attempts.
type BackoffPolicy struct {
	// MaxAttempts bounds the total number of attempts, the first included.
	MaxAttempts int `yaml:"max_attempts"`

	BaseDelay  time.Duration `yaml:"base_delay"`
	Multiplier float64       `yaml:"multiplier"`
	MaxDelay   time.Duration `yaml:"max_delay"`

	// JitterFraction adds up to this fraction of the delay at random.
	JitterFraction float64 `yaml:"jitter_fraction"`

	// FailurePenalty scales the delay once the provider's failure streak
	// exceeds FailurePenaltyAfter.
	FailurePenaltyAfter int     `yaml:"failure_penalty_after"`
	FailurePenalty      float64 `yaml:"failure_penalty"`

	// RateLimitDelay is the minimum wait after the provider throttles us.
	RateLimitDelay time.Duration `yaml:"rate_limit_delay"`
}

// DefaultBackoffPolicy returns the default retry schedule.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts:         3,
		BaseDelay:           time.Second,
		Multiplier:          2.0,
		MaxDelay:            30 * time.Second,
		JitterFraction:      0.1,
		FailurePenaltyAfter: 3,
		FailurePenalty:      1.5,
		RateLimitDelay:      10 * time.Second,
	}
}

// Validate checks the policy.
func (p BackoffPolicy) Validate() error {
	switch {
	case p.MaxAttempts <= 0:
		return fmt.Errorf("%w: max_attempts must be positive", ErrInvalidConfig)
	case p.BaseDelay < 0 || p.MaxDelay < p.BaseDelay:
		return fmt.Errorf("%w: need 0 <= base_delay <= max_delay", ErrInvalidConfig)
	case p.Multiplier < 1:
		return fmt.Errorf("%w: multiplier must be at least 1", ErrInvalidConfig)
	case p.JitterFraction < 0 || p.JitterFraction > 1:
		return fmt.Errorf("%w: jitter_fraction must be in [0, 1]", ErrInvalidConfig)
	case p.FailurePenalty < 1:
		return fmt.Errorf("%w: failure_penalty must be at least 1", ErrInvalidConfig)
	case p.RateLimitDelay < 0:
		return fmt.Errorf("%w: rate_limit_delay must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Delay returns the pre-jitter delay before retry attempt (0-indexed):
// min(MaxDelay, BaseDelay × Multiplier^attempt), scaled by FailurePenalty
// when consecutiveFailures exceeds FailurePenaltyAfter, then capped again.
func (p BackoffPolicy) Delay(attempt, consecutiveFailures int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	delay = math.Min(delay, float64(p.MaxDelay))

	if consecutiveFailures > p.FailurePenaltyAfter && p.FailurePenalty > 1 {
		delay = math.Min(delay*p.FailurePenalty, float64(p.MaxDelay))
	}
	return time.Duration(delay)
}

// Jittered adds uniform jitter in [0, JitterFraction × delay). random must
// return values in [0, 1).
func (p BackoffPolicy) Jittered(delay time.Duration, random func() float64) time.Duration {
	if p.JitterFraction <= 0 || delay <= 0 || random == nil {
		return delay
	}
	return delay + time.Duration(random()*p.JitterFraction*float64(delay))
}

// RateLimitWait returns the wait after a throttling response, honoring the
// provider's hint when it is longer than RateLimitDelay.
func (p BackoffPolicy) RateLimitWait(retryAfter time.Duration) time.Duration {
	return max(retryAfter, p.RateLimitDelay)
}
