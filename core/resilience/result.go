package resilience

import "time"

// Outcome tags how a request was resolved.
type Outcome int

const (
	OutcomeCacheHit Outcome = iota
	OutcomeRateLimited
	OutcomeSuccess
	OutcomeDegradedFallback
)

const numOutcomes = int(OutcomeDegradedFallback) + 1

var outcomeNames = map[Outcome]string{
	OutcomeCacheHit:         "cache_hit",
	OutcomeRateLimited:      "rate_limited",
	OutcomeSuccess:          "success",
	OutcomeDegradedFallback: "degraded_fallback",
}

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return "unknown"
}

// MarshalText renders the outcome by name.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Result is what Execute hands back. Value is set for CacheHit, Success and
// DegradedFallback; RetryAfter only for RateLimited.
type Result struct {
	Outcome    Outcome       `json:"outcome" yaml:"outcome"`
	Value      string        `json:"value,omitempty" yaml:"value,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty" yaml:"retry_after,omitempty"`
	Provider   string        `json:"provider,omitempty" yaml:"provider,omitempty"`
	Reason     string        `json:"reason,omitempty" yaml:"reason,omitempty"`
	RequestID  string        `json:"request_id" yaml:"request_id"`
	Latency    time.Duration `json:"latency" yaml:"latency"`
	Attempts   int           `json:"attempts,omitempty" yaml:"attempts,omitempty"`

	// Degraded marks a request admitted while the rate limit store was down.
	Degraded bool `json:"degraded,omitempty" yaml:"degraded,omitempty"`
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds.
func (r Result) RetryAfterSeconds() int {
	if r.RetryAfter <= 0 {
		return 0
	}
	return int((r.RetryAfter + time.Second - 1) / time.Second)
}
