// Package breaker gates outbound calls per provider with a circuit breaker
// and retries failed attempts on an exponential backoff schedule.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrInvalidConfig indicates a breaker or backoff setting that cannot be used.
var ErrInvalidConfig = errors.New("invalid breaker config")

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed lets calls through.
	CircuitClosed CircuitState = iota

	// CircuitOpen short-circuits calls until the recovery period passes.
	CircuitOpen

	// CircuitHalfOpen admits a single probe call.
	CircuitHalfOpen
)

var circuitStateNames = map[CircuitState]string{
	CircuitClosed:   "closed",
	CircuitOpen:     "open",
	CircuitHalfOpen: "half_open",
}

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	if name, ok := circuitStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText renders the state by name.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config configures a circuit breaker.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens the circuit.
	FailureThreshold int `yaml:"failure_threshold"`

	// RecoveryPeriod is how long the circuit stays open after the last failure.
	RecoveryPeriod time.Duration `yaml:"recovery_period"`
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryPeriod:   300 * time.Second,
	}
}

// Validate checks the breaker configuration.
func (c Config) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("%w: failure_threshold must be positive", ErrInvalidConfig)
	}
	if c.RecoveryPeriod <= 0 {
		return fmt.Errorf("%w: recovery_period must be positive", ErrInvalidConfig)
	}
	return nil
}

// ProviderHealth is a snapshot of one provider's breaker.
type ProviderHealth struct {
	Provider            string       `json:"provider" yaml:"provider"`
	State               CircuitState `json:"state" yaml:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures" yaml:"consecutive_failures"`
	TotalRequests       int64        `json:"total_requests" yaml:"total_requests"`
	SuccessfulRequests  int64        `json:"successful_requests" yaml:"successful_requests"`
	FailedRequests      int64        `json:"failed_requests" yaml:"failed_requests"`
	ShortCircuited      int64        `json:"short_circuited" yaml:"short_circuited"`
	LastFailureAt       time.Time    `json:"last_failure_at" yaml:"last_failure_at"`
}

// CircuitOpen reports whether calls are currently being short-circuited.
func (h ProviderHealth) CircuitOpen() bool {
	return h.State == CircuitOpen
}

// CircuitBreaker tracks one provider's health and decides whether calls may
// proceed. The OPEN to HALF_OPEN transition is evaluated in Allow; nothing
// runs in the background.
type CircuitBreaker struct {
	mu     sync.Mutex
	health ProviderHealth
	probe  bool
	config Config
	now    func() time.Time
	logger *slog.Logger
}

// NewCircuitBreaker creates a closed breaker for provider.
func NewCircuitBreaker(provider string, config Config, now func() time.Time, logger *slog.Logger) *CircuitBreaker {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreaker{
		health: ProviderHealth{Provider: provider, State: CircuitClosed},
		config: config,
		now:    now,
		logger: logger,
	}
}

// Allow reports whether a call may proceed. Once the recovery period has
// passed an open breaker moves to half-open and admits exactly one probe;
// further callers are refused until the probe is recorded.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.health.State {
	case CircuitOpen:
		if cb.now().Sub(cb.health.LastFailureAt) < cb.config.RecoveryPeriod {
			cb.health.ShortCircuited++
			return false
		}
		cb.transitionTo(CircuitHalfOpen)
		cb.probe = true
		return true
	case CircuitHalfOpen:
		if cb.probe {
			cb.health.ShortCircuited++
			return false
		}
		cb.probe = true
		return true
	default:
		return true
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.health.TotalRequests++
	cb.health.SuccessfulRequests++
	cb.health.ConsecutiveFailures = 0
	cb.probe = false

	if cb.health.State == CircuitHalfOpen {
		cb.transitionTo(CircuitClosed)
	}
}

// RecordFailure records a failed call and opens the circuit when the
// threshold is reached or a probe fails.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.health.TotalRequests++
	cb.health.FailedRequests++
	cb.health.ConsecutiveFailures++
	cb.health.LastFailureAt = cb.now()
	cb.probe = false

	switch cb.health.State {
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)
	case CircuitClosed:
		if cb.health.ConsecutiveFailures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	}
}

// Release gives up an admitted call without an outcome, freeing the probe
// slot when the caller abandoned it.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probe = false
}

// transitionTo changes state. Caller holds mu.
func (cb *CircuitBreaker) transitionTo(state CircuitState) {
	from := cb.health.State
	cb.health.State = state
	cb.logger.Info("circuit state changed",
		"provider", cb.health.Provider,
		"from", from.String(),
		"to", state.String(),
		"consecutive_failures", cb.health.ConsecutiveFailures)
}

// ForceReset closes the breaker and clears the failure streak.
func (cb *CircuitBreaker) ForceReset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.health.ConsecutiveFailures = 0
	cb.probe = false
	if cb.health.State != CircuitClosed {
		cb.transitionTo(CircuitClosed)
	}
}

// State returns the current circuit state without evaluating recovery.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.health.State
}

// Health returns a snapshot of the provider's counters.
func (cb *CircuitBreaker) Health() ProviderHealth {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.health
}

// ConsecutiveFailures returns the current failure streak.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.health.ConsecutiveFailures
}

// Provider returns the provider identifier.
func (cb *CircuitBreaker) Provider() string {
	return cb.health.Provider
}
