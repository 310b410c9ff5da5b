package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Fallback reasons reported in an Outcome.
const (
	ReasonCircuitOpen      = "circuit_open"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonPermanentError   = "permanent_error"
	ReasonDeadlineExceeded = "deadline_exceeded"
	ReasonCanceled         = "canceled"
)

// DefaultFallback is returned when no fallback value is configured.
const DefaultFallback = "The service is temporarily unavailable. Please try again shortly."

// ErrCallPanicked wraps a panic raised by an outbound call.
var ErrCallPanicked = errors.New("outbound call panicked")

// Call performs one outbound attempt.
type Call func(ctx context.Context) (string, error)

// Outcome is the result of Execute. Exactly one of a real Value or a
// Fallback is produced; errors never escape as panics or returns.
type Outcome struct {
	Value    string
	Fallback bool
	Reason   string
	Attempts int

	// Err and Class describe the last failed attempt, if any.
	Err   error
	Class ErrorClass
}

// Executor runs calls through the provider's breaker with retries.
type Executor struct {
	registry       *Registry
	policy         BackoffPolicy
	attemptTimeout time.Duration
	fallback       string
	logger         *slog.Logger
	sleep          func(ctx context.Context, d time.Duration) error
	random         func() float64
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithAttemptTimeout bounds each attempt.
func WithAttemptTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.attemptTimeout = d
	}
}

// WithFallbackValue sets the default fallback value.
func WithFallbackValue(value string) ExecutorOption {
	return func(e *Executor) {
		e.fallback = value
	}
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithSleep replaces the wait between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithRandom replaces the jitter source. It must return values in [0, 1).
func WithRandom(random func() float64) ExecutorOption {
	return func(e *Executor) {
		if random != nil {
			e.random = random
		}
	}
}

// NewExecutor creates an Executor over registry.
func NewExecutor(registry *Registry, policy BackoffPolicy, opts ...ExecutorOption) (*Executor, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	e := &Executor{
		registry: registry,
		policy:   policy,
		fallback: DefaultFallback,
		logger:   slog.Default(),
		sleep:    waitBeforeRetry,
		random:   rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// callSettings are per-call overrides.
type callSettings struct {
	maxAttempts int
	fallback    string
}

// CallOption overrides executor settings for one call.
type CallOption func(*callSettings)

// WithMaxAttempts caps attempts for one call.
func WithMaxAttempts(n int) CallOption {
	return func(s *callSettings) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithFallback sets the fallback value for one call.
func WithFallback(value string) CallOption {
	return func(s *callSettings) {
		if value != "" {
			s.fallback = value
		}
	}
}

// Registry returns the breaker registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Policy returns the backoff policy.
func (e *Executor) Policy() BackoffPolicy {
	return e.policy
}

// Execute runs call against provider. An open breaker returns the fallback
// without invoking call. Failures are retried with backoff until the
// attempts run out, a permanent error is seen, or ctx is done.
func (e *Executor) Execute(ctx context.Context, provider string, call Call, opts ...CallOption) Outcome {
	settings := callSettings{maxAttempts: e.policy.MaxAttempts, fallback: e.fallback}
	for _, opt := range opts {
		opt(&settings)
	}

	cb := e.registry.Get(provider)
	out := Outcome{}

	for attempt := 0; attempt < settings.maxAttempts; attempt++ {
		if !cb.Allow() {
			return e.fallbackOutcome(provider, out, settings, ReasonCircuitOpen)
		}

		out.Attempts++
		value, err := e.attempt(ctx, call)
		if err == nil {
			cb.RecordSuccess()
			return Outcome{Value: value, Attempts: out.Attempts}
		}
		out.Err = err

		if errors.Is(ctx.Err(), context.Canceled) {
			cb.Release()
			out.Class = ClassCanceled
			return e.fallbackOutcome(provider, out, settings, ReasonCanceled)
		}

		cb.RecordFailure()
		out.Class = Classify(err)
		if out.Class == ClassCanceled {
			out.Class = ClassTransient
		}

		if ctx.Err() != nil {
			return e.fallbackOutcome(provider, out, settings, ReasonDeadlineExceeded)
		}
		if out.Class == ClassPermanent {
			return e.fallbackOutcome(provider, out, settings, ReasonPermanentError)
		}
		if attempt == settings.maxAttempts-1 {
			break
		}

		delay := e.retryDelay(out, attempt, cb.ConsecutiveFailures())
		if exceedsDeadline(ctx, delay) {
			return e.fallbackOutcome(provider, out, settings, ReasonDeadlineExceeded)
		}

		e.logger.Debug("retrying outbound call",
			"provider", provider,
			"attempt", out.Attempts,
			"class", out.Class.String(),
			"delay", delay,
			"error", err)

		if err := e.sleep(ctx, delay); err != nil {
			reason := ReasonDeadlineExceeded
			if errors.Is(err, context.Canceled) {
				reason = ReasonCanceled
			}
			return e.fallbackOutcome(provider, out, settings, reason)
		}
	}

	return e.fallbackOutcome(provider, out, settings, ReasonRetriesExhausted)
}

// retryDelay picks the wait before the next attempt.
func (e *Executor) retryDelay(out Outcome, attempt, consecutiveFailures int) time.Duration {
	if out.Class == ClassRateLimited {
		return e.policy.RateLimitWait(RetryAfter(out.Err))
	}
	return e.policy.Jittered(e.policy.Delay(attempt, consecutiveFailures), e.random)
}

// attempt runs call once, bounded by the attempt timeout. A call that
// ignores its context is abandoned when the timeout fires.
func (e *Executor) attempt(ctx context.Context, call Call) (string, error) {
	if e.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.attemptTimeout)
		defer cancel()
	}

	type result struct {
		value string
		err   error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%w: %v", ErrCallPanicked, r)}
			}
		}()
		value, err := call(ctx)
		done <- result{value: value, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// fallbackOutcome finalizes out as a fallback and logs it.
func (e *Executor) fallbackOutcome(provider string, out Outcome, settings callSettings, reason string) Outcome {
	out.Value = settings.fallback
	out.Fallback = true
	out.Reason = reason

	e.logger.Warn("outbound call degraded to fallback",
		"provider", provider,
		"reason", reason,
		"attempts", out.Attempts,
		"error", out.Err)
	return out
}

// exceedsDeadline reports whether waiting d would run past ctx's deadline.
func exceedsDeadline(ctx context.Context, d time.Duration) bool {
	deadline, ok := ctx.Deadline()
	return ok && time.Until(deadline) <= d
}

// waitBeforeRetry waits for the specified delay or returns if context is cancelled.
func waitBeforeRetry(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
