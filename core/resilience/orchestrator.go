package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/adalundhe/callguard/core/admission"
	"github.com/adalundhe/callguard/core/breaker"
)

// Reasons reported by the orchestrator itself.
const (
	ReasonDeadlineExceeded = breaker.ReasonDeadlineExceeded
	ReasonInternalError    = "internal_error"
)

var errDispatchPanic = errors.New("dispatch panicked")

// Orchestrator runs requests through cache, admission and the breaker
// executor. Identical concurrent misses share one dispatch.
type Orchestrator struct {
	rc       *Context
	settings atomic.Pointer[Settings]
	flight   singleflight.Group
	logger   *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOrchestrator creates an Orchestrator over rc.
func NewOrchestrator(rc *Context, settings Settings, opts ...Option) (*Orchestrator, error) {
	if rc == nil {
		return nil, ErrIncompleteContext
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{rc: rc, logger: slog.Default()}
	o.settings.Store(&settings)
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// SetSettings validates and installs new settings.
func (o *Orchestrator) SetSettings(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	o.settings.Store(&settings)
	return nil
}

// Settings returns the active settings.
func (o *Orchestrator) Settings() Settings {
	return *o.settings.Load()
}

// Context returns the resilience context.
func (o *Orchestrator) Context() *Context {
	return o.rc
}

// Stats returns a snapshot of the pipeline's counters.
func (o *Orchestrator) Stats() Snapshot {
	return o.rc.Metrics.Snapshot(o.rc.Breakers(), o.rc.Cache)
}

// Execute resolves desc to exactly one of CacheHit, RateLimited, Success or
// DegradedFallback. It never returns an error and never panics.
func (o *Orchestrator) Execute(ctx context.Context, desc RequestDescriptor, call OutboundCall) (result Result) {
	start := time.Now()
	settings := o.Settings()
	result = Result{RequestID: uuid.NewString(), Provider: desc.Provider}

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("request pipeline panicked",
				"request_id", result.RequestID,
				"panic", fmt.Sprint(r))
			result = o.fallback(result, settings, desc, ReasonInternalError)
		}
		result.Latency = time.Since(start)
		o.rc.Metrics.RecordOutcome(result.Outcome)
		o.logResult(desc, result)
	}()

	key := desc.CacheKey()
	if value, ok := o.rc.Cache.Get(ctx, key); ok {
		o.rc.Metrics.RecordCacheHit()
		result.Outcome = OutcomeCacheHit
		result.Value = value
		return result
	}
	o.rc.Metrics.RecordCacheMiss()

	ctx, cancel, ok := o.withDeadline(ctx, settings)
	defer cancel()
	if !ok {
		return o.fallback(result, settings, desc, ReasonDeadlineExceeded)
	}

	req := admission.Request{Identity: desc.Identity, Action: desc.Action}
	adm := o.rc.Admission.Check(ctx, req)
	o.rc.Metrics.RecordAdmission(req.Key(), adm.Allowed)
	if !adm.Allowed {
		result.Outcome = OutcomeRateLimited
		result.RetryAfter = adm.RetryAfter
		return result
	}
	result.Degraded = adm.Degraded

	out, err := o.dispatch(ctx, key, desc, call, settings)
	if err != nil {
		return o.fallback(result, settings, desc, dispatchReason(err))
	}
	result.Attempts = out.Attempts
	if out.Fallback {
		result.Outcome = OutcomeDegradedFallback
		result.Value = out.Value
		result.Reason = out.Reason
		return result
	}

	result.Outcome = OutcomeSuccess
	result.Value = out.Value
	return result
}

// dispatch runs the outbound call through the executor, sharing one call
// among concurrent requests with the same cache key and retry budget. The
// shared call is detached from every caller and bounded by the budget alone;
// each caller stops waiting when its own context ends.
func (o *Orchestrator) dispatch(ctx context.Context, key string, desc RequestDescriptor, call OutboundCall, settings Settings) (breaker.Outcome, error) {
	var opts []breaker.CallOption
	if desc.Priority == PriorityLow {
		opts = append(opts, breaker.WithMaxAttempts(1))
	}

	ch := o.flight.DoChan(flightKey(key, desc.Priority), func() (v any, err error) {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("shared dispatch panicked",
					"provider", desc.Provider,
					"panic", fmt.Sprint(r))
				err = fmt.Errorf("%w: %v", errDispatchPanic, r)
			}
		}()

		o.rc.Metrics.enter()
		defer o.rc.Metrics.leave()

		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settings.Budget)
		defer cancel()

		started := time.Now()
		out := o.rc.Executor.Execute(callCtx, desc.Provider, func(ctx context.Context) (string, error) {
			return call(ctx, desc)
		}, append(opts, breaker.WithFallback(settings.fallbackFor(desc.Action)))...)
		o.rc.Metrics.RecordCall(desc.Provider, out, time.Since(started))

		if !out.Fallback {
			o.rc.Cache.Set(context.WithoutCancel(ctx), key, out.Value, settings.CacheTTL)
		}
		return out, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return breaker.Outcome{}, res.Err
		}
		out := res.Val.(breaker.Outcome)
		if out.Fallback {
			out.Value = settings.fallbackFor(desc.Action)
		}
		return out, nil
	case <-ctx.Done():
		return breaker.Outcome{}, ctx.Err()
	}
}

// flightKey separates low priority requests, which get a single attempt,
// from those sharing the full retry budget.
func flightKey(key string, priority Priority) string {
	if priority == PriorityLow {
		return key + "\x1flow"
	}
	return key
}

// dispatchReason maps a dispatch error to a fallback reason.
func dispatchReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return breaker.ReasonCanceled
	default:
		return ReasonInternalError
	}
}

// withDeadline bounds ctx by the budget and the caller's deadline minus the
// margin. It reports false when no time is left.
func (o *Orchestrator) withDeadline(ctx context.Context, settings Settings) (context.Context, context.CancelFunc, bool) {
	budget := settings.Budget
	if deadline, ok := ctx.Deadline(); ok {
		budget = min(budget, time.Until(deadline)-settings.DeadlineMargin)
	}
	if budget <= 0 {
		return ctx, func() {}, false
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	return ctx, cancel, true
}

// fallback turns result into a degraded fallback.
func (o *Orchestrator) fallback(result Result, settings Settings, desc RequestDescriptor, reason string) Result {
	result.Outcome = OutcomeDegradedFallback
	result.Value = settings.fallbackFor(desc.Action)
	result.Reason = reason
	result.RetryAfter = 0
	return result
}

// logResult emits one structured line per request.
func (o *Orchestrator) logResult(desc RequestDescriptor, result Result) {
	level := slog.LevelDebug
	if result.Outcome == OutcomeDegradedFallback || result.Degraded {
		level = slog.LevelWarn
	}

	o.logger.Log(context.Background(), level, "request resolved",
		"request_id", result.RequestID,
		"outcome", result.Outcome.String(),
		"identity", desc.Identity,
		"action", string(desc.Action),
		"priority", desc.Priority.String(),
		"provider", desc.Provider,
		"reason", result.Reason,
		"retry_after", result.RetryAfter,
		"attempts", result.Attempts,
		"latency", result.Latency)
}
