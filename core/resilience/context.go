package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adalundhe/callguard/core/admission"
	"github.com/adalundhe/callguard/core/breaker"
	"github.com/adalundhe/callguard/core/cache"
)

var (
	// ErrIncompleteContext indicates a Context missing one of its parts.
	ErrIncompleteContext = errors.New("incomplete resilience context")

	// ErrInvalidSettings indicates unusable orchestrator settings.
	ErrInvalidSettings = errors.New("invalid orchestrator settings")
)

// Context owns the shared state of the call pipeline: the response cache,
// the admission windows, the provider breakers and the metrics. Several
// independent contexts may live in one process.
type Context struct {
	Cache     cache.Cache
	Admission *admission.Controller
	Executor  *breaker.Executor
	Metrics   *Metrics

	mu      sync.Mutex
	closers []func() error
}

// NewContext bundles the pipeline parts. A nil metrics gets a default one.
func NewContext(c cache.Cache, adm *admission.Controller, exec *breaker.Executor, metrics *Metrics) (*Context, error) {
	if c == nil || adm == nil || exec == nil {
		return nil, ErrIncompleteContext
	}
	if metrics == nil {
		var err error
		if metrics, err = NewMetrics(0, 0); err != nil {
			return nil, err
		}
	}
	return &Context{Cache: c, Admission: adm, Executor: exec, Metrics: metrics}, nil
}

// Breakers returns the provider breaker registry.
func (c *Context) Breakers() *breaker.Registry {
	return c.Executor.Registry()
}

// OnClose registers fn to run when the context is closed.
func (c *Context) OnClose(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, fn)
}

// Close releases resources registered with OnClose, newest first.
func (c *Context) Close() error {
	c.mu.Lock()
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Settings tune the orchestrator.
type Settings struct {
	// CacheTTL is how long successful responses are reused.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// Budget caps the total time spent on one request, retries included.
	Budget time.Duration `yaml:"budget"`

	// DeadlineMargin is kept free before the caller's own deadline.
	DeadlineMargin time.Duration `yaml:"deadline_margin"`

	DefaultFallback string                      `yaml:"default_fallback"`
	Fallbacks       map[admission.Action]string `yaml:"fallbacks"`
}

// DefaultSettings returns the default orchestrator settings.
func DefaultSettings() Settings {
	return Settings{
		CacheTTL:        cache.DefaultTTL,
		Budget:          60 * time.Second,
		DeadlineMargin:  250 * time.Millisecond,
		DefaultFallback: breaker.DefaultFallback,
		Fallbacks: map[admission.Action]string{
			admission.ActionCompletion: "AI assistance is temporarily unavailable. Please try again in a few minutes.",
			admission.ActionSubmission: "Automated feedback is delayed. Your submission was saved and will be reviewed shortly.",
		},
	}
}

// Validate checks the settings.
func (s Settings) Validate() error {
	if s.CacheTTL <= 0 {
		return fmt.Errorf("%w: cache_ttl must be positive", ErrInvalidSettings)
	}
	if s.Budget <= 0 {
		return fmt.Errorf("%w: budget must be positive", ErrInvalidSettings)
	}
	if s.DeadlineMargin < 0 || s.DeadlineMargin >= s.Budget {
		return fmt.Errorf("%w: deadline_margin must be in [0, budget)", ErrInvalidSettings)
	}
	if s.DefaultFallback == "" {
		return fmt.Errorf("%w: default_fallback must not be empty", ErrInvalidSettings)
	}
	return nil
}

// fallbackFor returns the fallback value for action.
func (s Settings) fallbackFor(action admission.Action) string {
	if msg, ok := s.Fallbacks[action]; ok && msg != "" {
		return msg
	}
	return s.DefaultFallback
}
