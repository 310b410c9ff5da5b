package breaker

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry holds one circuit breaker per provider.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	config    Config
	overrides map[string]Config
	now       func() time.Time
	logger    *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithProviderConfig overrides the breaker config for one provider.
func WithProviderConfig(provider string, config Config) RegistryOption {
	return func(r *Registry) {
		r.overrides[provider] = config
	}
}

// WithRegistryClock overrides the time source handed to new breakers.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRegistryLogger sets the logger handed to new breakers.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty registry using config for every provider
// without an override.
func NewRegistry(config Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		breakers:  make(map[string]*CircuitBreaker),
		config:    config,
		overrides: make(map[string]Config),
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the breaker for provider, creating it on first use.
func (r *Registry) Get(provider string) *CircuitBreaker {
	r.mu.RLock()
	cb, exists := r.breakers[provider]
	r.mu.RUnlock()

	if exists {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists := r.breakers[provider]; exists {
		return cb
	}

	config := r.config
	if override, ok := r.overrides[provider]; ok {
		config = override
	}
	cb = NewCircuitBreaker(provider, config, r.now, r.logger)
	r.breakers[provider] = cb
	return cb
}

// Snapshot returns the health of every known provider, sorted by name.
func (r *Registry) Snapshot() []ProviderHealth {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.RUnlock()

	health := make([]ProviderHealth, 0, len(breakers))
	for _, cb := range breakers {
		health = append(health, cb.Health())
	}
	sort.Slice(health, func(i, j int) bool {
		return health[i].Provider < health[j].Provider
	})
	return health
}

// Reset closes the breaker for provider if it exists.
func (r *Registry) Reset(provider string) {
	r.mu.RLock()
	cb, exists := r.breakers[provider]
	r.mu.RUnlock()

	if exists {
		cb.ForceReset()
	}
}

// Count returns the number of registered breakers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.breakers)
}
