package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adalundhe/callguard/core/admission"
	"github.com/adalundhe/callguard/core/breaker"
	"github.com/adalundhe/callguard/core/cache"
	"github.com/adalundhe/callguard/core/providers"
	"github.com/adalundhe/callguard/core/ratelimit"
	"github.com/adalundhe/callguard/core/resilience"
)

// Runtime is a fully wired call pipeline.
type Runtime struct {
	Context      *resilience.Context
	Orchestrator *resilience.Orchestrator
	Providers    map[string]providers.Provider

	logger *slog.Logger
}

type buildOptions struct {
	logger       *slog.Logger
	redis        redis.UniversalClient
	now          func() time.Time
	tierResolver admission.TierResolver
	executorOpts []breaker.ExecutorOption
}

// BuildOption adjusts how Build wires the pipeline.
type BuildOption func(*buildOptions)

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) BuildOption {
	return func(o *buildOptions) {
		o.logger = logger
	}
}

// WithRedisClient supplies an existing client instead of dialing redis.addrs.
// The caller keeps ownership of the client.
func WithRedisClient(client redis.UniversalClient) BuildOption {
	return func(o *buildOptions) {
		o.redis = client
	}
}

// WithClock overrides the clock shared by the cache, admission and breakers.
func WithClock(now func() time.Time) BuildOption {
	return func(o *buildOptions) {
		o.now = now
	}
}

// WithTierResolver replaces the identity_tiers lookup.
func WithTierResolver(resolver admission.TierResolver) BuildOption {
	return func(o *buildOptions) {
		o.tierResolver = resolver
	}
}

// WithExecutorOptions passes extra options to the breaker executor.
func WithExecutorOptions(opts ...breaker.ExecutorOption) BuildOption {
	return func(o *buildOptions) {
		o.executorOpts = append(o.executorOpts, opts...)
	}
}

// Build assembles a Runtime from cfg. Resources opened here are released
// by Runtime.Close.
func Build(ctx context.Context, cfg *Config, opts ...BuildOption) (rt *Runtime, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := buildOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = cfg.Log.Logger(io.Discard)
	}

	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	client := o.redis
	if client == nil && cfg.usesRedis() {
		owned := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:       cfg.Redis.Addrs,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		closers = append(closers, owned.Close)
		if perr := owned.Ping(ctx).Err(); perr != nil {
			o.logger.Warn("redis unreachable, shared state will degrade", "addrs", cfg.Redis.Addrs, "error", perr)
		}
		client = owned
	}

	respCache, cacheClose, err := buildCache(cfg, client, o)
	if err != nil {
		return nil, err
	}
	if cacheClose != nil {
		closers = append(closers, cacheClose)
	}

	metrics, err := resilience.NewMetrics(cfg.Metrics.MaxKeys, cfg.Metrics.LatencyWindow)
	if err != nil {
		return nil, err
	}

	var store ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.RateLimit.Store == BackendRedis {
		store = ratelimit.NewRedisStore(client,
			ratelimit.WithPrefix(cfg.RateLimit.Prefix),
			ratelimit.WithTimeout(cfg.RateLimit.Timeout),
		)
	}

	resolver := o.tierResolver
	if resolver == nil {
		resolver = staticTiers(cfg.Tiers)
	}
	controller, err := admission.NewController(store, cfg.Admission,
		admission.WithTierResolver(resolver),
		admission.WithLoadSignal(metrics.InFlight),
		admission.WithClock(o.now),
		admission.WithLogger(o.logger),
	)
	if err != nil {
		return nil, err
	}

	registryOpts := []breaker.RegistryOption{
		breaker.WithRegistryClock(o.now),
		breaker.WithRegistryLogger(o.logger),
	}
	for name := range cfg.Breaker.Providers {
		registryOpts = append(registryOpts, breaker.WithProviderConfig(name, cfg.BreakerFor(name)))
	}
	registry := breaker.NewRegistry(cfg.Breaker.Config, registryOpts...)

	execOpts := []breaker.ExecutorOption{
		breaker.WithAttemptTimeout(cfg.Breaker.AttemptTimeout),
		breaker.WithFallbackValue(cfg.Orchestrator.DefaultFallback),
		breaker.WithExecutorLogger(o.logger),
	}
	executor, err := breaker.NewExecutor(registry, cfg.Backoff, append(execOpts, o.executorOpts...)...)
	if err != nil {
		return nil, err
	}

	rc, err := resilience.NewContext(respCache, controller, executor, metrics)
	if err != nil {
		return nil, err
	}

	orchestrator, err := resilience.NewOrchestrator(rc, cfg.Orchestrator, resilience.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}

	built := make(map[string]providers.Provider, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		p, perr := providers.New(name, pc)
		if perr != nil {
			return nil, fmt.Errorf("provider %s: %w", name, perr)
		}
		built[name] = p
	}

	for _, c := range closers {
		rc.OnClose(c)
	}

	return &Runtime{
		Context:      rc,
		Orchestrator: orchestrator,
		Providers:    built,
		logger:       o.logger,
	}, nil
}

func buildCache(cfg *Config, client redis.UniversalClient, o buildOptions) (cache.Cache, func() error, error) {
	ttl := cfg.Orchestrator.CacheTTL

	switch cfg.Cache.Backend {
	case BackendRedis:
		return cache.NewRedisCache(client,
			cache.WithPrefix(cfg.Cache.Prefix),
			cache.WithDefaultTTL(ttl),
			cache.WithLogger(o.logger),
		), nil, nil
	case BackendSQLite:
		sc, err := cache.NewSQLiteCache(cache.SQLiteConfig{
			Path:       cfg.Cache.SQLitePath,
			DefaultTTL: ttl,
			Logger:     o.logger,
			Now:        o.now,
		})
		if err != nil {
			return nil, nil, err
		}
		return sc, sc.Close, nil
	default:
		mc, err := cache.NewMemoryCache(&cache.MemoryConfig{
			NumCounters: cfg.Cache.NumCounters,
			MaxCost:     cfg.Cache.MaxCost,
			DefaultTTL:  ttl,
			Now:         o.now,
		})
		if err != nil {
			return nil, nil, err
		}
		return mc, func() error { mc.Close(); return nil }, nil
	}
}

// staticTiers resolves identities from a fixed table.
func staticTiers(tiers map[string]admission.Tier) admission.TierResolver {
	return func(_ context.Context, identity string) admission.Tier {
		if tier, ok := tiers[identity]; ok {
			return tier
		}
		return admission.TierFree
	}
}

// Call returns the outbound call for a configured provider.
func (r *Runtime) Call(provider string) (resilience.OutboundCall, error) {
	p, ok := r.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, provider)
	}
	return providers.Call(p), nil
}

// Apply pushes the hot-reloadable parts of cfg into the running pipeline:
// the admission policy and the orchestrator settings. Store backends,
// breakers and providers need a rebuild.
func (r *Runtime) Apply(cfg *Config) error {
	if err := r.Context.Admission.SetPolicy(cfg.Admission); err != nil {
		return err
	}
	if err := r.Orchestrator.SetSettings(cfg.Orchestrator); err != nil {
		return err
	}
	r.logger.Info("runtime configuration applied")
	return nil
}

// Follow applies every configuration the manager loads from now on.
func (r *Runtime) Follow(m *Manager) {
	m.OnChange(func(cfg *Config) {
		if err := r.Apply(cfg); err != nil {
			r.logger.Warn("runtime configuration rejected", "error", err)
		}
	})
}

func (r *Runtime) Close() error {
	return r.Context.Close()
}
