package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/adalundhe/callguard/core/providers"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CALLGUARD_"

// LookupEnv matches os.LookupEnv.
type LookupEnv func(key string) (string, bool)

// LoadFile reads defaults, the YAML file at path and the process
// environment, and validates the result.
func LoadFile(path string) (*Config, error) {
	return load([]string{path}, os.LookupEnv)
}

// Parse overlays a YAML document onto the defaults without consulting the
// environment.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := overlayYAML(cfg, data); err != nil {
		return nil, err
	}
	normalize(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// load applies defaults, then each existing file in order, then the
// environment. Missing files are skipped.
func load(paths []string, env LookupEnv) (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := overlayYAML(cfg, data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	if env != nil {
		if err := applyEnvironment(cfg, env); err != nil {
			return nil, err
		}
	}

	normalize(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlayYAML decodes data into an empty Config and overlays it, so map
// entries such as a single action quota merge field by field.
func overlayYAML(cfg *Config, data []byte) error {
	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	Overlay(cfg, &file)
	return nil
}

// normalize fills provider configs from their type defaults.
func normalize(cfg *Config) {
	for name, p := range cfg.Providers {
		base := providers.DefaultConfig(p.Type)
		Overlay(&base, &p)
		cfg.Providers[name] = base
	}
}

func applyEnvironment(cfg *Config, env LookupEnv) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := env(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := env(EnvPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s%s: %v", ErrInvalidConfig, EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := env(EnvPrefix + key); ok && v != "" {
			n, err := parseInt(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s%s: %q is not an integer", ErrInvalidConfig, EnvPrefix, key, v))
				return
			}
			*dst = n
		}
	}

	str("CACHE_BACKEND", &cfg.Cache.Backend)
	str("CACHE_SQLITE_PATH", &cfg.Cache.SQLitePath)
	str("RATE_LIMIT_STORE", &cfg.RateLimit.Store)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	if v, ok := env(EnvPrefix + "REDIS_ADDRS"); ok && v != "" {
		cfg.Redis.Addrs = splitList(v)
	}
	num("REDIS_DB", &cfg.Redis.DB)

	num("BREAKER_FAILURE_THRESHOLD", &cfg.Breaker.FailureThreshold)
	dur("BREAKER_RECOVERY_PERIOD", &cfg.Breaker.RecoveryPeriod)
	dur("BREAKER_ATTEMPT_TIMEOUT", &cfg.Breaker.AttemptTimeout)
	num("BACKOFF_MAX_ATTEMPTS", &cfg.Backoff.MaxAttempts)
	dur("BACKOFF_BASE_DELAY", &cfg.Backoff.BaseDelay)

	dur("ORCHESTRATOR_CACHE_TTL", &cfg.Orchestrator.CacheTTL)
	dur("ORCHESTRATOR_BUDGET", &cfg.Orchestrator.Budget)
	str("ORCHESTRATOR_DEFAULT_FALLBACK", &cfg.Orchestrator.DefaultFallback)

	if v, ok := env(EnvPrefix + "ADMISSION_LOAD_THRESHOLD"); ok && v != "" {
		f, err := parseFloat(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %sADMISSION_LOAD_THRESHOLD: %q is not a number", ErrInvalidConfig, EnvPrefix, v))
		} else {
			cfg.Admission.Load.Threshold = f
		}
	}

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	for name, p := range cfg.Providers {
		str("PROVIDER_"+envName(name)+"_API_KEY", &p.APIKey)
		str("PROVIDER_"+envName(name)+"_MODEL", &p.Model)
		if p.APIKey == "" {
			switch p.Type {
			case providers.ProviderTypeAnthropic:
				p.APIKey, _ = env("ANTHROPIC_API_KEY")
			case providers.ProviderTypeOpenAI:
				p.APIKey, _ = env("OPENAI_API_KEY")
			}
		}
		cfg.Providers[name] = p
	}

	return errors.Join(errs...)
}

// envName upper-cases a provider name and replaces separators.
func envName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name))
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func parseFloat(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%f", &f)
	return f, err
}
