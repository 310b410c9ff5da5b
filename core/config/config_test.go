package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/callguard/core/admission"
	"github.com/adalundhe/callguard/core/breaker"
	"github.com/adalundhe/callguard/core/providers"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, BackendMemory, cfg.Cache.Backend)
	assert.Equal(t, BackendMemory, cfg.RateLimit.Store)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 300*time.Second, cfg.Breaker.RecoveryPeriod)
	assert.Equal(t, 3, cfg.Backoff.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Orchestrator.CacheTTL)
	assert.Equal(t, 20, cfg.Admission.Actions[admission.ActionCompletion].MaxRequests)
}

func TestParse_OverlaysPartialSections(t *testing.T) {
	t.Parallel()

	doc := `
admission:
  actions:
    completion:
      max_requests: 40
    report:
      max_requests: 2
      window: 1h
breaker:
  failure_threshold: 2
  providers:
    flaky:
      recovery_period: 10s
orchestrator:
  budget: 20s
  fallbacks:
    login: "Sign-in is slow right now."
identity_tiers:
  alice: premium
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)

	completion := cfg.Admission.Actions[admission.ActionCompletion]
	assert.Equal(t, 40, completion.MaxRequests)
	assert.Equal(t, time.Minute, completion.Window, "unset fields keep their defaults")
	assert.Equal(t, 5, completion.Burst)

	assert.Equal(t, admission.Quota{MaxRequests: 2, Window: time.Hour}, cfg.Admission.Actions["report"])
	assert.Contains(t, cfg.Admission.Actions, admission.ActionLogin)

	assert.Equal(t, 2, cfg.Breaker.FailureThreshold)
	assert.Equal(t, breaker.Config{FailureThreshold: 2, RecoveryPeriod: 10 * time.Second}, cfg.BreakerFor("flaky"))
	assert.Equal(t, breaker.Config{FailureThreshold: 2, RecoveryPeriod: 300 * time.Second}, cfg.BreakerFor("steady"))

	assert.Equal(t, 20*time.Second, cfg.Orchestrator.Budget)
	assert.Equal(t, "Sign-in is slow right now.", cfg.Orchestrator.Fallbacks[admission.ActionLogin])
	assert.NotEmpty(t, cfg.Orchestrator.Fallbacks[admission.ActionCompletion])
	assert.Equal(t, admission.TierPremium, cfg.Tiers["alice"])
}

func TestParse_ProviderDefaults(t *testing.T) {
	t.Parallel()

	doc := `
providers:
  local:
    type: http_json
    http:
      url: http://localhost:8080/v1/chat
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)

	local := cfg.Providers["local"]
	assert.Equal(t, providers.ProviderTypeHTTPJSON, local.Type)
	assert.Equal(t, "http://localhost:8080/v1/chat", local.HTTP.URL)
	assert.Equal(t, "messages.0.content", local.HTTP.PromptPath)
	assert.Equal(t, 1024, local.MaxTokens)
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{name: "malformed yaml", doc: "cache: [", want: "invalid config"},
		{name: "unknown cache backend", doc: "cache:\n  backend: memcached", want: "unknown cache backend"},
		{name: "unknown store", doc: "rate_limit:\n  store: etcd", want: "unknown rate limit store"},
		{name: "negative quota", doc: "admission:\n  fallback:\n    max_requests: -1", want: "max_requests"},
		{name: "bad backoff", doc: "backoff:\n  max_attempts: -2", want: "max_attempts"},
		{name: "bad log level", doc: "log:\n  level: loud", want: "log.level"},
		{name: "provider missing key", doc: "providers:\n  claude:\n    type: anthropic", want: "providers.claude"},
		{name: "bad breaker override", doc: "breaker:\n  providers:\n    x:\n      failure_threshold: -1", want: "breaker.providers.x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestApplyEnvironment(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"CALLGUARD_CACHE_BACKEND":              "redis",
		"CALLGUARD_REDIS_ADDRS":                "a:6379, b:6379,",
		"CALLGUARD_BREAKER_FAILURE_THRESHOLD":  "7",
		"CALLGUARD_ORCHESTRATOR_BUDGET":        "15s",
		"CALLGUARD_ADMISSION_LOAD_THRESHOLD":   "50",
		"CALLGUARD_PROVIDER_MY_CLAUDE_API_KEY": "from-prefix",
		"OPENAI_API_KEY":                       "from-vendor",
		"CALLGUARD_LOG_LEVEL":                  "debug",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	cfg.Providers = map[string]providers.Config{
		"my-claude": {Type: providers.ProviderTypeAnthropic},
		"gpt":       {Type: providers.ProviderTypeOpenAI},
	}
	require.NoError(t, applyEnvironment(cfg, lookup))

	assert.Equal(t, BackendRedis, cfg.Cache.Backend)
	assert.Equal(t, []string{"a:6379", "b:6379"}, cfg.Redis.Addrs)
	assert.Equal(t, 7, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 15*time.Second, cfg.Orchestrator.Budget)
	assert.InDelta(t, 50.0, cfg.Admission.Load.Threshold, 1e-9)
	assert.Equal(t, "from-prefix", cfg.Providers["my-claude"].APIKey)
	assert.Equal(t, "from-vendor", cfg.Providers["gpt"].APIKey)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestApplyEnvironment_InvalidValues(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"CALLGUARD_ORCHESTRATOR_BUDGET":      "soon",
		"CALLGUARD_BACKOFF_MAX_ATTEMPTS":     "many",
		"CALLGUARD_ADMISSION_LOAD_THRESHOLD": "high",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	err := applyEnvironment(cfg, lookup)
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "CALLGUARD_ORCHESTRATOR_BUDGET")
	assert.Contains(t, err.Error(), "CALLGUARD_BACKOFF_MAX_ATTEMPTS")
	assert.Contains(t, err.Error(), "CALLGUARD_ADMISSION_LOAD_THRESHOLD")
	assert.Equal(t, 60*time.Second, cfg.Orchestrator.Budget, "invalid values leave the field alone")
}

func TestLogConfig_Logger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.Logger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "provider", "claude")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasPrefix(out, "{"), "json handler expected, got %q", out)
	assert.Contains(t, out, `"provider":"claude"`)
}

func TestLogConfig_WriterRotatesToFile(t *testing.T) {
	t.Parallel()

	var fallback bytes.Buffer
	assert.Same(t, &fallback, LogConfig{}.Writer(&fallback))

	path := filepath.Join(t.TempDir(), "callguard.log")
	cfg := DefaultConfig().Log
	cfg.File = path

	w := cfg.Writer(&fallback)
	logger := cfg.Logger(w)
	logger.Info("breaker opened", "provider", "claude")
	if c, ok := w.(interface{ Close() error }); ok {
		require.NoError(t, c.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "breaker opened")
	assert.Zero(t, fallback.Len())
}
