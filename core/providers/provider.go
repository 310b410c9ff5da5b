// Package providers adapts concrete model APIs into outbound calls the
// orchestrator can guard.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/adalundhe/callguard/core/breaker"
	"github.com/adalundhe/callguard/core/resilience"
)

var (
	// ErrInvalidRequest indicates a descriptor the provider cannot encode.
	ErrInvalidRequest = errors.New("invalid provider request")

	// ErrMalformedResponse indicates a reply without the expected content.
	ErrMalformedResponse = errors.New("malformed provider response")
)

// Provider performs a single completion without retries of its own.
type Provider interface {
	// Name returns the provider identifier used for breaker and metrics keys
	Name() string

	// Complete sends the descriptor's payload and returns the generated text
	Complete(ctx context.Context, desc resilience.RequestDescriptor) (string, error)
}

// Call adapts a Provider to the orchestrator's OutboundCall.
func Call(p Provider) resilience.OutboundCall {
	return func(ctx context.Context, desc resilience.RequestDescriptor) (string, error) {
		return p.Complete(ctx, desc)
	}
}

// New builds the provider described by cfg under the given name.
func New(name string, cfg Config) (Provider, error) {
	switch cfg.Type {
	case ProviderTypeAnthropic:
		return NewAnthropicProvider(name, cfg)
	case ProviderTypeOpenAI:
		return NewOpenAIProvider(name, cfg)
	case ProviderTypeHTTPJSON:
		return NewHTTPJSONProvider(name, cfg, nil)
	default:
		return nil, fmt.Errorf("%w: unknown provider type %q", ErrInvalidConfig, cfg.Type)
	}
}

// statusError converts an HTTP failure into a classified provider error.
func statusError(provider string, status int, header http.Header, err error) error {
	return &breaker.ProviderError{
		Provider:   provider,
		StatusCode: status,
		RetryAfter: breaker.ParseRetryAfter(header, time.Now()),
		Err:        err,
	}
}

// invalidRequest reports a descriptor problem as a permanent failure.
func invalidRequest(provider, format string, args ...any) error {
	return &breaker.ProviderError{
		Provider:   provider,
		StatusCode: http.StatusBadRequest,
		Err:        fmt.Errorf("%w: "+format, append([]any{ErrInvalidRequest}, args...)...),
	}
}

// paramOr returns params[key] when present, else fallback.
func paramOr(params map[string]string, key, fallback string) string {
	if v, ok := params[key]; ok && v != "" {
		return v
	}
	return fallback
}
