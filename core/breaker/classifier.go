package breaker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorClass groups outbound failures by how they are handled.
type ErrorClass int

const (
	// ClassTransient failures are retried and count against the breaker.
	ClassTransient ErrorClass = iota

	// ClassRateLimited failures wait for the provider's hint before retrying.
	ClassRateLimited

	// ClassPermanent failures are not retried but still count against the breaker.
	ClassPermanent

	// ClassCanceled means the caller gave up; the provider is not blamed.
	ClassCanceled
)

var errorClassNames = map[ErrorClass]string{
	ClassTransient:   "transient",
	ClassRateLimited: "rate_limited",
	ClassPermanent:   "permanent",
	ClassCanceled:    "canceled",
}

// String returns the string representation of the error class.
func (c ErrorClass) String() string {
	if name, ok := errorClassNames[c]; ok {
		return name
	}
	return "unknown"
}

// ProviderError is a failure reported by an outbound provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Classify assigns err to an ErrorClass. Timeouts and unknown errors are
// transient.
func Classify(err error) ErrorClass {
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}

	var pe *ProviderError
	if errors.As(err, &pe) && pe.StatusCode > 0 {
		return classifyStatus(pe.StatusCode)
	}

	// Timeouts, connection errors and anything unrecognized are retried.
	return ClassTransient
}

// classifyStatus maps an HTTP status code.
func classifyStatus(code int) ErrorClass {
	switch {
	case code == http.StatusTooManyRequests:
		return ClassRateLimited
	case code == http.StatusRequestTimeout || code >= 500:
		return ClassTransient
	case code >= 400:
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// RetryAfter extracts the provider's wait hint from err.
func RetryAfter(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// ParseRetryAfter reads a Retry-After header in either delta-seconds or
// HTTP-date form. It returns zero if the header is absent or unparseable.
func ParseRetryAfter(headers http.Header, now time.Time) time.Duration {
	value := headers.Get("Retry-After")
	if value == "" {
		return 0
	}

	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(value); err == nil && t.After(now) {
		return t.Sub(now)
	}

	return 0
}
