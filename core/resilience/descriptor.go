// Package resilience composes the cache, admission controller and breaker
// executor into a single call pipeline whose every path ends in a tagged
// Result.
package resilience

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/adalundhe/callguard/core/admission"
	"github.com/adalundhe/callguard/core/cache"
)

// Priority orders requests by importance.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

// String returns the string representation of the priority.
func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParsePriority converts a priority name.
func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// RequestDescriptor describes one outbound request. The payload is opaque
// and only used to derive the cache key.
type RequestDescriptor struct {
	Identity  string
	Action    admission.Action
	Priority  Priority
	Provider  string
	Payload   string
	Params    map[string]string
	MaxTokens int
}

// CacheKey returns the fingerprint of the provider, payload and decoding
// parameters. MaxTokens participates when set.
func (d RequestDescriptor) CacheKey() string {
	if d.MaxTokens <= 0 {
		return cache.Fingerprint(d.Provider, d.Payload, d.Params)
	}

	params := make(map[string]string, len(d.Params)+1)
	for k, v := range d.Params {
		params[k] = v
	}
	params["max_tokens"] = strconv.Itoa(d.MaxTokens)
	return cache.Fingerprint(d.Provider, d.Payload, params)
}

// OutboundCall performs the actual request to the provider.
type OutboundCall func(ctx context.Context, desc RequestDescriptor) (string, error)
