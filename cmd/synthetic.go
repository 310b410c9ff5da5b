package cmd

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/adalundhe/callguard/core/breaker"
	"github.com/adalundhe/callguard/core/providers"
	"github.com/adalundhe/callguard/core/resilience"
)

var _ providers.Provider = (*syntheticProvider)(nil)

var errSyntheticOutage = errors.New("synthetic outage")

// syntheticProvider answers after a fixed latency and fails a configurable
// share of calls with a 503.
type syntheticProvider struct {
	name        string
	failureRate float64
	latency     time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func newSyntheticProvider(name string, failureRate float64, latency time.Duration, seed uint64) *syntheticProvider {
	return &syntheticProvider{
		name:        name,
		failureRate: failureRate,
		latency:     latency,
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (p *syntheticProvider) Name() string {
	return p.name
}

func (p *syntheticProvider) Complete(ctx context.Context, desc resilience.RequestDescriptor) (string, error) {
	if p.latency > 0 {
		timer := time.NewTimer(p.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	p.mu.Lock()
	roll := p.rng.Float64()
	p.mu.Unlock()

	if roll < p.failureRate {
		return "", &breaker.ProviderError{
			Provider:   p.name,
			StatusCode: http.StatusServiceUnavailable,
			Err:        errSyntheticOutage,
		}
	}
	return "synthetic answer: " + desc.Payload, nil
}
