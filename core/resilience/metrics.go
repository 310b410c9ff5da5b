package resilience

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"gonum.org/v1/gonum/stat"

	"github.com/adalundhe/callguard/core/breaker"
	"github.com/adalundhe/callguard/core/cache"
)

const (
	defaultMaxTrackedKeys = 10000
	defaultLatencyWindow  = 512
)

// admissionCounters counts decisions for one identity:action key.
type admissionCounters struct {
	admitted atomic.Int64
	rejected atomic.Int64
}

// providerCounters tracks calls dispatched to one provider.
type providerCounters struct {
	successes int64
	failures  int64
	fallbacks int64
	latencies []float64
	next      int
}

// observe stores a latency sample in the ring buffer.
func (p *providerCounters) observe(latency time.Duration, window int) {
	sample := float64(latency)
	if len(p.latencies) < window {
		p.latencies = append(p.latencies, sample)
		return
	}
	p.latencies[p.next] = sample
	p.next = (p.next + 1) % window
}

// Metrics collects counters for the call pipeline. Admission counters are
// kept for the most recently active keys only.
type Metrics struct {
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
	inFlight    atomic.Int64

	outcomes [numOutcomes]atomic.Int64

	mu            sync.Mutex
	providers     map[string]*providerCounters
	latencyWindow int

	admissions *lru.Cache[string, *admissionCounters]
}

// NewMetrics creates a Metrics tracking at most maxKeys identity:action keys
// and latencyWindow samples per provider. Non-positive values use defaults.
func NewMetrics(maxKeys, latencyWindow int) (*Metrics, error) {
	if maxKeys <= 0 {
		maxKeys = defaultMaxTrackedKeys
	}
	if latencyWindow <= 0 {
		latencyWindow = defaultLatencyWindow
	}

	admissions, err := lru.New[string, *admissionCounters](maxKeys)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		providers:     make(map[string]*providerCounters),
		latencyWindow: latencyWindow,
		admissions:    admissions,
	}, nil
}

// RecordCacheHit counts a cache hit.
func (m *Metrics) RecordCacheHit() {
	m.cacheHits.Add(1)
}

// RecordCacheMiss counts a cache miss.
func (m *Metrics) RecordCacheMiss() {
	m.cacheMisses.Add(1)
}

// RecordAdmission counts one admission decision for key.
func (m *Metrics) RecordAdmission(key string, allowed bool) {
	counters, ok := m.admissions.Get(key)
	if !ok {
		counters = &admissionCounters{}
		if prev, found, _ := m.admissions.PeekOrAdd(key, counters); found {
			counters = prev
		}
	}

	if allowed {
		counters.admitted.Add(1)
	} else {
		counters.rejected.Add(1)
	}
}

// RecordCall counts one dispatched call and its latency.
func (m *Metrics) RecordCall(provider string, out breaker.Outcome, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.providers[provider]
	if !ok {
		p = &providerCounters{}
		m.providers[provider] = p
	}

	switch {
	case !out.Fallback:
		p.successes++
	case out.Attempts > 0:
		p.failures++
		p.fallbacks++
	default:
		p.fallbacks++
	}
	p.observe(latency, m.latencyWindow)
}

// RecordOutcome counts a finished request.
func (m *Metrics) RecordOutcome(o Outcome) {
	if int(o) >= 0 && int(o) < len(m.outcomes) {
		m.outcomes[o].Add(1)
	}
}

// InFlight returns the number of requests currently dispatching. It matches
// admission.LoadSignal.
func (m *Metrics) InFlight() float64 {
	return float64(m.inFlight.Load())
}

// enter and leave bracket a dispatch.
func (m *Metrics) enter() { m.inFlight.Add(1) }
func (m *Metrics) leave() { m.inFlight.Add(-1) }

// AdmissionSnapshot holds the counters for one identity:action key.
type AdmissionSnapshot struct {
	Key      string `json:"key" yaml:"key"`
	Admitted int64  `json:"admitted" yaml:"admitted"`
	Rejected int64  `json:"rejected" yaml:"rejected"`
}

// ProviderSnapshot combines call counters, latency and breaker state.
type ProviderSnapshot struct {
	Provider            string               `json:"provider" yaml:"provider"`
	Successes           int64                `json:"successes" yaml:"successes"`
	Failures            int64                `json:"failures" yaml:"failures"`
	Fallbacks           int64                `json:"fallbacks" yaml:"fallbacks"`
	LatencyP50          time.Duration        `json:"latency_p50" yaml:"latency_p50"`
	LatencyP95          time.Duration        `json:"latency_p95" yaml:"latency_p95"`
	Samples             int                  `json:"samples" yaml:"samples"`
	State               breaker.CircuitState `json:"state" yaml:"state"`
	ConsecutiveFailures int                  `json:"consecutive_failures" yaml:"consecutive_failures"`
}

// Snapshot is a point-in-time view of all counters.
type Snapshot struct {
	CacheHits   int64               `json:"cache_hits" yaml:"cache_hits"`
	CacheMisses int64               `json:"cache_misses" yaml:"cache_misses"`
	InFlight    int64               `json:"in_flight" yaml:"in_flight"`
	Outcomes    map[string]int64    `json:"outcomes" yaml:"outcomes"`
	Cache       cache.Stats         `json:"cache" yaml:"cache"`
	Providers   []ProviderSnapshot  `json:"providers" yaml:"providers"`
	Admissions  []AdmissionSnapshot `json:"admissions" yaml:"admissions"`
}

// Snapshot returns the current counters merged with breaker health from
// registry and the backing cache's stats. Both may be nil.
func (m *Metrics) Snapshot(registry *breaker.Registry, c cache.Cache) Snapshot {
	snap := Snapshot{
		CacheHits:   m.cacheHits.Load(),
		CacheMisses: m.cacheMisses.Load(),
		InFlight:    m.inFlight.Load(),
		Outcomes:    make(map[string]int64, len(m.outcomes)),
	}
	for o := range m.outcomes {
		snap.Outcomes[Outcome(o).String()] = m.outcomes[o].Load()
	}
	if c != nil {
		snap.Cache = c.Stats()
	}

	snap.Providers = m.providerSnapshots(registry)
	snap.Admissions = m.admissionSnapshots()
	return snap
}

// providerSnapshots merges call counters with breaker health.
func (m *Metrics) providerSnapshots(registry *breaker.Registry) []ProviderSnapshot {
	byName := make(map[string]*ProviderSnapshot)

	m.mu.Lock()
	for name, p := range m.providers {
		p50, p95 := latencyQuantiles(p.latencies)
		byName[name] = &ProviderSnapshot{
			Provider:   name,
			Successes:  p.successes,
			Failures:   p.failures,
			Fallbacks:  p.fallbacks,
			LatencyP50: p50,
			LatencyP95: p95,
			Samples:    len(p.latencies),
		}
	}
	m.mu.Unlock()

	if registry != nil {
		for _, h := range registry.Snapshot() {
			ps, ok := byName[h.Provider]
			if !ok {
				ps = &ProviderSnapshot{Provider: h.Provider}
				byName[h.Provider] = ps
			}
			ps.State = h.State
			ps.ConsecutiveFailures = h.ConsecutiveFailures
		}
	}

	out := make([]ProviderSnapshot, 0, len(byName))
	for _, ps := range byName {
		out = append(out, *ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// admissionSnapshots lists tracked keys, most recent first.
func (m *Metrics) admissionSnapshots() []AdmissionSnapshot {
	keys := m.admissions.Keys()
	out := make([]AdmissionSnapshot, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		counters, ok := m.admissions.Peek(keys[i])
		if !ok {
			continue
		}
		out = append(out, AdmissionSnapshot{
			Key:      keys[i],
			Admitted: counters.admitted.Load(),
			Rejected: counters.rejected.Load(),
		})
	}
	return out
}

// latencyQuantiles returns the empirical p50 and p95 of samples.
func latencyQuantiles(samples []float64) (time.Duration, time.Duration) {
	if len(samples) == 0 {
		return 0, 0
	}

	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	p50 := stat.Quantile(0.50, stat.Empirical, sorted, nil)
	p95 := stat.Quantile(0.95, stat.Empirical, sorted, nil)
	return time.Duration(p50), time.Duration(p95)
}
