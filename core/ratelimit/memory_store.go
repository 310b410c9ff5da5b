package ratelimit

import (
	"context"
	"sync"
	"time"
)

// windowState is the timestamp log for one key, oldest first.
type windowState struct {
	mu         sync.Mutex
	timestamps []time.Time
}

// purge drops timestamps older than cutoff.
func (w *windowState) purge(cutoff time.Time) {
	drop := 0
	for drop < len(w.timestamps) && w.timestamps[drop].Before(cutoff) {
		drop++
	}
	if drop > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[drop:]...)
	}
}

// view summarizes the log after purging. Spacing is measured from the
// newest entry still in the window, the same reference the Redis script uses.
func (w *windowState) view() windowView {
	v := windowView{count: len(w.timestamps)}
	if v.count > 0 {
		v.oldest = w.timestamps[0]
		v.newest = w.timestamps[v.count-1]
	}
	return v
}

// MemoryStore keeps window state in process memory.
//
// Each key has its own lock, so contention is limited to callers sharing an
// identity. State is local to the process; use RedisStore to share limits
// across replicas.
type MemoryStore struct {
	mu      sync.RWMutex
	windows map[string]*windowState
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]*windowState),
	}
}

// Allow purges, checks and records one request for key.
func (m *MemoryStore) Allow(_ context.Context, key string, limit Limit, now time.Time) (Decision, error) {
	w := m.window(key)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.purge(now.Add(-limit.Window))
	decision := w.view().decide(limit, now)
	if decision.Allowed {
		w.timestamps = append(w.timestamps, now)
	}
	return decision, nil
}

// WaitTime reports how long key must wait before its next request could pass.
func (m *MemoryStore) WaitTime(_ context.Context, key string, limit Limit, now time.Time) (time.Duration, error) {
	m.mu.RLock()
	w, ok := m.windows[key]
	m.mu.RUnlock()

	if !ok {
		return 0, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.purge(now.Add(-limit.Window))
	return w.view().waitTime(limit, now), nil
}

// Len returns the number of tracked keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.windows)
}

// window returns the state for key, creating it on first use.
func (m *MemoryStore) window(key string) *windowState {
	m.mu.RLock()
	w, ok := m.windows[key]
	m.mu.RUnlock()

	if ok {
		return w
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if w, ok := m.windows[key]; ok {
		return w
	}

	w = &windowState{}
	m.windows[key] = w
	return w
}
