package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/buyer-fit/internal/model"
)

type memProvider struct {
	sem          *semaphore.Weighted
	max          int
	held         int
	gen          int64
	busySince    time.Time
	backoffUntil time.Time
}

// MemoryBackend keeps counters in process memory.
type MemoryBackend struct {
	mu        sync.Mutex
	providers map[string]*memProvider
	now       func() time.Time
}

// NewMemoryBackend creates an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{providers: make(map[string]*memProvider), now: time.Now}
}

func (m *MemoryBackend) provider(name string, max int) *memProvider {
	p, ok := m.providers[name]
	if !ok {
		if max < 1 {
			max = 1
		}
		p = &memProvider{sem: semaphore.NewWeighted(int64(max)), max: max}
		m.providers[name] = p
		return p
	}
	// Resize only while idle so held slots stay accounted for.
	if max >= 1 && max != p.max && p.held == 0 {
		p.sem = semaphore.NewWeighted(int64(max))
		p.max = max
	}
	return p
}

// Acquire takes a slot without blocking.
func (m *MemoryBackend) Acquire(_ context.Context, provider string, max int) (Slot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.provider(provider, max)
	if !p.sem.TryAcquire(1) {
		return Slot{Provider: provider, Gen: p.gen}, false, nil
	}
	if p.held == 0 {
		p.busySince = m.now()
	}
	p.held++
	return Slot{Provider: provider, Gen: p.gen}, true, nil
}

// Release returns a slot. Slots from before a stale reset are ignored.
func (m *MemoryBackend) Release(_ context.Context, slot Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.providers[slot.Provider]
	if !ok || p.gen != slot.Gen || p.held == 0 {
		return nil
	}
	p.sem.Release(1)
	p.held--
	if p.held == 0 {
		p.busySince = time.Time{}
	}
	return nil
}

// SetBackoff extends the provider's backoff window.
func (m *MemoryBackend) SetBackoff(_ context.Context, provider string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.provider(provider, 0)
	if until.After(p.backoffUntil) {
		p.backoffUntil = until
	}
	return nil
}

// State reports the provider's counters.
func (m *MemoryBackend) State(_ context.Context, provider string) (model.RateLimitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := model.RateLimitState{Provider: provider}
	if p, ok := m.providers[provider]; ok {
		st.ConcurrentRequests = p.held
		st.BackoffUntil = p.backoffUntil
		st.BusySince = p.busySince
	}
	return st, nil
}

// ResetStale swaps in a fresh semaphore for providers busy longer than
// threshold.
func (m *MemoryBackend) ResetStale(_ context.Context, threshold time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-threshold)
	n := 0
	for name, p := range m.providers {
		if p.held == 0 || !p.busySince.Before(cutoff) {
			continue
		}
		zap.L().Warn("ratelimit: resetting stale counter",
			zap.String("provider", name),
			zap.Int("concurrent_requests", p.held),
			zap.Time("busy_since", p.busySince),
		)
		p.sem = semaphore.NewWeighted(int64(p.max))
		p.held = 0
		p.gen++
		p.busySince = time.Time{}
		n++
	}
	return n, nil
}
