package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/buyer-fit/internal/config"
	"github.com/sells-group/buyer-fit/internal/metrics"
	"github.com/sells-group/buyer-fit/internal/model"
	"github.com/sells-group/buyer-fit/internal/resilience"
)

// ErrBackoff is returned while a provider is inside its backoff window.
var ErrBackoff = errors.New("ratelimit: provider in backoff")

// ErrSaturated is returned when no slot freed up before the context ended.
var ErrSaturated = errors.New("ratelimit: no free slot")

// slotPoll is how often a waiting caller retries slot acquisition.
const slotPoll = 25 * time.Millisecond

// DefaultProviderLimit applies to providers missing from config.
func DefaultProviderLimit() config.ProviderLimit {
	return config.ProviderLimit{MaxConcurrent: 5, TimeoutSecs: 30, BackoffSecs: 60}
}

// Limiter is the scoped-acquisition wrapper every provider call goes
// through. It is created at process start and injected into callers.
type Limiter struct {
	backend Backend
	limits  map[string]config.ProviderLimit

	mu     sync.Mutex
	pacers map[string]*Pacer

	now func() time.Time
}

// NewLimiter creates a Limiter over backend.
func NewLimiter(backend Backend, limits map[string]config.ProviderLimit) *Limiter {
	if limits == nil {
		limits = map[string]config.ProviderLimit{}
	}
	return &Limiter{
		backend: backend,
		limits:  limits,
		pacers:  make(map[string]*Pacer),
		now:     time.Now,
	}
}

func (l *Limiter) limit(provider string) config.ProviderLimit {
	lim, ok := l.limits[provider]
	if !ok {
		return DefaultProviderLimit()
	}
	d := DefaultProviderLimit()
	if lim.MaxConcurrent < 1 {
		lim.MaxConcurrent = d.MaxConcurrent
	}
	if lim.TimeoutSecs <= 0 {
		lim.TimeoutSecs = d.TimeoutSecs
	}
	if lim.BackoffSecs <= 0 {
		lim.BackoffSecs = d.BackoffSecs
	}
	return lim
}

func (l *Limiter) pacer(provider string, lim config.ProviderLimit) *Pacer {
	if lim.RequestsPerSecond <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pacers[provider]
	if !ok {
		p = NewPacer(lim.RequestsPerSecond, lim.Burst)
		l.pacers[provider] = p
	}
	return p
}

// Do runs fn holding one of the provider's slots. It refuses while the
// provider is backing off, waits for pacing and a free slot, bounds fn with
// the provider timeout, and always releases the slot. A 429 from fn extends
// the provider's backoff window.
func (l *Limiter) Do(ctx context.Context, provider string, fn func(ctx context.Context) error) error {
	lim := l.limit(provider)
	log := zap.L().With(zap.String("provider", provider))

	st, err := l.backend.State(ctx, provider)
	if err != nil {
		return err
	}
	if wait := st.BackoffUntil.Sub(l.now()); wait > 0 {
		metrics.ProviderRequests.WithLabelValues(provider, metrics.OutcomeThrottled).Inc()
		return resilience.NewRateLimitError(eris.Wrapf(ErrBackoff, "%s until %s", provider, st.BackoffUntil.Format(time.RFC3339)), wait)
	}

	pacer := l.pacer(provider, lim)
	if pacer != nil {
		if err := pacer.Wait(ctx); err != nil {
			return eris.Wrapf(err, "ratelimit: pace %s", provider)
		}
	}

	slot, err := l.acquire(ctx, provider, lim.MaxConcurrent)
	if err != nil {
		return err
	}
	metrics.ProviderInFlight.WithLabelValues(provider).Inc()
	defer func() {
		metrics.ProviderInFlight.WithLabelValues(provider).Dec()
		if rerr := l.backend.Release(context.WithoutCancel(ctx), slot); rerr != nil {
			log.Error("ratelimit: release failed", zap.Error(rerr))
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, time.Duration(lim.TimeoutSecs)*time.Second)
	defer cancel()

	err = fn(cctx)
	switch {
	case err == nil:
		metrics.ProviderRequests.WithLabelValues(provider, metrics.OutcomeSuccess).Inc()
		if pacer != nil {
			pacer.OnSuccess()
		}
	case resilience.IsRateLimited(err):
		metrics.ProviderRequests.WithLabelValues(provider, metrics.OutcomeThrottled).Inc()
		backoff := resilience.RetryAfterOf(err)
		if backoff <= 0 {
			backoff = time.Duration(lim.BackoffSecs) * time.Second
		}
		until := l.now().Add(backoff)
		if berr := l.backend.SetBackoff(context.WithoutCancel(ctx), provider, until); berr != nil {
			log.Error("ratelimit: set backoff failed", zap.Error(berr))
		}
		if pacer != nil {
			pacer.OnRateLimit(provider)
		}
		log.Warn("ratelimit: provider rate limited", zap.Time("backoff_until", until))
	default:
		metrics.ProviderRequests.WithLabelValues(provider, metrics.OutcomeError).Inc()
	}
	return err
}

func (l *Limiter) acquire(ctx context.Context, provider string, max int) (Slot, error) {
	for {
		slot, ok, err := l.backend.Acquire(ctx, provider, max)
		if err != nil {
			return Slot{}, err
		}
		if ok {
			return slot, nil
		}
		select {
		case <-ctx.Done():
			return Slot{}, resilience.NewTransientError(eris.Wrapf(ErrSaturated, "%s: %v", provider, ctx.Err()), 0)
		case <-time.After(slotPoll):
		}
	}
}

// State reports the provider's counters.
func (l *Limiter) State(ctx context.Context, provider string) (model.RateLimitState, error) {
	return l.backend.State(ctx, provider)
}

// ResetStale clears counters held longer than threshold.
func (l *Limiter) ResetStale(ctx context.Context, threshold time.Duration) (int, error) {
	return l.backend.ResetStale(ctx, threshold)
}

// NewFromConfig builds the configured backend and limiter. The returned
// close func releases the Redis client, if any.
func NewFromConfig(ctx context.Context, cfg *config.Config) (*Limiter, func() error, error) {
	switch cfg.RateLimit.Backend {
	case "", "memory":
		return NewLimiter(NewMemoryBackend(), cfg.RateLimit.Providers), func() error { return nil }, nil
	case "redis":
		rdb, err := NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return NewLimiter(NewRedisBackend(rdb), cfg.RateLimit.Providers), rdb.Close, nil
	default:
		return nil, nil, eris.Errorf("ratelimit: unknown backend %q", cfg.RateLimit.Backend)
	}
}
