package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/buyer-fit/internal/config"
	"github.com/sells-group/buyer-fit/internal/resilience"
)

func newTestLimiter(limits map[string]config.ProviderLimit) (*Limiter, *MemoryBackend) {
	b := NewMemoryBackend()
	return NewLimiter(b, limits), b
}

func TestLimiter_DoReleasesOnEveryPath(t *testing.T) {
	ctx := context.Background()
	l, b := newTestLimiter(map[string]config.ProviderLimit{"p": {MaxConcurrent: 1}})

	tests := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"success", func(context.Context) error { return nil }},
		{"failure", func(context.Context) error { return errors.New("boom") }},
		{"timeout", func(ctx context.Context) error {
			c, cancel := context.WithTimeout(ctx, time.Millisecond)
			defer cancel()
			<-c.Done()
			return c.Err()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_ = l.Do(ctx, "p", tt.fn)
			st, err := b.State(ctx, "p")
			require.NoError(t, err)
			assert.Zero(t, st.ConcurrentRequests)
		})
	}
}

func TestLimiter_DoReleasesWhenCallerCancels(t *testing.T) {
	l, b := newTestLimiter(map[string]config.ProviderLimit{"p": {MaxConcurrent: 1}})
	ctx, cancel := context.WithCancel(context.Background())

	err := l.Do(ctx, "p", func(ctx context.Context) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)

	st, err := b.State(context.Background(), "p")
	require.NoError(t, err)
	assert.Zero(t, st.ConcurrentRequests, "released with a non-cancelled context")
}

func TestLimiter_HoldsSlotDuringCall(t *testing.T) {
	ctx := context.Background()
	l, b := newTestLimiter(map[string]config.ProviderLimit{"p": {MaxConcurrent: 2}})

	err := l.Do(ctx, "p", func(ctx context.Context) error {
		st, err := b.State(ctx, "p")
		require.NoError(t, err)
		assert.Equal(t, 1, st.ConcurrentRequests)
		return nil
	})
	require.NoError(t, err)
}

func TestLimiter_RequestTimeout(t *testing.T) {
	l, _ := newTestLimiter(map[string]config.ProviderLimit{"p": {MaxConcurrent: 1, TimeoutSecs: 1}})

	err := l.Do(context.Background(), "p", func(ctx context.Context) error {
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(time.Second), deadline, 200*time.Millisecond)
		return nil
	})
	require.NoError(t, err)
}

func TestLimiter_RateLimitSetsBackoff(t *testing.T) {
	ctx := context.Background()
	l, b := newTestLimiter(map[string]config.ProviderLimit{"p": {MaxConcurrent: 1, BackoffSecs: 60}})
	now := time.Now()
	l.now = func() time.Time { return now }

	err := l.Do(ctx, "p", func(context.Context) error {
		return resilience.NewRateLimitError(errors.New("429 too many requests"), 0)
	})
	require.Error(t, err)
	assert.True(t, resilience.IsRateLimited(err))

	st, err := b.State(ctx, "p")
	require.NoError(t, err)
	assert.True(t, now.Add(60*time.Second).Equal(st.BackoffUntil))

	called := false
	err = l.Do(ctx, "p", func(context.Context) error {
		called = true
		return nil
	})
	assert.False(t, called, "calls are refused inside the backoff window")
	assert.ErrorIs(t, err, ErrBackoff)
	assert.True(t, resilience.IsRateLimited(err))
	assert.Equal(t, 60*time.Second, resilience.RetryAfterOf(err))

	l.now = func() time.Time { return now.Add(61 * time.Second) }
	require.NoError(t, l.Do(ctx, "p", func(context.Context) error { return nil }))
}

func TestLimiter_RetryAfterOverridesBackoff(t *testing.T) {
	ctx := context.Background()
	l, b := newTestLimiter(map[string]config.ProviderLimit{"p": {MaxConcurrent: 1, BackoffSecs: 60}})
	now := time.Now()
	l.now = func() time.Time { return now }

	_ = l.Do(ctx, "p", func(context.Context) error {
		return resilience.NewRateLimitError(errors.New("429"), 5*time.Second)
	})
	st, err := b.State(ctx, "p")
	require.NoError(t, err)
	assert.True(t, now.Add(5*time.Second).Equal(st.BackoffUntil))
}

func TestLimiter_SaturatedUntilContextDone(t *testing.T) {
	l, b := newTestLimiter(map[string]config.ProviderLimit{"p": {MaxConcurrent: 1}})
	_, ok, err := b.Acquire(context.Background(), "p", 1)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	err = l.Do(ctx, "p", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrSaturated)
	assert.True(t, resilience.IsTransient(err))
}

func TestLimiter_WaitsForFreedSlot(t *testing.T) {
	l, b := newTestLimiter(map[string]config.ProviderLimit{"p": {MaxConcurrent: 1}})
	held, ok, err := b.Acquire(context.Background(), "p", 1)
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = b.Release(context.Background(), held)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, l.Do(ctx, "p", func(context.Context) error { return nil }))
}

func TestLimiter_UnknownProviderUsesDefaults(t *testing.T) {
	l, _ := newTestLimiter(nil)
	assert.Equal(t, DefaultProviderLimit(), l.limit("other"))
	assert.NoError(t, l.Do(context.Background(), "other", func(context.Context) error { return nil }))
}

func TestLimiter_ResetStaleDelegates(t *testing.T) {
	l, b := newTestLimiter(nil)
	base := time.Now()
	b.now = func() time.Time { return base.Add(-time.Hour) }
	_, _, err := b.Acquire(context.Background(), "p", 1)
	require.NoError(t, err)
	b.now = func() time.Time { return base }

	n, err := l.ResetStale(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNewFromConfig(t *testing.T) {
	cfg := &config.Config{RateLimit: config.RateLimitConfig{Backend: "memory"}}
	l, closeFn, err := NewFromConfig(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.NoError(t, closeFn())

	cfg.RateLimit.Backend = "etcd"
	_, _, err = NewFromConfig(context.Background(), cfg)
	assert.Error(t, err)
}

func TestPacer_Adapts(t *testing.T) {
	p := NewPacer(10, 1)
	assert.Equal(t, rate.Limit(10), p.Limit())

	p.OnRateLimit("p")
	assert.Equal(t, rate.Limit(5), p.Limit())
	p.OnRateLimit("p")
	p.OnRateLimit("p")
	assert.Equal(t, rate.Limit(2.5), p.Limit(), "floor is initial/4")

	for i := 0; i < 20; i++ {
		p.OnSuccess()
	}
	assert.Equal(t, rate.Limit(20), p.Limit(), "ceiling is 2x initial")
}

func TestPacer_WaitHonorsContext(t *testing.T) {
	p := NewPacer(0.001, 1)
	require.NoError(t, p.Wait(context.Background()), "burst allows the first request")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Wait(ctx))
}
