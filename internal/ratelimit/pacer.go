package ratelimit

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Pacer spaces requests to one provider. On success it raises the rate by
// 20% (up to 2x initial); on a 429 it halves it (down to initial/4).
type Pacer struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewPacer creates a pacer at rps requests per second with the given burst.
func NewPacer(rps float64, burst int) *Pacer {
	if burst < 1 {
		burst = 1
	}
	r := rate.Limit(rps)
	return &Pacer{
		limiter:     rate.NewLimiter(r, burst),
		initialRate: r,
		maxRate:     r * 2,
		minRate:     r / 4,
		currentRate: r,
	}
}

// Wait blocks until the pacer allows a request or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// OnSuccess raises the rate by 20%, up to 2x initial.
func (p *Pacer) OnSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.currentRate * 1.2
	if next > p.maxRate {
		next = p.maxRate
	}
	p.currentRate = next
	p.limiter.SetLimit(next)
}

// OnRateLimit halves the rate.
func (p *Pacer) OnRateLimit(provider string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.currentRate * 0.5
	if next < p.minRate {
		next = p.minRate
	}
	p.currentRate = next
	p.limiter.SetLimit(next)
	zap.L().Warn("ratelimit: reducing request rate after 429",
		zap.String("provider", provider),
		zap.Float64("new_rate", float64(next)),
	)
}

// Limit returns the current rate.
func (p *Pacer) Limit() rate.Limit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentRate
}
