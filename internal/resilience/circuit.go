// Package resilience provides the error taxonomy, circuit breaker and retry
// helpers shared by the scoring queue, batch jobs and provider clients.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// ErrCircuitOpen is returned by Execute while a tripped breaker is cooling down.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls when a job's breaker trips.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive counted failures trip the breaker. Default: 5.
	FailureThreshold int
	// ResetTimeout is how long a tripped breaker rejects calls before it
	// admits a single trial call. Default: 30s.
	ResetTimeout time.Duration
	// ShouldTrip reports whether an error counts toward the threshold. Nil
	// counts every error.
	ShouldTrip func(err error) bool
}

// DefaultCircuitBreakerConfig returns the job defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// CircuitBreaker counts consecutive failures across the records of one job
// run. Tripped stays latched once the breaker has opened, even after a trial
// call closes it again.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	failures int
	openedAt time.Time
	trial    bool
	tripped  bool

	now func() time.Time
}

// NewCircuitBreaker returns a closed breaker. Zero config values take the
// defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Execute runs fn unless the breaker is open, in which case it returns
// ErrCircuitOpen without calling fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

// Open reports whether calls are currently rejected.
func (cb *CircuitBreaker) Open() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.rejecting()
}

// Tripped reports whether the breaker has opened at least once.
func (cb *CircuitBreaker) Tripped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.tripped
}

func (cb *CircuitBreaker) rejecting() bool {
	if cb.openedAt.IsZero() {
		return false
	}
	return cb.trial || cb.now().Sub(cb.openedAt) < cb.cfg.ResetTimeout
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.rejecting() {
		return ErrCircuitOpen
	}
	if !cb.openedAt.IsZero() {
		cb.trial = true
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	counted := err != nil && (cb.cfg.ShouldTrip == nil || cb.cfg.ShouldTrip(err))
	wasTrial := cb.trial
	cb.trial = false

	if !counted {
		cb.failures = 0
		if wasTrial {
			cb.openedAt = time.Time{}
		}
		return
	}

	cb.failures++
	if wasTrial || cb.failures >= cb.cfg.FailureThreshold {
		cb.openedAt = cb.now()
		cb.tripped = true
	}
}
