package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/buyer-fit/internal/config"
	"github.com/sells-group/buyer-fit/internal/model"
	"github.com/sells-group/buyer-fit/internal/resilience"
	"github.com/sells-group/buyer-fit/internal/store"
)

func enqueueN(t *testing.T, q *Queue, n int) {
	t.Helper()
	reqs := make([]model.EnqueueRequest, n)
	for i := range reqs {
		reqs[i] = model.EnqueueRequest{
			UniverseID: "u1",
			BuyerID:    fmt.Sprintf("b%03d", i),
			DealID:     "d1",
			ScoreType:  model.ScoreTypeDeal,
		}
	}
	got, err := q.EnqueueBatch(context.Background(), reqs)
	require.NoError(t, err)
	require.Equal(t, n, got)
}

func testPoolConfig(workers int) PoolConfig {
	return PoolConfig{Workers: workers, PollInterval: 10 * time.Millisecond, ClaimBatchSize: 1, MaxAttempts: 3}
}

func TestPoolConfigFrom(t *testing.T) {
	cfg := PoolConfigFrom(config.QueueConfig{Workers: 8, PollIntervalMs: 250})
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 1, cfg.ClaimBatchSize)
	assert.Equal(t, 3, cfg.MaxAttempts)
}

func TestPool_DrainProcessesEachItemOnce(t *testing.T) {
	s := newTestStore(t)
	enqueueN(t, New(s), 40)

	var mu sync.Mutex
	seen := map[int64]int{}
	h := HandlerFunc(func(_ context.Context, item model.QueueItem) (Outcome, error) {
		mu.Lock()
		seen[item.ID]++
		mu.Unlock()
		return OutcomeScored, nil
	})

	n, err := NewPool(testPoolConfig(5), s, h).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40, n)
	assert.Len(t, seen, 40)
	for id, c := range seen {
		assert.Equal(t, 1, c, "item %d processed more than once", id)
	}

	stats, err := s.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40, stats[model.QueueStatusCompleted])
	assert.Zero(t, stats[model.QueueStatusPending])
	assert.Zero(t, stats[model.QueueStatusProcessing])
}

func TestPool_TransientRetriesThenTerminal(t *testing.T) {
	s := newTestStore(t)
	enqueueN(t, New(s), 1)

	var calls atomic.Int32
	h := HandlerFunc(func(context.Context, model.QueueItem) (Outcome, error) {
		calls.Add(1)
		return "", errors.New("deal attributes not enriched yet")
	})

	var terminal []model.QueueItem
	p := NewPool(testPoolConfig(1), s, h)
	p.OnTerminalFailure(func(_ context.Context, item model.QueueItem, msg string) {
		terminal = append(terminal, item)
		assert.Contains(t, msg, "not enriched")
	})

	_, err := p.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, terminal, 1)

	failed, err := s.ListFailedItems(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Equal(t, "deal attributes not enriched yet", failed[0].LastError)
}

func TestPool_PermanentFailsImmediately(t *testing.T) {
	s := newTestStore(t)
	enqueueN(t, New(s), 1)

	var calls atomic.Int32
	h := HandlerFunc(func(context.Context, model.QueueItem) (Outcome, error) {
		calls.Add(1)
		return "", resilience.NewPermanentError(errors.New("buyer b000 not found"))
	})

	_, err := NewPool(testPoolConfig(1), s, h).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	stats, err := s.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats[model.QueueStatusFailed])
}

func TestPool_SkippedCompletes(t *testing.T) {
	s := newTestStore(t)
	enqueueN(t, New(s), 2)

	h := HandlerFunc(func(context.Context, model.QueueItem) (Outcome, error) {
		return OutcomeSkipped, nil
	})
	n, err := NewPool(testPoolConfig(1), s, h).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, err := s.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats[model.QueueStatusCompleted])
}

func TestPool_ShutdownLeavesItemProcessing(t *testing.T) {
	s := newTestStore(t)
	enqueueN(t, New(s), 1)

	started := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, _ model.QueueItem) (Outcome, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewPool(testPoolConfig(1), s, h).Run(ctx) }()

	<-started
	cancel()
	require.NoError(t, <-done)

	stats, err := s.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats[model.QueueStatusProcessing])
	assert.Zero(t, stats[model.QueueStatusCompleted])
}

func TestPool_RunStopsOnCancel(t *testing.T) {
	s := newTestStore(t)
	h := HandlerFunc(func(context.Context, model.QueueItem) (Outcome, error) { return OutcomeScored, nil })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, NewPool(testPoolConfig(3), s, h).Run(ctx))
}

type brokenStore struct{}

func (brokenStore) ClaimBatch(context.Context, int) ([]model.QueueItem, error) {
	return nil, errors.New("connection refused")
}

func (brokenStore) CompleteItem(context.Context, int64) error { return nil }

func (brokenStore) FailItem(context.Context, int64, string, int, bool) (*store.FailOutcome, error) {
	return nil, nil
}

func TestPool_StorageErrorStopsPool(t *testing.T) {
	h := HandlerFunc(func(context.Context, model.QueueItem) (Outcome, error) { return OutcomeScored, nil })
	err := NewPool(testPoolConfig(2), brokenStore{}, h).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
