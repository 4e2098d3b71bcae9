package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/buyer-fit/internal/model"
)

type fakeCounters struct {
	n         int
	err       error
	threshold time.Duration
}

func (f *fakeCounters) ResetStale(_ context.Context, threshold time.Duration) (int, error) {
	f.threshold = threshold
	n := f.n
	f.n = 0
	return n, f.err
}

func TestRecoverer_RecoverStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	enqueueN(t, New(s), 3)

	claimed, err := s.ClaimBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	job, err := s.CreateJob(ctx, "enrich", 10)
	require.NoError(t, err)

	counters := &fakeCounters{n: 1}
	r := NewRecoverer(s, counters, 3)
	r.now = func() time.Time { return time.Now().Add(5 * time.Minute) }

	rep, err := r.RecoverStale(ctx, 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, model.RecoveryReport{ScoringQueue: 2, EnrichmentJobs: 1, RateLimitCounters: 1}, rep)
	assert.Equal(t, 2*time.Minute, counters.threshold)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)

	for _, it := range claimed {
		item, err := s.GetQueueItem(ctx, it.ID)
		require.NoError(t, err)
		assert.Equal(t, model.QueueStatusPending, item.Status)
		assert.Nil(t, item.ClaimedAt)
	}

	again, err := r.RecoverStale(ctx, 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, model.RecoveryReport{}, again, "second sweep is a no-op")
}

func TestRecoverer_IgnoresFreshClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	enqueueN(t, New(s), 1)

	_, err := s.ClaimBatch(ctx, 1)
	require.NoError(t, err)

	rep, err := NewRecoverer(s, nil, 3).RecoverStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, rep.ScoringQueue)

	stats, err := s.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[model.QueueStatusProcessing])
}

func TestRecoverer_DefaultThreshold(t *testing.T) {
	s := newTestStore(t)
	counters := &fakeCounters{}
	_, err := NewRecoverer(s, counters, 0).RecoverStale(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultStaleThreshold, counters.threshold)
}

func TestRecoverer_CounterError(t *testing.T) {
	s := newTestStore(t)
	counters := &fakeCounters{err: errors.New("redis: connection refused")}
	_, err := NewRecoverer(s, counters, 3).RecoverStale(context.Background(), time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reset stale rate-limit counters")
}
