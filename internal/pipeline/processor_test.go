package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/buyer-fit/internal/learner"
	"github.com/sells-group/buyer-fit/internal/model"
	"github.com/sells-group/buyer-fit/internal/queue"
	"github.com/sells-group/buyer-fit/internal/resilience"
	"github.com/sells-group/buyer-fit/internal/scorer"
	"github.com/sells-group/buyer-fit/internal/snapshot"
	"github.com/sells-group/buyer-fit/internal/store"
)

type harness struct {
	store *store.SQLiteStore
	proc  *Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	require.NoError(t, s.UpsertBuyer(ctx, model.Buyer{
		ID:   "b1",
		Name: "Westline Capital",
		Criteria: model.BuyerCriteria{
			TargetGeographies:    []string{"CA", "NV"},
			MinRevenue:           model.Float64Ptr(2_000_000),
			MaxRevenue:           model.Float64Ptr(10_000_000),
			TargetServices:       []string{"HVAC", "Plumbing"},
			OwnerGoalPreferences: []string{"retirement"},
		},
	}))
	require.NoError(t, s.UpsertDeal(ctx, model.Deal{
		ID:   "d1",
		Name: "Sunrise Mechanical",
		Attributes: model.DealAttributes{
			Location:   "CA",
			Revenue:    model.Float64Ptr(5_000_000),
			Services:   []string{"HVAC", "plumbing"},
			OwnerGoals: []string{"retirement"},
		},
	}))
	require.NoError(t, s.UpsertUniverse(ctx, model.Universe{
		ID:       "u1",
		Name:     "Home services",
		Weights:  model.DefaultWeights(),
		BuyerIDs: []string{"b1"},
		DealIDs:  []string{"d1"},
	}))

	l := learner.New(learner.DefaultConfig(), s)
	proc := NewProcessor(s, l, scorer.New(scorer.DefaultScorerConfig(), nil), snapshot.NewRecorder(s))
	return &harness{store: s, proc: proc}
}

func item(st model.ScoreType) model.QueueItem {
	return model.QueueItem{ID: 1, UniverseID: "u1", BuyerID: "b1", DealID: "d1", ScoreType: st, TriggerType: model.TriggerManual}
}

func TestProcess_DealScoreRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out, err := h.proc.Process(ctx, item(model.ScoreTypeDeal))
	require.NoError(t, err)
	assert.Equal(t, queue.OutcomeScored, out)

	sc, err := h.store.GetScore(ctx, "b1", "d1")
	require.NoError(t, err)
	assert.Equal(t, model.TierA, sc.Tier)
	assert.GreaterOrEqual(t, sc.Composite, 80.0)
	assert.Nil(t, sc.AlignmentScore)

	snap, err := h.store.GetLatestSnapshot(ctx, "b1", "d1")
	require.NoError(t, err)
	assert.Equal(t, model.TriggerManual, snap.TriggerType)
	assert.Equal(t, model.NeutralMultipliers(), snap.MultipliersApplied.Multipliers)
	assert.Equal(t, model.DefaultWeights(), snap.WeightsUsed.WeightSet)

	adj, err := h.store.GetAdjustment(ctx, "d1")
	require.NoError(t, err, "first deal scoring creates the adjustment row")
	assert.Equal(t, model.NeutralMultipliers(), adj.Multipliers)
}

func TestProcess_DealScoreUsesLearnedMultipliers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	adj := model.NewScoringAdjustment("d1")
	adj.Multipliers.Geography = 2
	require.NoError(t, h.store.SaveAdjustment(ctx, adj))

	_, err := h.proc.Process(ctx, item(model.ScoreTypeDeal))
	require.NoError(t, err)

	snap, err := h.store.GetLatestSnapshot(ctx, "b1", "d1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, snap.MultipliersApplied.Geography)
	assert.Equal(t, 70.0, snap.WeightsUsed.Geography)
}

func TestProcess_AlignmentUsesBaseWeights(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	adj := model.NewScoringAdjustment("d1")
	adj.Multipliers.Geography = 3
	require.NoError(t, h.store.SaveAdjustment(ctx, adj))

	_, err := h.proc.Process(ctx, item(model.ScoreTypeAlignment))
	require.NoError(t, err)

	snap, err := h.store.GetLatestSnapshot(ctx, "b1", "d1")
	require.NoError(t, err)
	assert.Equal(t, model.ScoreTypeAlignment, snap.ScoreType)
	assert.Equal(t, model.NeutralMultipliers(), snap.MultipliersApplied.Multipliers)
	assert.Equal(t, model.DefaultWeights(), snap.WeightsUsed.WeightSet)

	sc, err := h.store.GetScore(ctx, "b1", "d1")
	require.NoError(t, err)
	require.NotNil(t, sc.AlignmentScore)
	assert.Equal(t, snap.Composite, *sc.AlignmentScore)
}

func TestProcess_ArchivedBuyerSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b, err := h.store.GetBuyer(ctx, "b1")
	require.NoError(t, err)
	b.Archived = true
	require.NoError(t, h.store.UpsertBuyer(ctx, *b))

	out, err := h.proc.Process(ctx, item(model.ScoreTypeDeal))
	require.NoError(t, err)
	assert.Equal(t, queue.OutcomeSkipped, out)

	_, err = h.store.GetLatestSnapshot(ctx, "b1", "d1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcess_Failures(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(t *testing.T, s *store.SQLiteStore)
		item      model.QueueItem
		permanent bool
	}{
		{
			name:      "unknown buyer",
			item:      model.QueueItem{UniverseID: "u1", BuyerID: "ghost", DealID: "d1", ScoreType: model.ScoreTypeDeal},
			permanent: true,
		},
		{
			name:      "unknown deal",
			item:      model.QueueItem{UniverseID: "u1", BuyerID: "b1", DealID: "ghost", ScoreType: model.ScoreTypeDeal},
			permanent: true,
		},
		{
			name:      "unknown universe",
			item:      model.QueueItem{UniverseID: "ghost", BuyerID: "b1", DealID: "d1", ScoreType: model.ScoreTypeDeal},
			permanent: true,
		},
		{
			name:      "unknown score type",
			item:      model.QueueItem{UniverseID: "u1", BuyerID: "b1", DealID: "d1", ScoreType: "fit"},
			permanent: true,
		},
		{
			name: "inverted revenue band",
			mutate: func(t *testing.T, s *store.SQLiteStore) {
				b, err := s.GetBuyer(context.Background(), "b1")
				require.NoError(t, err)
				b.Criteria.MinRevenue = model.Float64Ptr(20_000_000)
				require.NoError(t, s.UpsertBuyer(context.Background(), *b))
			},
			item:      item(model.ScoreTypeDeal),
			permanent: true,
		},
		{
			name: "deal not enriched",
			mutate: func(t *testing.T, s *store.SQLiteStore) {
				require.NoError(t, s.UpsertDeal(context.Background(), model.Deal{ID: "d1", Name: "Sunrise Mechanical"}))
			},
			item:      item(model.ScoreTypeDeal),
			permanent: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.mutate != nil {
				tt.mutate(t, h.store)
			}
			_, err := h.proc.Process(context.Background(), tt.item)
			require.Error(t, err)
			assert.Equal(t, tt.permanent, resilience.IsPermanent(err))
		})
	}
}

func TestProcess_DealNotEnrichedIsTransient(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.UpsertDeal(ctx, model.Deal{ID: "d1", Name: "Sunrise Mechanical"}))

	_, err := h.proc.Process(ctx, item(model.ScoreTypeDeal))
	assert.True(t, errors.Is(err, ErrDealNotEnriched))
	assert.True(t, resilience.IsTransient(err))
}

func TestProcess_RerunAppendsSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.proc.Process(ctx, item(model.ScoreTypeDeal))
		require.NoError(t, err)
	}
	snaps, err := h.store.ListSnapshots(ctx, "b1", "d1", 0)
	require.NoError(t, err)
	assert.Len(t, snaps, 3)
	assert.Equal(t, snaps[1].Composite, snaps[0].Composite)
}

func TestProcess_ThroughWorkerPool(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	q := queue.New(h.store)
	n, err := q.EnqueueUniverse(ctx, "u1", model.ScoreTypeDeal, model.TriggerBulk)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	pool := queue.NewPool(queue.PoolConfig{Workers: 2, MaxAttempts: 3}, h.store, h.proc)
	resolved, err := pool.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	stats, err := h.store.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[model.QueueStatusCompleted])

	snap, err := h.store.GetLatestSnapshot(ctx, "b1", "d1")
	require.NoError(t, err)
	assert.Equal(t, model.TriggerBulk, snap.TriggerType)
}
