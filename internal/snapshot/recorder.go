// Package snapshot records immutable score snapshots and keeps the current
// Score row in step with the latest computation.
package snapshot

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/buyer-fit/internal/metrics"
	"github.com/sells-group/buyer-fit/internal/model"
)

// Store is the persistence the recorder needs.
type Store interface {
	RecordScore(ctx context.Context, snap model.ScoreSnapshot) (*model.ScoreSnapshot, error)
}

// Entry is one computation to record.
type Entry struct {
	UniverseID  string
	BuyerID     string
	DealID      string
	ScoreType   model.ScoreType
	Result      model.ScoreResult
	Weights     model.WeightSet
	Multipliers model.Multipliers
	TriggerType model.TriggerType
}

// Recorder writes snapshots. It exposes no update path.
type Recorder struct {
	store Store
}

// NewRecorder creates a Recorder.
func NewRecorder(s Store) *Recorder {
	return &Recorder{store: s}
}

// Record inserts a snapshot for the entry and upserts the current Score,
// leaving the human-decision overlay untouched.
func (r *Recorder) Record(ctx context.Context, e Entry) (*model.ScoreSnapshot, error) {
	snap := Build(e)
	out, err := r.store.RecordScore(ctx, snap)
	if err != nil {
		return nil, eris.Wrapf(err, "snapshot: record %s/%s", e.BuyerID, e.DealID)
	}
	metrics.ScoreTiers.WithLabelValues(string(out.Tier)).Inc()
	return out, nil
}

// Build converts an entry into the snapshot row to insert.
func Build(e Entry) model.ScoreSnapshot {
	version := e.Result.ScoringVersion
	if version == "" {
		version = model.ScoringVersion
	}
	bonuses := e.Result.Bonuses
	bonuses.Version = version

	return model.ScoreSnapshot{
		BuyerID:                e.BuyerID,
		DealID:                 e.DealID,
		UniverseID:             e.UniverseID,
		ScoreType:              e.ScoreType,
		Factors:                e.Result.Factors,
		Composite:              e.Result.Composite,
		Tier:                   e.Result.Tier,
		Disqualified:           e.Result.Disqualified,
		DisqualificationReason: e.Result.DisqualificationReason,
		DataCompleteness:       e.Result.DataCompleteness,
		WeightsUsed:            model.WeightsUsed{Version: version, WeightSet: e.Weights},
		MultipliersApplied:     model.MultipliersApplied{Version: version, Multipliers: e.Multipliers},
		BonusesApplied:         bonuses,
		TriggerType:            e.TriggerType,
		ScoringVersion:         version,
	}
}
