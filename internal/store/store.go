// Package store persists buyers, deals, universes, the scoring queue, scores,
// snapshots, learning history, adjustments and batch jobs.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/buyer-fit/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrNotProcessing is returned when a queue item is resolved that is not
// currently claimed.
var ErrNotProcessing = errors.New("store: queue item not processing")

// JobFilter specifies criteria for listing batch jobs.
type JobFilter struct {
	Status model.JobStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

// FailOutcome describes a failed queue item after its failure was recorded.
type FailOutcome struct {
	Status   model.QueueStatus
	Attempts int
}

// Store defines the persistence interface for the scoring subsystem.
type Store interface {
	// Buyers, deals and universes
	UpsertBuyer(ctx context.Context, b model.Buyer) error
	GetBuyer(ctx context.Context, id string) (*model.Buyer, error)
	ListBuyerIDs(ctx context.Context, afterID string, limit int) ([]string, error)
	CountBuyers(ctx context.Context) (int, error)
	UpsertDeal(ctx context.Context, d model.Deal) error
	GetDeal(ctx context.Context, id string) (*model.Deal, error)
	UpsertUniverse(ctx context.Context, u model.Universe) error
	GetUniverse(ctx context.Context, id string) (*model.Universe, error)
	ListUniversesForBuyer(ctx context.Context, buyerID string) ([]model.Universe, error)
	ListUniversesForDeal(ctx context.Context, dealID string) ([]model.Universe, error)

	// Scoring queue
	Enqueue(ctx context.Context, req model.EnqueueRequest) (bool, error)
	EnqueueBatch(ctx context.Context, reqs []model.EnqueueRequest) (int, error)
	ClaimBatch(ctx context.Context, limit int) ([]model.QueueItem, error)
	CompleteItem(ctx context.Context, id int64) error
	FailItem(ctx context.Context, id int64, errMsg string, maxAttempts int, permanent bool) (*FailOutcome, error)
	RecoverStaleItems(ctx context.Context, cutoff time.Time, maxAttempts int) (int, error)
	GetQueueItem(ctx context.Context, id int64) (*model.QueueItem, error)
	QueueStats(ctx context.Context) (model.QueueStats, error)
	ListFailedItems(ctx context.Context, limit int) ([]model.QueueItem, error)

	// Scores and snapshots
	RecordScore(ctx context.Context, snap model.ScoreSnapshot) (*model.ScoreSnapshot, error)
	GetScore(ctx context.Context, buyerID, dealID string) (*model.Score, error)
	UpdateDecision(ctx context.Context, buyerID, dealID string, d model.Decision) error
	GetLatestSnapshot(ctx context.Context, buyerID, dealID string) (*model.ScoreSnapshot, error)
	ListSnapshots(ctx context.Context, buyerID, dealID string, limit int) ([]model.ScoreSnapshot, error)

	// Learning loop
	AppendLearning(ctx context.Context, e model.LearningEntry) (*model.LearningEntry, error)
	ListLearning(ctx context.Context, dealID string) ([]model.LearningEntry, error)
	GetAdjustment(ctx context.Context, dealID string) (*model.ScoringAdjustment, error)
	EnsureAdjustment(ctx context.Context, dealID string) (*model.ScoringAdjustment, error)
	SaveAdjustment(ctx context.Context, adj model.ScoringAdjustment) error

	// Batch jobs
	CreateJob(ctx context.Context, jobType string, total int) (*model.EnrichmentJob, error)
	GetJob(ctx context.Context, id string) (*model.EnrichmentJob, error)
	SaveJobProgress(ctx context.Context, job model.EnrichmentJob) error
	ListJobs(ctx context.Context, filter JobFilter) ([]model.EnrichmentJob, error)
	FailStaleJobs(ctx context.Context, cutoff time.Time) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// staleJobError is recorded on jobs failed by the stale sweep.
const staleJobError = "stale: no progress before recovery threshold"

// normalizeTrigger defaults an empty trigger type to auto.
func normalizeTrigger(t model.TriggerType) model.TriggerType {
	if t == "" {
		return model.TriggerAuto
	}
	return t
}

// activeKey identifies a (buyer, deal, score type) for de-duplication.
type activeKey struct {
	buyerID, dealID string
	scoreType       model.ScoreType
}

// dedupeRequests drops requests that repeat an earlier key in the batch.
func dedupeRequests(reqs []model.EnqueueRequest) []model.EnqueueRequest {
	seen := make(map[activeKey]bool, len(reqs))
	out := make([]model.EnqueueRequest, 0, len(reqs))
	for _, r := range reqs {
		k := activeKey{r.BuyerID, r.DealID, r.ScoreType}
		if seen[k] {
			continue
		}
		seen[k] = true
		r.TriggerType = normalizeTrigger(r.TriggerType)
		out = append(out, r)
	}
	return out
}

// recoveredAttempts bounds attempts so a recovered item keeps one retry.
func recoveredAttempts(maxAttempts int) int {
	if maxAttempts < 1 {
		return 0
	}
	return maxAttempts - 1
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "store: rows affected for %s %s", entity, id)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

// sortQueueItems orders items oldest first, breaking ties by id.
func sortQueueItems(items []model.QueueItem) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

// prepareSnapshot fills the identity, version and timestamp of a snapshot
// that is about to be inserted.
func prepareSnapshot(snap model.ScoreSnapshot) model.ScoreSnapshot {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.ScoringVersion == "" {
		snap.ScoringVersion = model.ScoringVersion
	}
	if snap.ScoredAt.IsZero() {
		snap.ScoredAt = time.Now().UTC()
	}
	snap.TriggerType = normalizeTrigger(snap.TriggerType)
	if snap.WeightsUsed.Version == "" {
		snap.WeightsUsed.Version = snap.ScoringVersion
	}
	if snap.MultipliersApplied.Version == "" {
		snap.MultipliersApplied.Version = snap.ScoringVersion
	}
	if snap.BonusesApplied.Version == "" {
		snap.BonusesApplied.Version = snap.ScoringVersion
	}
	return snap
}

type snapshotPayloads struct {
	weights, multipliers, bonuses []byte
}

func marshalSnapshotPayloads(snap model.ScoreSnapshot) (snapshotPayloads, error) {
	var p snapshotPayloads
	var err error
	if p.weights, err = json.Marshal(snap.WeightsUsed); err != nil {
		return p, eris.Wrap(err, "store: marshal weights used")
	}
	if p.multipliers, err = json.Marshal(snap.MultipliersApplied); err != nil {
		return p, eris.Wrap(err, "store: marshal multipliers applied")
	}
	if p.bonuses, err = json.Marshal(snap.BonusesApplied); err != nil {
		return p, eris.Wrap(err, "store: marshal bonuses applied")
	}
	return p, nil
}

// snapshotScan holds the raw columns of a snapshot row that need decoding.
type snapshotScan struct {
	scoreType, tier, completeness, triggerType string
	weights, multipliers, bonuses              []byte
}

func (r snapshotScan) apply(sn *model.ScoreSnapshot) error {
	sn.ScoreType = model.ScoreType(r.scoreType)
	sn.Tier = model.Tier(r.tier)
	sn.DataCompleteness = model.Completeness(r.completeness)
	sn.TriggerType = model.TriggerType(r.triggerType)
	if err := json.Unmarshal(r.weights, &sn.WeightsUsed); err != nil {
		return eris.Wrapf(err, "store: decode weights used for snapshot %s", sn.ID)
	}
	if err := json.Unmarshal(r.multipliers, &sn.MultipliersApplied); err != nil {
		return eris.Wrapf(err, "store: decode multipliers applied for snapshot %s", sn.ID)
	}
	if err := json.Unmarshal(r.bonuses, &sn.BonusesApplied); err != nil {
		return eris.Wrapf(err, "store: decode bonuses applied for snapshot %s", sn.ID)
	}
	return nil
}

func marshalLearning(e model.LearningEntry) (cats, dealCtx []byte, err error) {
	categories := e.RejectionCategories
	if categories == nil {
		categories = []string{}
	}
	if cats, err = json.Marshal(categories); err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal rejection categories")
	}
	if dealCtx, err = json.Marshal(e.DealContext); err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal deal context")
	}
	return cats, dealCtx, nil
}

func unmarshalLearning(e *model.LearningEntry, cats, dealCtx []byte) error {
	if len(cats) > 0 {
		if err := json.Unmarshal(cats, &e.RejectionCategories); err != nil {
			return eris.Wrapf(err, "store: decode rejection categories for %s", e.ID)
		}
	}
	if len(e.RejectionCategories) == 0 {
		e.RejectionCategories = nil
	}
	if len(dealCtx) > 0 {
		if err := json.Unmarshal(dealCtx, &e.DealContext); err != nil {
			return eris.Wrapf(err, "store: decode deal context for %s", e.ID)
		}
	}
	return nil
}
