// Package service exposes the scoring subsystem's external operations:
// enqueueing, recovery, score reads, human decisions and job status.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/buyer-fit/internal/model"
	"github.com/sells-group/buyer-fit/internal/queue"
	"github.com/sells-group/buyer-fit/internal/store"
)

// ErrInvalidArgument is returned for malformed requests.
var ErrInvalidArgument = errors.New("service: invalid argument")

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("service: not found")

// API is the set of operations offered to external collaborators.
type API interface {
	EnqueueScoring(ctx context.Context, req model.EnqueueRequest) (bool, error)
	RecoverStaleItems(ctx context.Context, thresholdMinutes int) (model.RecoveryReport, error)
	GetScore(ctx context.Context, buyerID, dealID string) (*model.Score, error)
	GetLatestSnapshot(ctx context.Context, buyerID, dealID string) (*model.ScoreSnapshot, error)
	RecordDecision(ctx context.Context, req model.DecisionRequest) (*model.LearningEntry, error)
	GetJobStatus(ctx context.Context, jobID string) (*model.EnrichmentJob, error)
	RecalculateWeights(ctx context.Context, dealID string) (*Recalculation, error)
	QueueStats(ctx context.Context) (model.QueueStats, error)
}

// Recalculation reports a multiplier refresh and the rescoring it queued.
type Recalculation struct {
	Adjustment model.ScoringAdjustment `json:"adjustment"`
	Enqueued   int                     `json:"enqueued"`
}

// Store is the persistence the service reads and writes directly.
type Store interface {
	GetDeal(ctx context.Context, id string) (*model.Deal, error)
	GetBuyer(ctx context.Context, id string) (*model.Buyer, error)
	GetScore(ctx context.Context, buyerID, dealID string) (*model.Score, error)
	GetLatestSnapshot(ctx context.Context, buyerID, dealID string) (*model.ScoreSnapshot, error)
	UpdateDecision(ctx context.Context, buyerID, dealID string, d model.Decision) error
	AppendLearning(ctx context.Context, e model.LearningEntry) (*model.LearningEntry, error)
	GetJob(ctx context.Context, id string) (*model.EnrichmentJob, error)
	QueueStats(ctx context.Context) (model.QueueStats, error)
}

// Enqueuer is the queue's write side.
type Enqueuer interface {
	Enqueue(ctx context.Context, req model.EnqueueRequest) (bool, error)
	EnqueueForDeal(ctx context.Context, dealID string, trigger model.TriggerType) (int, error)
}

// Recoverer runs one stale sweep.
type Recoverer interface {
	RecoverStale(ctx context.Context, threshold time.Duration) (model.RecoveryReport, error)
}

// Learner recomputes a deal's multipliers from its decision history.
type Learner interface {
	Recalculate(ctx context.Context, dealID string) (*model.ScoringAdjustment, error)
}

// Service implements API.
type Service struct {
	store     Store
	queue     Enqueuer
	recoverer Recoverer
	learner   Learner
}

var _ API = (*Service)(nil)

// New creates a Service.
func New(s Store, q Enqueuer, r Recoverer, l Learner) *Service {
	return &Service{store: s, queue: q, recoverer: r, learner: l}
}

// EnqueueScoring queues one pair. It reports false when equivalent work is
// already pending or processing.
func (s *Service) EnqueueScoring(ctx context.Context, req model.EnqueueRequest) (bool, error) {
	if req.TriggerType == "" {
		req.TriggerType = model.TriggerManual
	}
	ok, err := s.queue.Enqueue(ctx, req)
	if errors.Is(err, queue.ErrInvalidRequest) {
		return false, eris.Wrap(ErrInvalidArgument, err.Error())
	}
	return ok, err
}

// RecoverStaleItems resets work stuck longer than thresholdMinutes. A
// non-positive threshold uses the default.
func (s *Service) RecoverStaleItems(ctx context.Context, thresholdMinutes int) (model.RecoveryReport, error) {
	threshold := queue.DefaultStaleThreshold
	if thresholdMinutes > 0 {
		threshold = time.Duration(thresholdMinutes) * time.Minute
	}
	return s.recoverer.RecoverStale(ctx, threshold)
}

// GetScore returns the current score for a pair.
func (s *Service) GetScore(ctx context.Context, buyerID, dealID string) (*model.Score, error) {
	if buyerID == "" || dealID == "" {
		return nil, eris.Wrap(ErrInvalidArgument, "buyer_id and deal_id are required")
	}
	sc, err := s.store.GetScore(ctx, buyerID, dealID)
	return sc, mapNotFound(err)
}

// GetLatestSnapshot returns the most recent computation for a pair.
func (s *Service) GetLatestSnapshot(ctx context.Context, buyerID, dealID string) (*model.ScoreSnapshot, error) {
	if buyerID == "" || dealID == "" {
		return nil, eris.Wrap(ErrInvalidArgument, "buyer_id and deal_id are required")
	}
	snap, err := s.store.GetLatestSnapshot(ctx, buyerID, dealID)
	return snap, mapNotFound(err)
}

// GetJobStatus returns a batch job's progress.
func (s *Service) GetJobStatus(ctx context.Context, jobID string) (*model.EnrichmentJob, error) {
	if jobID == "" {
		return nil, eris.Wrap(ErrInvalidArgument, "job id is required")
	}
	job, err := s.store.GetJob(ctx, jobID)
	return job, mapNotFound(err)
}

// QueueStats counts queue items by status.
func (s *Service) QueueStats(ctx context.Context) (model.QueueStats, error) {
	return s.store.QueueStats(ctx)
}

// RecordDecision applies a human decision to the score overlay, appends it
// to the learning history, relearns the deal's multipliers and queues the
// deal's pairs for rescoring. Engine-owned score columns are untouched.
func (s *Service) RecordDecision(ctx context.Context, req model.DecisionRequest) (*model.LearningEntry, error) {
	if req.BuyerID == "" || req.DealID == "" {
		return nil, eris.Wrap(ErrInvalidArgument, "buyer_id and deal_id are required")
	}
	if !req.Action.Valid() {
		return nil, eris.Wrapf(ErrInvalidArgument, "unknown action %q", req.Action)
	}
	if _, err := s.store.GetBuyer(ctx, req.BuyerID); err != nil {
		return nil, mapNotFound(err)
	}
	deal, err := s.store.GetDeal(ctx, req.DealID)
	if err != nil {
		return nil, mapNotFound(err)
	}

	var overlay model.Decision
	current, err := s.store.GetScore(ctx, req.BuyerID, req.DealID)
	switch {
	case err == nil:
		overlay = current.Decision
	case !errors.Is(err, store.ErrNotFound):
		return nil, eris.Wrapf(err, "service: load score %s/%s", req.BuyerID, req.DealID)
	}
	categories := splitCategories(req.Category)
	overlay = applyDecision(overlay, req, categories)

	if err := s.store.UpdateDecision(ctx, req.BuyerID, req.DealID, overlay); err != nil {
		return nil, eris.Wrapf(err, "service: update decision %s/%s", req.BuyerID, req.DealID)
	}

	entry := model.LearningEntry{
		BuyerID:         req.BuyerID,
		DealID:          req.DealID,
		Action:          req.Action,
		RejectionReason: req.Reason,
		DealContext:     deal.Attributes,
	}
	if req.Action != model.ActionApproved {
		entry.RejectionCategories = categories
	}
	saved, err := s.store.AppendLearning(ctx, entry)
	if err != nil {
		return nil, eris.Wrapf(err, "service: append learning %s/%s", req.BuyerID, req.DealID)
	}

	if _, err := s.recalculate(ctx, req.DealID); err != nil {
		return saved, err
	}

	zap.L().Info("service: decision recorded",
		zap.String("buyer_id", req.BuyerID),
		zap.String("deal_id", req.DealID),
		zap.String("action", string(req.Action)),
		zap.Strings("categories", categories),
	)
	return saved, nil
}

// RecalculateWeights relearns a deal's multipliers and queues its pairs.
func (s *Service) RecalculateWeights(ctx context.Context, dealID string) (*Recalculation, error) {
	if dealID == "" {
		return nil, eris.Wrap(ErrInvalidArgument, "deal id is required")
	}
	if _, err := s.store.GetDeal(ctx, dealID); err != nil {
		return nil, mapNotFound(err)
	}
	return s.recalculate(ctx, dealID)
}

func (s *Service) recalculate(ctx context.Context, dealID string) (*Recalculation, error) {
	adj, err := s.learner.Recalculate(ctx, dealID)
	if err != nil {
		return nil, eris.Wrapf(err, "service: recalculate deal %s", dealID)
	}
	n, err := s.queue.EnqueueForDeal(ctx, dealID, model.TriggerRecalculation)
	if err != nil {
		return nil, eris.Wrapf(err, "service: enqueue rescoring for deal %s", dealID)
	}
	return &Recalculation{Adjustment: *adj, Enqueued: n}, nil
}

// applyDecision updates only the fields the action owns.
func applyDecision(d model.Decision, req model.DecisionRequest, categories []string) model.Decision {
	switch req.Action {
	case model.ActionApproved:
		d.SelectedForOutreach = true
		d.PassedOnDeal = false
		d.HiddenFromDeal = false
		d.PassReason = ""
		d.PassCategory = ""
		interested := true
		d.Interested = &interested
	case model.ActionPassed:
		d.SelectedForOutreach = false
		d.PassedOnDeal = true
		d.PassReason = req.Reason
		d.PassCategory = strings.Join(categories, ",")
	case model.ActionHidden:
		d.SelectedForOutreach = false
		d.HiddenFromDeal = true
		if req.Reason != "" {
			d.PassReason = req.Reason
		}
		if len(categories) > 0 {
			d.PassCategory = strings.Join(categories, ",")
		}
	}
	return d
}

func splitCategories(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

func mapNotFound(err error) error {
	if err != nil && errors.Is(err, store.ErrNotFound) {
		return eris.Wrap(ErrNotFound, err.Error())
	}
	return err
}
