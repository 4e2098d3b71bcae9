// Package queue owns the scoring queue's write paths, the worker pool that
// drains it, and the stale-item recovery sweep.
package queue

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/buyer-fit/internal/metrics"
	"github.com/sells-group/buyer-fit/internal/model"
)

// ErrInvalidRequest is returned for enqueue requests missing an identifier
// or carrying an unknown score or trigger type.
var ErrInvalidRequest = errors.New("queue: invalid request")

// batchChunk bounds the rows sent in one EnqueueBatch call.
const batchChunk = 500

// EnqueueStore is the persistence the enqueue paths need.
type EnqueueStore interface {
	Enqueue(ctx context.Context, req model.EnqueueRequest) (bool, error)
	EnqueueBatch(ctx context.Context, reqs []model.EnqueueRequest) (int, error)
	GetUniverse(ctx context.Context, id string) (*model.Universe, error)
	ListUniversesForBuyer(ctx context.Context, buyerID string) ([]model.Universe, error)
	ListUniversesForDeal(ctx context.Context, dealID string) ([]model.Universe, error)
}

// Queue enqueues scoring work. Every entity change that should rescore a
// pair goes through one of its methods.
type Queue struct {
	store EnqueueStore
}

// New creates a Queue.
func New(s EnqueueStore) *Queue {
	return &Queue{store: s}
}

// Validate checks an enqueue request and fills the default trigger type.
func Validate(req model.EnqueueRequest) (model.EnqueueRequest, error) {
	if req.UniverseID == "" || req.BuyerID == "" || req.DealID == "" {
		return req, eris.Wrap(ErrInvalidRequest, "universe_id, buyer_id and deal_id are required")
	}
	if !req.ScoreType.Valid() {
		return req, eris.Wrapf(ErrInvalidRequest, "unknown score_type %q", req.ScoreType)
	}
	if req.TriggerType == "" {
		req.TriggerType = model.TriggerAuto
	}
	if !req.TriggerType.Valid() {
		return req, eris.Wrapf(ErrInvalidRequest, "unknown trigger_type %q", req.TriggerType)
	}
	return req, nil
}

// Enqueue adds one pair. It reports false when a non-terminal item for the
// same (buyer, deal, score type) already exists.
func (q *Queue) Enqueue(ctx context.Context, req model.EnqueueRequest) (bool, error) {
	req, err := Validate(req)
	if err != nil {
		return false, err
	}
	inserted, err := q.store.Enqueue(ctx, req)
	if err != nil {
		return false, eris.Wrapf(err, "queue: enqueue %s/%s", req.BuyerID, req.DealID)
	}
	if inserted {
		metrics.QueueItemsEnqueued.WithLabelValues(string(req.TriggerType)).Inc()
	}
	return inserted, nil
}

// EnqueueBatch validates every request, then inserts the ones without an
// active item in chunks. It returns the number inserted.
func (q *Queue) EnqueueBatch(ctx context.Context, reqs []model.EnqueueRequest) (int, error) {
	valid := make([]model.EnqueueRequest, 0, len(reqs))
	for _, r := range reqs {
		r, err := Validate(r)
		if err != nil {
			return 0, err
		}
		valid = append(valid, r)
	}

	total := 0
	for start := 0; start < len(valid); start += batchChunk {
		end := min(start+batchChunk, len(valid))
		n, err := q.store.EnqueueBatch(ctx, valid[start:end])
		if err != nil {
			return total, eris.Wrapf(err, "queue: enqueue batch at offset %d", start)
		}
		total += n
	}
	if total > 0 {
		metrics.QueueItemsEnqueued.WithLabelValues(string(batchTrigger(valid))).Add(float64(total))
	}
	return total, nil
}

// EnqueueUniverse enqueues every buyer × deal pair of a universe.
func (q *Queue) EnqueueUniverse(ctx context.Context, universeID string, st model.ScoreType, trigger model.TriggerType) (int, error) {
	u, err := q.store.GetUniverse(ctx, universeID)
	if err != nil {
		return 0, eris.Wrapf(err, "queue: load universe %s", universeID)
	}
	reqs := pairs(*u, u.BuyerIDs, u.DealIDs, st, trigger)
	n, err := q.EnqueueBatch(ctx, reqs)
	if err != nil {
		return n, err
	}
	zap.L().Info("queue: enqueued universe",
		zap.String("universe_id", universeID),
		zap.Int("pairs", len(reqs)),
		zap.Int("inserted", n),
	)
	return n, nil
}

// EnqueueForBuyer enqueues the buyer against every deal of every universe it
// belongs to. Called after a buyer is created or re-enriched.
func (q *Queue) EnqueueForBuyer(ctx context.Context, buyerID string, trigger model.TriggerType) (int, error) {
	us, err := q.store.ListUniversesForBuyer(ctx, buyerID)
	if err != nil {
		return 0, eris.Wrapf(err, "queue: universes for buyer %s", buyerID)
	}
	var reqs []model.EnqueueRequest
	for _, u := range us {
		reqs = append(reqs, pairs(u, []string{buyerID}, u.DealIDs, model.ScoreTypeDeal, trigger)...)
	}
	return q.EnqueueBatch(ctx, reqs)
}

// EnqueueForDeal enqueues every buyer of every universe the deal belongs to.
// Called after a deal changes or its multipliers are recalculated.
func (q *Queue) EnqueueForDeal(ctx context.Context, dealID string, trigger model.TriggerType) (int, error) {
	us, err := q.store.ListUniversesForDeal(ctx, dealID)
	if err != nil {
		return 0, eris.Wrapf(err, "queue: universes for deal %s", dealID)
	}
	var reqs []model.EnqueueRequest
	for _, u := range us {
		reqs = append(reqs, pairs(u, u.BuyerIDs, []string{dealID}, model.ScoreTypeDeal, trigger)...)
	}
	return q.EnqueueBatch(ctx, reqs)
}

func pairs(u model.Universe, buyers, deals []string, st model.ScoreType, trigger model.TriggerType) []model.EnqueueRequest {
	out := make([]model.EnqueueRequest, 0, len(buyers)*len(deals))
	for _, b := range buyers {
		for _, d := range deals {
			out = append(out, model.EnqueueRequest{
				UniverseID:  u.ID,
				BuyerID:     b,
				DealID:      d,
				ScoreType:   st,
				TriggerType: trigger,
			})
		}
	}
	return out
}

// batchTrigger returns the trigger label for a batch, which shares one
// trigger in practice.
func batchTrigger(reqs []model.EnqueueRequest) model.TriggerType {
	if len(reqs) == 0 {
		return model.TriggerAuto
	}
	return reqs[0].TriggerType
}
