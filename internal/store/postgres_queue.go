package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/buyer-fit/internal/db"
	"github.com/sells-group/buyer-fit/internal/model"
)

const queueColumns = `id, universe_id, buyer_id, deal_id, score_type, trigger_type, status, attempts,
	COALESCE(last_error, ''), created_at, claimed_at, processed_at`

var stageColumns = []string{"universe_id", "buyer_id", "deal_id", "score_type", "trigger_type"}

// Enqueue inserts a pending item unless a pending or processing item for the
// same (buyer, deal, score type) exists. Reports whether a row was inserted.
func (s *PostgresStore) Enqueue(ctx context.Context, req model.EnqueueRequest) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO scoring_queue (universe_id, buyer_id, deal_id, score_type, trigger_type)
		SELECT $1::text, $2::text, $3::text, $4::text, $5::text
		WHERE NOT EXISTS (
			SELECT 1 FROM scoring_queue
			WHERE buyer_id = $2 AND deal_id = $3 AND score_type = $4
				AND status IN ('pending', 'processing')
		)
		ON CONFLICT DO NOTHING`,
		req.UniverseID, req.BuyerID, req.DealID, string(req.ScoreType), string(normalizeTrigger(req.TriggerType)),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: enqueue %s/%s", req.BuyerID, req.DealID)
	}
	return tag.RowsAffected() > 0, nil
}

// EnqueueBatch stages the requests with COPY and inserts the ones with no
// active item in a single statement.
func (s *PostgresStore) EnqueueBatch(ctx context.Context, reqs []model.EnqueueRequest) (int, error) {
	reqs = dedupeRequests(reqs)
	if len(reqs) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin enqueue batch")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE scoring_queue_stage (
			universe_id TEXT, buyer_id TEXT, deal_id TEXT, score_type TEXT, trigger_type TEXT
		) ON COMMIT DROP`); err != nil {
		return 0, eris.Wrap(err, "postgres: create queue stage")
	}

	rows := make([][]any, len(reqs))
	for i, r := range reqs {
		rows[i] = []any{r.UniverseID, r.BuyerID, r.DealID, string(r.ScoreType), string(r.TriggerType)}
	}
	if _, err := db.CopyFrom(ctx, tx, "scoring_queue_stage", stageColumns, rows); err != nil {
		return 0, eris.Wrap(err, "postgres: stage queue rows")
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO scoring_queue (universe_id, buyer_id, deal_id, score_type, trigger_type)
		SELECT st.universe_id, st.buyer_id, st.deal_id, st.score_type, st.trigger_type
		FROM scoring_queue_stage st
		WHERE NOT EXISTS (
			SELECT 1 FROM scoring_queue q
			WHERE q.buyer_id = st.buyer_id AND q.deal_id = st.deal_id AND q.score_type = st.score_type
				AND q.status IN ('pending', 'processing')
		)
		ON CONFLICT DO NOTHING`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert staged queue rows")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit enqueue batch")
	}
	return int(tag.RowsAffected()), nil
}

// ClaimBatch claims up to limit pending items, oldest first. Rows are locked
// with FOR UPDATE SKIP LOCKED so concurrent workers never claim the same item.
// claimed_at is stamped from the application clock, the same clock recovery
// cutoffs are computed from.
func (s *PostgresStore) ClaimBatch(ctx context.Context, limit int) ([]model.QueueItem, error) {
	if limit <= 0 {
		limit = 1
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin claim")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id FROM scoring_queue
		WHERE status = 'pending'
		ORDER BY created_at, id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: select pending items")
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan pending id")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate pending items")
	}

	if len(ids) == 0 {
		_ = tx.Commit(ctx)
		return nil, nil
	}

	rows, err = tx.Query(ctx, `
		UPDATE scoring_queue SET status = 'processing', claimed_at = $2
		WHERE id = ANY($1)
		RETURNING `+queueColumns,
		ids, time.Now().UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: mark items processing")
	}
	items, err := collectQueueItems(rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit claim")
	}
	sortQueueItems(items)
	return items, nil
}

func (s *PostgresStore) CompleteItem(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scoring_queue SET status = 'completed', processed_at = now(), last_error = NULL
		WHERE id = $1 AND status = 'processing'`,
		id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete item %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotProcessing, "item %d", id)
	}
	return nil
}

// FailItem records a failed attempt. The item returns to pending while it
// has retries left and is not permanent; otherwise it becomes terminally
// failed.
func (s *PostgresStore) FailItem(ctx context.Context, id int64, errMsg string, maxAttempts int, permanent bool) (*FailOutcome, error) {
	var out FailOutcome
	var status string
	err := s.pool.QueryRow(ctx, `
		UPDATE scoring_queue SET
			attempts = attempts + 1,
			last_error = $2,
			claimed_at = NULL,
			status = CASE WHEN $3::boolean OR attempts + 1 >= $4::int THEN 'failed' ELSE 'pending' END,
			processed_at = CASE WHEN $3::boolean OR attempts + 1 >= $4::int THEN now() ELSE NULL END
		WHERE id = $1 AND status = 'processing'
		RETURNING status, attempts`,
		id, errMsg, permanent, maxAttempts,
	).Scan(&status, &out.Attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotProcessing, "item %d", id)
		}
		return nil, eris.Wrapf(err, "postgres: fail item %d", id)
	}
	out.Status = model.QueueStatus(status)
	return &out, nil
}

// RecoverStaleItems returns items stuck in processing since before cutoff to
// pending, leaving each at least one retry.
func (s *PostgresStore) RecoverStaleItems(ctx context.Context, cutoff time.Time, maxAttempts int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scoring_queue SET status = 'pending', claimed_at = NULL, attempts = LEAST(attempts, $2)
		WHERE status = 'processing' AND claimed_at < $1`,
		cutoff, recoveredAttempts(maxAttempts),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: recover stale items")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) GetQueueItem(ctx context.Context, id int64) (*model.QueueItem, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+queueColumns+` FROM scoring_queue WHERE id = $1`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get queue item %d", id)
	}
	items, err := collectQueueItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "queue item %d", id)
	}
	return &items[0], nil
}

func (s *PostgresStore) QueueStats(ctx context.Context) (model.QueueStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM scoring_queue GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: queue stats")
	}
	defer rows.Close()

	stats := model.QueueStats{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan queue stats")
		}
		stats[model.QueueStatus(status)] = n
	}
	return stats, eris.Wrap(rows.Err(), "postgres: iterate queue stats")
}

func (s *PostgresStore) ListFailedItems(ctx context.Context, limit int) ([]model.QueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+queueColumns+` FROM scoring_queue
		WHERE status = 'failed'
		ORDER BY processed_at DESC, id DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list failed items")
	}
	return collectQueueItems(rows)
}

func collectQueueItems(rows pgx.Rows) ([]model.QueueItem, error) {
	defer rows.Close()

	var items []model.QueueItem
	for rows.Next() {
		var it model.QueueItem
		var scoreType, triggerType, status string
		if err := rows.Scan(&it.ID, &it.UniverseID, &it.BuyerID, &it.DealID, &scoreType, &triggerType,
			&status, &it.Attempts, &it.LastError, &it.CreatedAt, &it.ClaimedAt, &it.ProcessedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan queue item")
		}
		it.ScoreType = model.ScoreType(scoreType)
		it.TriggerType = model.TriggerType(triggerType)
		it.Status = model.QueueStatus(status)
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: iterate queue items")
}
