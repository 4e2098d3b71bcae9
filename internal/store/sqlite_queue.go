package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/buyer-fit/internal/model"
)

const sqliteQueueColumns = `id, universe_id, buyer_id, deal_id, score_type, trigger_type, status, attempts,
	COALESCE(last_error, ''), created_at, claimed_at, processed_at`

func (s *SQLiteStore) Enqueue(ctx context.Context, req model.EnqueueRequest) (bool, error) {
	inserted, err := enqueueSQLite(ctx, s.db, req, nowNanos())
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: enqueue %s/%s", req.BuyerID, req.DealID)
	}
	return inserted, nil
}

// EnqueueBatch inserts the requests in one transaction. Each row gets a
// distinct created_at so batch order is kept in FIFO claims.
func (s *SQLiteStore) EnqueueBatch(ctx context.Context, reqs []model.EnqueueRequest) (int, error) {
	reqs = dedupeRequests(reqs)
	if len(reqs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin enqueue batch")
	}
	defer func() { _ = tx.Rollback() }()

	base := nowNanos()
	n := 0
	for i, r := range reqs {
		ok, err := enqueueSQLite(ctx, tx, r, base+int64(i))
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: enqueue %s/%s", r.BuyerID, r.DealID)
		}
		if ok {
			n++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit enqueue batch")
	}
	return n, nil
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func enqueueSQLite(ctx context.Context, ex sqlExecer, req model.EnqueueRequest, createdAt int64) (bool, error) {
	res, err := ex.ExecContext(ctx, `
		INSERT OR IGNORE INTO scoring_queue (universe_id, buyer_id, deal_id, score_type, trigger_type, created_at)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM scoring_queue
			WHERE buyer_id = ? AND deal_id = ? AND score_type = ?
				AND status IN ('pending', 'processing')
		)`,
		req.UniverseID, req.BuyerID, req.DealID, string(req.ScoreType), string(normalizeTrigger(req.TriggerType)), createdAt,
		req.BuyerID, req.DealID, string(req.ScoreType),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClaimBatch claims up to limit pending items, oldest first, in a single
// UPDATE ... RETURNING statement.
func (s *SQLiteStore) ClaimBatch(ctx context.Context, limit int) ([]model.QueueItem, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx, `
		UPDATE scoring_queue SET status = 'processing', claimed_at = ?
		WHERE id IN (
			SELECT id FROM scoring_queue
			WHERE status = 'pending'
			ORDER BY created_at, id
			LIMIT ?
		)
		RETURNING `+sqliteQueueColumns,
		nowNanos(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim batch")
	}
	items, err := collectSQLiteQueueItems(rows)
	if err != nil {
		return nil, err
	}
	sortQueueItems(items)
	return items, nil
}

func (s *SQLiteStore) CompleteItem(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scoring_queue SET status = 'completed', processed_at = ?, last_error = NULL
		WHERE id = ? AND status = 'processing'`,
		nowNanos(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete item %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for item %d", id)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotProcessing, "item %d", id)
	}
	return nil
}

func (s *SQLiteStore) FailItem(ctx context.Context, id int64, errMsg string, maxAttempts int, permanent bool) (*FailOutcome, error) {
	var out FailOutcome
	var status string
	now := nowNanos()
	err := s.db.QueryRowContext(ctx, `
		UPDATE scoring_queue SET
			attempts = attempts + 1,
			last_error = ?,
			claimed_at = NULL,
			status = CASE WHEN ? OR attempts + 1 >= ? THEN 'failed' ELSE 'pending' END,
			processed_at = CASE WHEN ? OR attempts + 1 >= ? THEN ? ELSE NULL END
		WHERE id = ? AND status = 'processing'
		RETURNING status, attempts`,
		errMsg, permanent, maxAttempts, permanent, maxAttempts, now, id,
	).Scan(&status, &out.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotProcessing, "item %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: fail item %d", id)
	}
	out.Status = model.QueueStatus(status)
	return &out, nil
}

func (s *SQLiteStore) RecoverStaleItems(ctx context.Context, cutoff time.Time, maxAttempts int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scoring_queue SET status = 'pending', claimed_at = NULL, attempts = MIN(attempts, ?)
		WHERE status = 'processing' AND claimed_at < ?`,
		recoveredAttempts(maxAttempts), cutoff.UTC().UnixNano(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: recover stale items")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) GetQueueItem(ctx context.Context, id int64) (*model.QueueItem, error) {
	it, err := scanSQLiteQueueItem(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteQueueColumns+` FROM scoring_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "queue item %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get queue item %d", id)
	}
	return it, nil
}

func (s *SQLiteStore) QueueStats(ctx context.Context) (model.QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM scoring_queue GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: queue stats")
	}
	defer rows.Close()

	stats := model.QueueStats{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan queue stats")
		}
		stats[model.QueueStatus(status)] = n
	}
	return stats, eris.Wrap(rows.Err(), "sqlite: iterate queue stats")
}

func (s *SQLiteStore) ListFailedItems(ctx context.Context, limit int) ([]model.QueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteQueueColumns+` FROM scoring_queue
		WHERE status = 'failed'
		ORDER BY processed_at DESC, id DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list failed items")
	}
	return collectSQLiteQueueItems(rows)
}

func collectSQLiteQueueItems(rows *sql.Rows) ([]model.QueueItem, error) {
	defer rows.Close()

	var items []model.QueueItem
	for rows.Next() {
		it, err := scanSQLiteQueueItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan queue item")
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: iterate queue items")
}

func scanSQLiteQueueItem(row scannable) (*model.QueueItem, error) {
	var it model.QueueItem
	var scoreType, triggerType, status string
	var created int64
	var claimed, processed sql.NullInt64
	if err := row.Scan(&it.ID, &it.UniverseID, &it.BuyerID, &it.DealID, &scoreType, &triggerType,
		&status, &it.Attempts, &it.LastError, &created, &claimed, &processed); err != nil {
		return nil, err
	}
	it.ScoreType = model.ScoreType(scoreType)
	it.TriggerType = model.TriggerType(triggerType)
	it.Status = model.QueueStatus(status)
	it.CreatedAt = fromNanos(created)
	it.ClaimedAt = fromNullNanos(claimed)
	it.ProcessedAt = fromNullNanos(processed)
	return &it, nil
}
