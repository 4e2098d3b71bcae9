package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/buyer-fit/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as unix nanoseconds so ordering and cutoffs compare as integers.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// A single connection serializes writers, which makes each claim statement
// atomic across goroutines.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS buyers (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	criteria   TEXT NOT NULL DEFAULT '{}',
	archived   INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS deals (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	attributes TEXT NOT NULL DEFAULT '{}',
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS universes (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	weights    TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS universe_buyers (
	universe_id TEXT NOT NULL REFERENCES universes(id) ON DELETE CASCADE,
	buyer_id    TEXT NOT NULL,
	PRIMARY KEY (universe_id, buyer_id)
);

CREATE TABLE IF NOT EXISTS universe_deals (
	universe_id TEXT NOT NULL REFERENCES universes(id) ON DELETE CASCADE,
	deal_id     TEXT NOT NULL,
	PRIMARY KEY (universe_id, deal_id)
);

CREATE INDEX IF NOT EXISTS idx_universe_buyers_buyer ON universe_buyers(buyer_id);
CREATE INDEX IF NOT EXISTS idx_universe_deals_deal ON universe_deals(deal_id);

CREATE TABLE IF NOT EXISTS scoring_queue (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	universe_id  TEXT NOT NULL,
	buyer_id     TEXT NOT NULL,
	deal_id      TEXT NOT NULL,
	score_type   TEXT NOT NULL,
	trigger_type TEXT NOT NULL DEFAULT 'auto',
	status       TEXT NOT NULL DEFAULT 'pending',
	attempts     INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT,
	created_at   INTEGER NOT NULL,
	claimed_at   INTEGER,
	processed_at INTEGER
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_scoring_queue_active
	ON scoring_queue(buyer_id, deal_id, score_type)
	WHERE status IN ('pending', 'processing');
CREATE INDEX IF NOT EXISTS idx_scoring_queue_status ON scoring_queue(status, created_at, id);

CREATE TABLE IF NOT EXISTS scores (
	buyer_id              TEXT NOT NULL,
	deal_id               TEXT NOT NULL,
	universe_id           TEXT NOT NULL DEFAULT '',
	geography_score       REAL NOT NULL DEFAULT 0,
	size_score            REAL NOT NULL DEFAULT 0,
	service_score         REAL NOT NULL DEFAULT 0,
	owner_goals_score     REAL NOT NULL DEFAULT 0,
	composite_score       REAL NOT NULL DEFAULT 0,
	tier                  TEXT NOT NULL DEFAULT '',
	data_completeness     TEXT NOT NULL DEFAULT '',
	disqualified          INTEGER NOT NULL DEFAULT 0,
	alignment_score       REAL,
	scoring_version       TEXT NOT NULL DEFAULT '',
	selected_for_outreach INTEGER NOT NULL DEFAULT 0,
	passed_on_deal        INTEGER NOT NULL DEFAULT 0,
	pass_reason           TEXT NOT NULL DEFAULT '',
	pass_category         TEXT NOT NULL DEFAULT '',
	interested            INTEGER,
	hidden_from_deal      INTEGER NOT NULL DEFAULT 0,
	human_override_score  REAL,
	scored_at             INTEGER,
	updated_at            INTEGER NOT NULL,
	PRIMARY KEY (buyer_id, deal_id)
);

CREATE TABLE IF NOT EXISTS score_snapshots (
	seq                     INTEGER PRIMARY KEY AUTOINCREMENT,
	id                      TEXT NOT NULL UNIQUE,
	buyer_id                TEXT NOT NULL,
	deal_id                 TEXT NOT NULL,
	universe_id             TEXT NOT NULL DEFAULT '',
	score_type              TEXT NOT NULL,
	geography_score         REAL NOT NULL,
	size_score              REAL NOT NULL,
	service_score           REAL NOT NULL,
	owner_goals_score       REAL NOT NULL,
	composite_score         REAL NOT NULL,
	tier                    TEXT NOT NULL,
	disqualified            INTEGER NOT NULL,
	disqualification_reason TEXT NOT NULL DEFAULT '',
	data_completeness       TEXT NOT NULL,
	weights_used            TEXT NOT NULL,
	multipliers_applied     TEXT NOT NULL,
	bonuses_applied         TEXT NOT NULL,
	trigger_type            TEXT NOT NULL,
	scoring_version         TEXT NOT NULL,
	scored_at               INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_score_snapshots_pair ON score_snapshots(buyer_id, deal_id, seq);

CREATE TABLE IF NOT EXISTS scoring_adjustments (
	deal_id               TEXT PRIMARY KEY,
	geography_weight_mult REAL NOT NULL DEFAULT 1.0 CHECK (geography_weight_mult > 0),
	size_weight_mult      REAL NOT NULL DEFAULT 1.0 CHECK (size_weight_mult > 0),
	services_weight_mult  REAL NOT NULL DEFAULT 1.0 CHECK (services_weight_mult > 0),
	approved_count        INTEGER NOT NULL DEFAULT 0,
	rejected_count        INTEGER NOT NULL DEFAULT 0,
	passed_geography      INTEGER NOT NULL DEFAULT 0,
	passed_size           INTEGER NOT NULL DEFAULT 0,
	passed_services       INTEGER NOT NULL DEFAULT 0,
	last_calculated_at    INTEGER
);

CREATE TABLE IF NOT EXISTS learning_history (
	id                   TEXT PRIMARY KEY,
	buyer_id             TEXT NOT NULL,
	deal_id              TEXT NOT NULL,
	action_type          TEXT NOT NULL,
	rejection_categories TEXT NOT NULL DEFAULT '[]',
	rejection_reason     TEXT NOT NULL DEFAULT '',
	deal_context         TEXT NOT NULL DEFAULT '{}',
	created_at           INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_learning_history_deal ON learning_history(deal_id, created_at);

CREATE TABLE IF NOT EXISTS enrichment_jobs (
	id                      TEXT PRIMARY KEY,
	job_type                TEXT NOT NULL,
	status                  TEXT NOT NULL DEFAULT 'running',
	total                   INTEGER NOT NULL DEFAULT 0,
	processed               INTEGER NOT NULL DEFAULT 0,
	succeeded               INTEGER NOT NULL DEFAULT 0,
	failed                  INTEGER NOT NULL DEFAULT 0,
	skipped                 INTEGER NOT NULL DEFAULT 0,
	last_processed_id       TEXT NOT NULL DEFAULT '',
	error_count             INTEGER NOT NULL DEFAULT 0,
	rate_limit_count        INTEGER NOT NULL DEFAULT 0,
	circuit_breaker_tripped INTEGER NOT NULL DEFAULT 0,
	last_error              TEXT NOT NULL DEFAULT '',
	started_at              INTEGER NOT NULL,
	updated_at              INTEGER NOT NULL,
	completed_at            INTEGER
);

CREATE INDEX IF NOT EXISTS idx_enrichment_jobs_status ON enrichment_jobs(status, started_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Buyers, deals, universes ---

func (s *SQLiteStore) UpsertBuyer(ctx context.Context, b model.Buyer) error {
	criteria, err := json.Marshal(b.Criteria)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal buyer criteria")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO buyers (id, name, criteria, archived, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, criteria = excluded.criteria,
			archived = excluded.archived, updated_at = excluded.updated_at`,
		b.ID, b.Name, string(criteria), b.Archived, nowNanos(),
	)
	return eris.Wrapf(err, "sqlite: upsert buyer %s", b.ID)
}

func (s *SQLiteStore) GetBuyer(ctx context.Context, id string) (*model.Buyer, error) {
	var b model.Buyer
	var criteria string
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, criteria, archived, updated_at FROM buyers WHERE id = ?`, id,
	).Scan(&b.ID, &b.Name, &criteria, &b.Archived, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "buyer %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get buyer %s", id)
	}
	if err := json.Unmarshal([]byte(criteria), &b.Criteria); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal buyer criteria %s", id)
	}
	b.UpdatedAt = fromNanos(updated)
	return &b, nil
}

func (s *SQLiteStore) ListBuyerIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryIDs(ctx, `SELECT id FROM buyers WHERE id > ? ORDER BY id LIMIT ?`, afterID, limit)
}

func (s *SQLiteStore) CountBuyers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM buyers`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count buyers")
}

func (s *SQLiteStore) UpsertDeal(ctx context.Context, d model.Deal) error {
	attrs, err := json.Marshal(d.Attributes)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal deal attributes")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deals (id, name, attributes, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, attributes = excluded.attributes, updated_at = excluded.updated_at`,
		d.ID, d.Name, string(attrs), nowNanos(),
	)
	return eris.Wrapf(err, "sqlite: upsert deal %s", d.ID)
}

func (s *SQLiteStore) GetDeal(ctx context.Context, id string) (*model.Deal, error) {
	var d model.Deal
	var attrs string
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, attributes, updated_at FROM deals WHERE id = ?`, id,
	).Scan(&d.ID, &d.Name, &attrs, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "deal %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get deal %s", id)
	}
	if err := json.Unmarshal([]byte(attrs), &d.Attributes); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal deal attributes %s", id)
	}
	d.UpdatedAt = fromNanos(updated)
	return &d, nil
}

func (s *SQLiteStore) UpsertUniverse(ctx context.Context, u model.Universe) error {
	weights, err := json.Marshal(u.Weights)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal universe weights")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin universe tx")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO universes (id, name, weights, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, weights = excluded.weights, updated_at = excluded.updated_at`,
		u.ID, u.Name, string(weights), nowNanos(),
	); err != nil {
		return eris.Wrapf(err, "sqlite: upsert universe %s", u.ID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM universe_buyers WHERE universe_id = ?`, u.ID); err != nil {
		return eris.Wrap(err, "sqlite: clear universe buyers")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM universe_deals WHERE universe_id = ?`, u.ID); err != nil {
		return eris.Wrap(err, "sqlite: clear universe deals")
	}
	for _, id := range u.BuyerIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO universe_buyers (universe_id, buyer_id) VALUES (?, ?)`, u.ID, id,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert universe buyer %s", id)
		}
	}
	for _, id := range u.DealIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO universe_deals (universe_id, deal_id) VALUES (?, ?)`, u.ID, id,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert universe deal %s", id)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit universe")
}

func (s *SQLiteStore) GetUniverse(ctx context.Context, id string) (*model.Universe, error) {
	var u model.Universe
	var weights string
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, weights, updated_at FROM universes WHERE id = ?`, id,
	).Scan(&u.ID, &u.Name, &weights, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "universe %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get universe %s", id)
	}
	if err := json.Unmarshal([]byte(weights), &u.Weights); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal universe weights %s", id)
	}
	u.UpdatedAt = fromNanos(updated)

	if u.BuyerIDs, err = s.queryIDs(ctx,
		`SELECT buyer_id FROM universe_buyers WHERE universe_id = ? ORDER BY buyer_id`, id); err != nil {
		return nil, err
	}
	if u.DealIDs, err = s.queryIDs(ctx,
		`SELECT deal_id FROM universe_deals WHERE universe_id = ? ORDER BY deal_id`, id); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteStore) ListUniversesForBuyer(ctx context.Context, buyerID string) ([]model.Universe, error) {
	return s.listUniverses(ctx, `SELECT universe_id FROM universe_buyers WHERE buyer_id = ? ORDER BY universe_id`, buyerID)
}

func (s *SQLiteStore) ListUniversesForDeal(ctx context.Context, dealID string) ([]model.Universe, error) {
	return s.listUniverses(ctx, `SELECT universe_id FROM universe_deals WHERE deal_id = ? ORDER BY universe_id`, dealID)
}

func (s *SQLiteStore) listUniverses(ctx context.Context, query, arg string) ([]model.Universe, error) {
	ids, err := s.queryIDs(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	out := make([]model.Universe, 0, len(ids))
	for _, id := range ids {
		u, err := s.GetUniverse(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, nil
}

// queryIDs runs a single-column string query and closes its rows before
// returning, so callers can issue the next statement on the one connection.
func (s *SQLiteStore) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: iterate ids")
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func nowNanos() int64 {
	return time.Now().UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
