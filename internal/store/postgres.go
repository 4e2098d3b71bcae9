package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/buyer-fit/internal/db"
	"github.com/sells-group/buyer-fit/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS buyers (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	criteria   JSONB NOT NULL DEFAULT '{}',
	archived   BOOLEAN NOT NULL DEFAULT false,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS deals (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	attributes JSONB NOT NULL DEFAULT '{}',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS universes (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	weights    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
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
	id           BIGSERIAL PRIMARY KEY,
	universe_id  TEXT NOT NULL,
	buyer_id     TEXT NOT NULL,
	deal_id      TEXT NOT NULL,
	score_type   TEXT NOT NULL,
	trigger_type TEXT NOT NULL DEFAULT 'auto',
	status       TEXT NOT NULL DEFAULT 'pending',
	attempts     INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	claimed_at   TIMESTAMPTZ,
	processed_at TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_scoring_queue_active
	ON scoring_queue(buyer_id, deal_id, score_type)
	WHERE status IN ('pending', 'processing');
CREATE INDEX IF NOT EXISTS idx_scoring_queue_pending ON scoring_queue(created_at, id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_scoring_queue_processing ON scoring_queue(claimed_at) WHERE status = 'processing';

CREATE TABLE IF NOT EXISTS scores (
	buyer_id              TEXT NOT NULL,
	deal_id               TEXT NOT NULL,
	universe_id           TEXT NOT NULL DEFAULT '',
	geography_score       DOUBLE PRECISION NOT NULL DEFAULT 0,
	size_score            DOUBLE PRECISION NOT NULL DEFAULT 0,
	service_score         DOUBLE PRECISION NOT NULL DEFAULT 0,
	owner_goals_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
	composite_score       DOUBLE PRECISION NOT NULL DEFAULT 0,
	tier                  TEXT NOT NULL DEFAULT '',
	data_completeness     TEXT NOT NULL DEFAULT '',
	disqualified          BOOLEAN NOT NULL DEFAULT false,
	alignment_score       DOUBLE PRECISION,
	scoring_version       TEXT NOT NULL DEFAULT '',
	selected_for_outreach BOOLEAN NOT NULL DEFAULT false,
	passed_on_deal        BOOLEAN NOT NULL DEFAULT false,
	pass_reason           TEXT NOT NULL DEFAULT '',
	pass_category         TEXT NOT NULL DEFAULT '',
	interested            BOOLEAN,
	hidden_from_deal      BOOLEAN NOT NULL DEFAULT false,
	human_override_score  DOUBLE PRECISION,
	scored_at             TIMESTAMPTZ,
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (buyer_id, deal_id)
);

CREATE INDEX IF NOT EXISTS idx_scores_deal_tier ON scores(deal_id, tier);

CREATE TABLE IF NOT EXISTS score_snapshots (
	seq                     BIGSERIAL PRIMARY KEY,
	id                      TEXT NOT NULL UNIQUE,
	buyer_id                TEXT NOT NULL,
	deal_id                 TEXT NOT NULL,
	universe_id             TEXT NOT NULL DEFAULT '',
	score_type              TEXT NOT NULL,
	geography_score         DOUBLE PRECISION NOT NULL,
	size_score              DOUBLE PRECISION NOT NULL,
	service_score           DOUBLE PRECISION NOT NULL,
	owner_goals_score       DOUBLE PRECISION NOT NULL,
	composite_score         DOUBLE PRECISION NOT NULL,
	tier                    TEXT NOT NULL,
	disqualified            BOOLEAN NOT NULL,
	disqualification_reason TEXT NOT NULL DEFAULT '',
	data_completeness       TEXT NOT NULL,
	weights_used            JSONB NOT NULL,
	multipliers_applied     JSONB NOT NULL,
	bonuses_applied         JSONB NOT NULL,
	trigger_type            TEXT NOT NULL,
	scoring_version         TEXT NOT NULL,
	scored_at               TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_score_snapshots_pair ON score_snapshots(buyer_id, deal_id, seq DESC);

CREATE TABLE IF NOT EXISTS scoring_adjustments (
	deal_id               TEXT PRIMARY KEY,
	geography_weight_mult DOUBLE PRECISION NOT NULL DEFAULT 1.0 CHECK (geography_weight_mult > 0),
	size_weight_mult      DOUBLE PRECISION NOT NULL DEFAULT 1.0 CHECK (size_weight_mult > 0),
	services_weight_mult  DOUBLE PRECISION NOT NULL DEFAULT 1.0 CHECK (services_weight_mult > 0),
	approved_count        INTEGER NOT NULL DEFAULT 0,
	rejected_count        INTEGER NOT NULL DEFAULT 0,
	passed_geography      INTEGER NOT NULL DEFAULT 0,
	passed_size           INTEGER NOT NULL DEFAULT 0,
	passed_services       INTEGER NOT NULL DEFAULT 0,
	last_calculated_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS learning_history (
	id                   TEXT PRIMARY KEY,
	buyer_id             TEXT NOT NULL,
	deal_id              TEXT NOT NULL,
	action_type          TEXT NOT NULL,
	rejection_categories JSONB NOT NULL DEFAULT '[]',
	rejection_reason     TEXT NOT NULL DEFAULT '',
	deal_context         JSONB NOT NULL DEFAULT '{}',
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
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
	circuit_breaker_tripped BOOLEAN NOT NULL DEFAULT false,
	last_error              TEXT NOT NULL DEFAULT '',
	started_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at            TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_enrichment_jobs_status ON enrichment_jobs(status, started_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Buyers, deals, universes ---

func (s *PostgresStore) UpsertBuyer(ctx context.Context, b model.Buyer) error {
	criteria, err := json.Marshal(b.Criteria)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal buyer criteria")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO buyers (id, name, criteria, archived, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, criteria = EXCLUDED.criteria,
			archived = EXCLUDED.archived, updated_at = EXCLUDED.updated_at`,
		b.ID, b.Name, criteria, b.Archived,
	)
	return eris.Wrapf(err, "postgres: upsert buyer %s", b.ID)
}

func (s *PostgresStore) GetBuyer(ctx context.Context, id string) (*model.Buyer, error) {
	var b model.Buyer
	var criteria []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, criteria, archived, updated_at FROM buyers WHERE id = $1`, id,
	).Scan(&b.ID, &b.Name, &criteria, &b.Archived, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "buyer %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get buyer %s", id)
	}
	if err := json.Unmarshal(criteria, &b.Criteria); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal buyer criteria %s", id)
	}
	return &b, nil
}

func (s *PostgresStore) ListBuyerIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM buyers WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list buyer ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan buyer id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: iterate buyer ids")
}

func (s *PostgresStore) CountBuyers(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM buyers`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count buyers")
}

func (s *PostgresStore) UpsertDeal(ctx context.Context, d model.Deal) error {
	attrs, err := json.Marshal(d.Attributes)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal deal attributes")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO deals (id, name, attributes, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, attributes = EXCLUDED.attributes, updated_at = EXCLUDED.updated_at`,
		d.ID, d.Name, attrs,
	)
	return eris.Wrapf(err, "postgres: upsert deal %s", d.ID)
}

func (s *PostgresStore) GetDeal(ctx context.Context, id string) (*model.Deal, error) {
	var d model.Deal
	var attrs []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, attributes, updated_at FROM deals WHERE id = $1`, id,
	).Scan(&d.ID, &d.Name, &attrs, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "deal %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get deal %s", id)
	}
	if err := json.Unmarshal(attrs, &d.Attributes); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal deal attributes %s", id)
	}
	return &d, nil
}

// UpsertUniverse writes the universe and replaces its memberships in one
// transaction.
func (s *PostgresStore) UpsertUniverse(ctx context.Context, u model.Universe) error {
	weights, err := json.Marshal(u.Weights)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal universe weights")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin universe tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO universes (id, name, weights, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, weights = EXCLUDED.weights, updated_at = EXCLUDED.updated_at`,
		u.ID, u.Name, weights,
	); err != nil {
		return eris.Wrapf(err, "postgres: upsert universe %s", u.ID)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM universe_buyers WHERE universe_id = $1`, u.ID); err != nil {
		return eris.Wrap(err, "postgres: clear universe buyers")
	}
	if _, err := tx.Exec(ctx, `DELETE FROM universe_deals WHERE universe_id = $1`, u.ID); err != nil {
		return eris.Wrap(err, "postgres: clear universe deals")
	}
	if len(u.BuyerIDs) > 0 {
		if _, err := tx.Exec(ctx, `
			INSERT INTO universe_buyers (universe_id, buyer_id)
			SELECT $1::text, unnest($2::text[]) ON CONFLICT DO NOTHING`,
			u.ID, u.BuyerIDs,
		); err != nil {
			return eris.Wrap(err, "postgres: insert universe buyers")
		}
	}
	if len(u.DealIDs) > 0 {
		if _, err := tx.Exec(ctx, `
			INSERT INTO universe_deals (universe_id, deal_id)
			SELECT $1::text, unnest($2::text[]) ON CONFLICT DO NOTHING`,
			u.ID, u.DealIDs,
		); err != nil {
			return eris.Wrap(err, "postgres: insert universe deals")
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit universe")
}

func (s *PostgresStore) GetUniverse(ctx context.Context, id string) (*model.Universe, error) {
	var u model.Universe
	var weights []byte
	err := s.pool.QueryRow(ctx, `
		SELECT u.id, u.name, u.weights, u.updated_at,
			COALESCE((SELECT array_agg(buyer_id ORDER BY buyer_id) FROM universe_buyers WHERE universe_id = u.id), '{}'),
			COALESCE((SELECT array_agg(deal_id ORDER BY deal_id) FROM universe_deals WHERE universe_id = u.id), '{}')
		FROM universes u WHERE u.id = $1`, id,
	).Scan(&u.ID, &u.Name, &weights, &u.UpdatedAt, &u.BuyerIDs, &u.DealIDs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "universe %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get universe %s", id)
	}
	if err := json.Unmarshal(weights, &u.Weights); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal universe weights %s", id)
	}
	return &u, nil
}

func (s *PostgresStore) ListUniversesForBuyer(ctx context.Context, buyerID string) ([]model.Universe, error) {
	return s.listUniverses(ctx, `SELECT universe_id FROM universe_buyers WHERE buyer_id = $1 ORDER BY universe_id`, buyerID)
}

func (s *PostgresStore) ListUniversesForDeal(ctx context.Context, dealID string) ([]model.Universe, error) {
	return s.listUniverses(ctx, `SELECT universe_id FROM universe_deals WHERE deal_id = $1 ORDER BY universe_id`, dealID)
}

func (s *PostgresStore) listUniverses(ctx context.Context, query, arg string) ([]model.Universe, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list universes")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan universe id")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate universes")
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
