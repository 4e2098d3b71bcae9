package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/buyer-fit/internal/model"
)

const snapshotColumns = `seq, id, buyer_id, deal_id, universe_id, score_type,
	geography_score, size_score, service_score, owner_goals_score, composite_score,
	tier, disqualified, disqualification_reason, data_completeness,
	weights_used, multipliers_applied, bonuses_applied, trigger_type, scoring_version, scored_at`

// RecordScore inserts an immutable snapshot and upserts the current Score in
// one transaction. Only engine-owned columns of the Score are written; the
// human-decision overlay is never touched. Alignment snapshots only update
// alignment_score.
func (s *PostgresStore) RecordScore(ctx context.Context, snap model.ScoreSnapshot) (*model.ScoreSnapshot, error) {
	snap = prepareSnapshot(snap)
	payloads, err := marshalSnapshotPayloads(snap)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin record score")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
		INSERT INTO score_snapshots (id, buyer_id, deal_id, universe_id, score_type,
			geography_score, size_score, service_score, owner_goals_score, composite_score,
			tier, disqualified, disqualification_reason, data_completeness,
			weights_used, multipliers_applied, bonuses_applied, trigger_type, scoring_version, scored_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		RETURNING seq`,
		snap.ID, snap.BuyerID, snap.DealID, snap.UniverseID, string(snap.ScoreType),
		snap.Factors.Geography, snap.Factors.Size, snap.Factors.Service, snap.Factors.OwnerGoals, snap.Composite,
		string(snap.Tier), snap.Disqualified, snap.DisqualificationReason, string(snap.DataCompleteness),
		payloads.weights, payloads.multipliers, payloads.bonuses,
		string(snap.TriggerType), snap.ScoringVersion, snap.ScoredAt,
	).Scan(&snap.Seq)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert snapshot %s/%s", snap.BuyerID, snap.DealID)
	}

	if snap.ScoreType == model.ScoreTypeAlignment {
		_, err = tx.Exec(ctx, `
			INSERT INTO scores (buyer_id, deal_id, universe_id, alignment_score, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (buyer_id, deal_id) DO UPDATE SET
				alignment_score = EXCLUDED.alignment_score, updated_at = EXCLUDED.updated_at`,
			snap.BuyerID, snap.DealID, snap.UniverseID, snap.Composite,
		)
	} else {
		_, err = tx.Exec(ctx, `
			INSERT INTO scores (buyer_id, deal_id, universe_id,
				geography_score, size_score, service_score, owner_goals_score, composite_score,
				tier, data_completeness, disqualified, scoring_version, scored_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
			ON CONFLICT (buyer_id, deal_id) DO UPDATE SET
				universe_id = EXCLUDED.universe_id,
				geography_score = EXCLUDED.geography_score,
				size_score = EXCLUDED.size_score,
				service_score = EXCLUDED.service_score,
				owner_goals_score = EXCLUDED.owner_goals_score,
				composite_score = EXCLUDED.composite_score,
				tier = EXCLUDED.tier,
				data_completeness = EXCLUDED.data_completeness,
				disqualified = EXCLUDED.disqualified,
				scoring_version = EXCLUDED.scoring_version,
				scored_at = EXCLUDED.scored_at,
				updated_at = EXCLUDED.updated_at`,
			snap.BuyerID, snap.DealID, snap.UniverseID,
			snap.Factors.Geography, snap.Factors.Size, snap.Factors.Service, snap.Factors.OwnerGoals, snap.Composite,
			string(snap.Tier), string(snap.DataCompleteness), snap.Disqualified, snap.ScoringVersion, snap.ScoredAt,
		)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert score %s/%s", snap.BuyerID, snap.DealID)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit record score")
	}
	return &snap, nil
}

func (s *PostgresStore) GetScore(ctx context.Context, buyerID, dealID string) (*model.Score, error) {
	var sc model.Score
	var tier, completeness string
	var scoredAt *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT buyer_id, deal_id, universe_id,
			geography_score, size_score, service_score, owner_goals_score, composite_score,
			tier, data_completeness, disqualified, alignment_score, scoring_version,
			selected_for_outreach, passed_on_deal, pass_reason, pass_category, interested,
			hidden_from_deal, human_override_score, scored_at, updated_at
		FROM scores WHERE buyer_id = $1 AND deal_id = $2`,
		buyerID, dealID,
	).Scan(&sc.BuyerID, &sc.DealID, &sc.UniverseID,
		&sc.Factors.Geography, &sc.Factors.Size, &sc.Factors.Service, &sc.Factors.OwnerGoals, &sc.Composite,
		&tier, &completeness, &sc.Disqualified, &sc.AlignmentScore, &sc.ScoringVersion,
		&sc.SelectedForOutreach, &sc.PassedOnDeal, &sc.PassReason, &sc.PassCategory, &sc.Interested,
		&sc.HiddenFromDeal, &sc.HumanOverrideScore, &scoredAt, &sc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "score %s/%s", buyerID, dealID)
		}
		return nil, eris.Wrapf(err, "postgres: get score %s/%s", buyerID, dealID)
	}
	sc.Tier = model.Tier(tier)
	sc.DataCompleteness = model.Completeness(completeness)
	if scoredAt != nil {
		sc.ScoredAt = *scoredAt
	}
	return &sc, nil
}

// UpdateDecision writes only the human-decision overlay columns.
func (s *PostgresStore) UpdateDecision(ctx context.Context, buyerID, dealID string, d model.Decision) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scores (buyer_id, deal_id, selected_for_outreach, passed_on_deal, pass_reason,
			pass_category, interested, hidden_from_deal, human_override_score, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (buyer_id, deal_id) DO UPDATE SET
			selected_for_outreach = EXCLUDED.selected_for_outreach,
			passed_on_deal = EXCLUDED.passed_on_deal,
			pass_reason = EXCLUDED.pass_reason,
			pass_category = EXCLUDED.pass_category,
			interested = EXCLUDED.interested,
			hidden_from_deal = EXCLUDED.hidden_from_deal,
			human_override_score = EXCLUDED.human_override_score,
			updated_at = EXCLUDED.updated_at`,
		buyerID, dealID, d.SelectedForOutreach, d.PassedOnDeal, d.PassReason,
		d.PassCategory, d.Interested, d.HiddenFromDeal, d.HumanOverrideScore,
	)
	return eris.Wrapf(err, "postgres: update decision %s/%s", buyerID, dealID)
}

func (s *PostgresStore) GetLatestSnapshot(ctx context.Context, buyerID, dealID string) (*model.ScoreSnapshot, error) {
	snaps, err := s.ListSnapshots(ctx, buyerID, dealID, 1)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "snapshot %s/%s", buyerID, dealID)
	}
	return &snaps[0], nil
}

// ListSnapshots returns the newest snapshots first.
func (s *PostgresStore) ListSnapshots(ctx context.Context, buyerID, dealID string, limit int) ([]model.ScoreSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+snapshotColumns+` FROM score_snapshots
		WHERE buyer_id = $1 AND deal_id = $2
		ORDER BY seq DESC
		LIMIT $3`,
		buyerID, dealID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list snapshots %s/%s", buyerID, dealID)
	}
	defer rows.Close()

	var out []model.ScoreSnapshot
	for rows.Next() {
		var sn model.ScoreSnapshot
		var raw snapshotScan
		if err := rows.Scan(&sn.Seq, &sn.ID, &sn.BuyerID, &sn.DealID, &sn.UniverseID, &raw.scoreType,
			&sn.Factors.Geography, &sn.Factors.Size, &sn.Factors.Service, &sn.Factors.OwnerGoals, &sn.Composite,
			&raw.tier, &sn.Disqualified, &sn.DisqualificationReason, &raw.completeness,
			&raw.weights, &raw.multipliers, &raw.bonuses, &raw.triggerType, &sn.ScoringVersion, &sn.ScoredAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan snapshot")
		}
		if err := raw.apply(&sn); err != nil {
			return nil, err
		}
		out = append(out, sn)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate snapshots")
}

// --- Learning loop ---

func (s *PostgresStore) AppendLearning(ctx context.Context, e model.LearningEntry) (*model.LearningEntry, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cats, ctxJSON, err := marshalLearning(e)
	if err != nil {
		return nil, err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO learning_history (id, buyer_id, deal_id, action_type, rejection_categories,
			rejection_reason, deal_context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.BuyerID, e.DealID, string(e.Action), cats, e.RejectionReason, ctxJSON, e.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: append learning %s/%s", e.BuyerID, e.DealID)
	}
	return &e, nil
}

func (s *PostgresStore) ListLearning(ctx context.Context, dealID string) ([]model.LearningEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, buyer_id, deal_id, action_type, rejection_categories, rejection_reason, deal_context, created_at
		FROM learning_history WHERE deal_id = $1
		ORDER BY created_at, id`,
		dealID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list learning %s", dealID)
	}
	defer rows.Close()

	var out []model.LearningEntry
	for rows.Next() {
		var e model.LearningEntry
		var action string
		var cats, ctxJSON []byte
		if err := rows.Scan(&e.ID, &e.BuyerID, &e.DealID, &action, &cats, &e.RejectionReason, &ctxJSON, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan learning entry")
		}
		e.Action = model.DecisionAction(action)
		if err := unmarshalLearning(&e, cats, ctxJSON); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate learning entries")
}

const adjustmentColumns = `deal_id, geography_weight_mult, size_weight_mult, services_weight_mult,
	approved_count, rejected_count, passed_geography, passed_size, passed_services, last_calculated_at`

func (s *PostgresStore) GetAdjustment(ctx context.Context, dealID string) (*model.ScoringAdjustment, error) {
	var a model.ScoringAdjustment
	err := s.pool.QueryRow(ctx,
		`SELECT `+adjustmentColumns+` FROM scoring_adjustments WHERE deal_id = $1`, dealID,
	).Scan(&a.DealID, &a.Multipliers.Geography, &a.Multipliers.Size, &a.Multipliers.Services,
		&a.ApprovedCount, &a.RejectedCount, &a.PassedGeography, &a.PassedSize, &a.PassedServices, &a.LastCalculatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "adjustment %s", dealID)
		}
		return nil, eris.Wrapf(err, "postgres: get adjustment %s", dealID)
	}
	return &a, nil
}

// EnsureAdjustment returns the deal's adjustment, creating the neutral one
// on first use.
func (s *PostgresStore) EnsureAdjustment(ctx context.Context, dealID string) (*model.ScoringAdjustment, error) {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO scoring_adjustments (deal_id) VALUES ($1) ON CONFLICT (deal_id) DO NOTHING`, dealID,
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: create adjustment %s", dealID)
	}
	return s.GetAdjustment(ctx, dealID)
}

// SaveAdjustment overwrites the deal's adjustment (last write wins).
func (s *PostgresStore) SaveAdjustment(ctx context.Context, a model.ScoringAdjustment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scoring_adjustments (`+adjustmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (deal_id) DO UPDATE SET
			geography_weight_mult = EXCLUDED.geography_weight_mult,
			size_weight_mult = EXCLUDED.size_weight_mult,
			services_weight_mult = EXCLUDED.services_weight_mult,
			approved_count = EXCLUDED.approved_count,
			rejected_count = EXCLUDED.rejected_count,
			passed_geography = EXCLUDED.passed_geography,
			passed_size = EXCLUDED.passed_size,
			passed_services = EXCLUDED.passed_services,
			last_calculated_at = EXCLUDED.last_calculated_at`,
		a.DealID, a.Multipliers.Geography, a.Multipliers.Size, a.Multipliers.Services,
		a.ApprovedCount, a.RejectedCount, a.PassedGeography, a.PassedSize, a.PassedServices, a.LastCalculatedAt,
	)
	return eris.Wrapf(err, "postgres: save adjustment %s", a.DealID)
}
