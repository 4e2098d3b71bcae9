package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/buyer-fit/internal/model"
)

func (s *SQLiteStore) RecordScore(ctx context.Context, snap model.ScoreSnapshot) (*model.ScoreSnapshot, error) {
	snap = prepareSnapshot(snap)
	payloads, err := marshalSnapshotPayloads(snap)
	if err != nil {
		return nil, err
	}
	scoredAt := snap.ScoredAt.UTC().UnixNano()
	now := nowNanos()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin record score")
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO score_snapshots (id, buyer_id, deal_id, universe_id, score_type,
			geography_score, size_score, service_score, owner_goals_score, composite_score,
			tier, disqualified, disqualification_reason, data_completeness,
			weights_used, multipliers_applied, bonuses_applied, trigger_type, scoring_version, scored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq`,
		snap.ID, snap.BuyerID, snap.DealID, snap.UniverseID, string(snap.ScoreType),
		snap.Factors.Geography, snap.Factors.Size, snap.Factors.Service, snap.Factors.OwnerGoals, snap.Composite,
		string(snap.Tier), snap.Disqualified, snap.DisqualificationReason, string(snap.DataCompleteness),
		string(payloads.weights), string(payloads.multipliers), string(payloads.bonuses),
		string(snap.TriggerType), snap.ScoringVersion, scoredAt,
	).Scan(&snap.Seq)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert snapshot %s/%s", snap.BuyerID, snap.DealID)
	}

	if snap.ScoreType == model.ScoreTypeAlignment {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO scores (buyer_id, deal_id, universe_id, alignment_score, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (buyer_id, deal_id) DO UPDATE SET
				alignment_score = excluded.alignment_score, updated_at = excluded.updated_at`,
			snap.BuyerID, snap.DealID, snap.UniverseID, snap.Composite, now,
		)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO scores (buyer_id, deal_id, universe_id,
				geography_score, size_score, service_score, owner_goals_score, composite_score,
				tier, data_completeness, disqualified, scoring_version, scored_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (buyer_id, deal_id) DO UPDATE SET
				universe_id = excluded.universe_id,
				geography_score = excluded.geography_score,
				size_score = excluded.size_score,
				service_score = excluded.service_score,
				owner_goals_score = excluded.owner_goals_score,
				composite_score = excluded.composite_score,
				tier = excluded.tier,
				data_completeness = excluded.data_completeness,
				disqualified = excluded.disqualified,
				scoring_version = excluded.scoring_version,
				scored_at = excluded.scored_at,
				updated_at = excluded.updated_at`,
			snap.BuyerID, snap.DealID, snap.UniverseID,
			snap.Factors.Geography, snap.Factors.Size, snap.Factors.Service, snap.Factors.OwnerGoals, snap.Composite,
			string(snap.Tier), string(snap.DataCompleteness), snap.Disqualified, snap.ScoringVersion, scoredAt, now,
		)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert score %s/%s", snap.BuyerID, snap.DealID)
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit record score")
	}
	return &snap, nil
}

func (s *SQLiteStore) GetScore(ctx context.Context, buyerID, dealID string) (*model.Score, error) {
	var sc model.Score
	var tier, completeness string
	var alignment, override sql.NullFloat64
	var interested sql.NullBool
	var scoredAt sql.NullInt64
	var updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT buyer_id, deal_id, universe_id,
			geography_score, size_score, service_score, owner_goals_score, composite_score,
			tier, data_completeness, disqualified, alignment_score, scoring_version,
			selected_for_outreach, passed_on_deal, pass_reason, pass_category, interested,
			hidden_from_deal, human_override_score, scored_at, updated_at
		FROM scores WHERE buyer_id = ? AND deal_id = ?`,
		buyerID, dealID,
	).Scan(&sc.BuyerID, &sc.DealID, &sc.UniverseID,
		&sc.Factors.Geography, &sc.Factors.Size, &sc.Factors.Service, &sc.Factors.OwnerGoals, &sc.Composite,
		&tier, &completeness, &sc.Disqualified, &alignment, &sc.ScoringVersion,
		&sc.SelectedForOutreach, &sc.PassedOnDeal, &sc.PassReason, &sc.PassCategory, &interested,
		&sc.HiddenFromDeal, &override, &scoredAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "score %s/%s", buyerID, dealID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get score %s/%s", buyerID, dealID)
	}
	sc.Tier = model.Tier(tier)
	sc.DataCompleteness = model.Completeness(completeness)
	if alignment.Valid {
		sc.AlignmentScore = model.Float64Ptr(alignment.Float64)
	}
	if override.Valid {
		sc.HumanOverrideScore = model.Float64Ptr(override.Float64)
	}
	if interested.Valid {
		v := interested.Bool
		sc.Interested = &v
	}
	if t := fromNullNanos(scoredAt); t != nil {
		sc.ScoredAt = *t
	}
	sc.UpdatedAt = fromNanos(updated)
	return &sc, nil
}

func (s *SQLiteStore) UpdateDecision(ctx context.Context, buyerID, dealID string, d model.Decision) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scores (buyer_id, deal_id, selected_for_outreach, passed_on_deal, pass_reason,
			pass_category, interested, hidden_from_deal, human_override_score, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (buyer_id, deal_id) DO UPDATE SET
			selected_for_outreach = excluded.selected_for_outreach,
			passed_on_deal = excluded.passed_on_deal,
			pass_reason = excluded.pass_reason,
			pass_category = excluded.pass_category,
			interested = excluded.interested,
			hidden_from_deal = excluded.hidden_from_deal,
			human_override_score = excluded.human_override_score,
			updated_at = excluded.updated_at`,
		buyerID, dealID, d.SelectedForOutreach, d.PassedOnDeal, d.PassReason,
		d.PassCategory, d.Interested, d.HiddenFromDeal, d.HumanOverrideScore, nowNanos(),
	)
	return eris.Wrapf(err, "sqlite: update decision %s/%s", buyerID, dealID)
}

func (s *SQLiteStore) GetLatestSnapshot(ctx context.Context, buyerID, dealID string) (*model.ScoreSnapshot, error) {
	snaps, err := s.ListSnapshots(ctx, buyerID, dealID, 1)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "snapshot %s/%s", buyerID, dealID)
	}
	return &snaps[0], nil
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context, buyerID, dealID string, limit int) ([]model.ScoreSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+snapshotColumns+` FROM score_snapshots
		WHERE buyer_id = ? AND deal_id = ?
		ORDER BY seq DESC
		LIMIT ?`,
		buyerID, dealID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list snapshots %s/%s", buyerID, dealID)
	}
	defer rows.Close()

	var out []model.ScoreSnapshot
	for rows.Next() {
		var sn model.ScoreSnapshot
		var raw snapshotScan
		var scoredAt int64
		if err := rows.Scan(&sn.Seq, &sn.ID, &sn.BuyerID, &sn.DealID, &sn.UniverseID, &raw.scoreType,
			&sn.Factors.Geography, &sn.Factors.Size, &sn.Factors.Service, &sn.Factors.OwnerGoals, &sn.Composite,
			&raw.tier, &sn.Disqualified, &sn.DisqualificationReason, &raw.completeness,
			&raw.weights, &raw.multipliers, &raw.bonuses, &raw.triggerType, &sn.ScoringVersion, &scoredAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan snapshot")
		}
		sn.ScoredAt = fromNanos(scoredAt)
		if err := raw.apply(&sn); err != nil {
			return nil, err
		}
		out = append(out, sn)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate snapshots")
}

// --- Learning loop ---

func (s *SQLiteStore) AppendLearning(ctx context.Context, e model.LearningEntry) (*model.LearningEntry, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = fromNanos(nowNanos())
	}
	cats, dealCtx, err := marshalLearning(e)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO learning_history (id, buyer_id, deal_id, action_type, rejection_categories,
			rejection_reason, deal_context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.BuyerID, e.DealID, string(e.Action), string(cats), e.RejectionReason, string(dealCtx),
		e.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: append learning %s/%s", e.BuyerID, e.DealID)
	}
	return &e, nil
}

func (s *SQLiteStore) ListLearning(ctx context.Context, dealID string) ([]model.LearningEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, buyer_id, deal_id, action_type, rejection_categories, rejection_reason, deal_context, created_at
		FROM learning_history WHERE deal_id = ?
		ORDER BY created_at, id`,
		dealID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list learning %s", dealID)
	}
	defer rows.Close()

	var out []model.LearningEntry
	for rows.Next() {
		var e model.LearningEntry
		var action, cats, dealCtx string
		var created int64
		if err := rows.Scan(&e.ID, &e.BuyerID, &e.DealID, &action, &cats, &e.RejectionReason, &dealCtx, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan learning entry")
		}
		e.Action = model.DecisionAction(action)
		e.CreatedAt = fromNanos(created)
		if err := unmarshalLearning(&e, []byte(cats), []byte(dealCtx)); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate learning entries")
}

func (s *SQLiteStore) GetAdjustment(ctx context.Context, dealID string) (*model.ScoringAdjustment, error) {
	var a model.ScoringAdjustment
	var calculated sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT `+adjustmentColumns+` FROM scoring_adjustments WHERE deal_id = ?`, dealID,
	).Scan(&a.DealID, &a.Multipliers.Geography, &a.Multipliers.Size, &a.Multipliers.Services,
		&a.ApprovedCount, &a.RejectedCount, &a.PassedGeography, &a.PassedSize, &a.PassedServices, &calculated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "adjustment %s", dealID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get adjustment %s", dealID)
	}
	a.LastCalculatedAt = fromNullNanos(calculated)
	return &a, nil
}

func (s *SQLiteStore) EnsureAdjustment(ctx context.Context, dealID string) (*model.ScoringAdjustment, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO scoring_adjustments (deal_id) VALUES (?)`, dealID,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: create adjustment %s", dealID)
	}
	return s.GetAdjustment(ctx, dealID)
}

func (s *SQLiteStore) SaveAdjustment(ctx context.Context, a model.ScoringAdjustment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scoring_adjustments (`+adjustmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (deal_id) DO UPDATE SET
			geography_weight_mult = excluded.geography_weight_mult,
			size_weight_mult = excluded.size_weight_mult,
			services_weight_mult = excluded.services_weight_mult,
			approved_count = excluded.approved_count,
			rejected_count = excluded.rejected_count,
			passed_geography = excluded.passed_geography,
			passed_size = excluded.passed_size,
			passed_services = excluded.passed_services,
			last_calculated_at = excluded.last_calculated_at`,
		a.DealID, a.Multipliers.Geography, a.Multipliers.Size, a.Multipliers.Services,
		a.ApprovedCount, a.RejectedCount, a.PassedGeography, a.PassedSize, a.PassedServices,
		nullNanos(a.LastCalculatedAt),
	)
	return eris.Wrapf(err, "sqlite: save adjustment %s", a.DealID)
}
