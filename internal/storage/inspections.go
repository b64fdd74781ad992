package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/keystone/internal/model"
	"github.com/ashita-ai/keystone/scoring"
)

const inspectionColumns = `id, org_id, building_id, health_score, status, inspected_at, created_at, updated_at`

func scanInspection(row pgx.Row) (model.Inspection, error) {
	var in model.Inspection
	err := row.Scan(&in.ID, &in.OrgID, &in.BuildingID, &in.HealthScore, &in.Status,
		&in.InspectedAt, &in.CreatedAt, &in.UpdatedAt)
	return in, err
}

// CreateInspection starts a new audit pass with a perfect score.
func (db *DB) CreateInspection(ctx context.Context, orgID uuid.UUID, buildingID string, inspectedAt time.Time) (model.Inspection, error) {
	now := time.Now().UTC()
	if inspectedAt.IsZero() {
		inspectedAt = now
	}
	in, err := scanInspection(db.pool.QueryRow(ctx,
		`INSERT INTO inspections (id, org_id, building_id, health_score, status, inspected_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 RETURNING `+inspectionColumns,
		uuid.New(), orgID, buildingID, scoring.MaxScore, model.InspectionActive, inspectedAt.UTC(), now,
	))
	if err != nil {
		return model.Inspection{}, fmt.Errorf("storage: create inspection: %w", err)
	}
	return in, nil
}

// GetInspection returns an inspection owned by orgID, or ErrNotFound.
func (db *DB) GetInspection(ctx context.Context, orgID, id uuid.UUID) (model.Inspection, error) {
	in, err := scanInspection(db.pool.QueryRow(ctx,
		`SELECT `+inspectionColumns+` FROM inspections WHERE id = $1 AND org_id = $2`,
		id, orgID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Inspection{}, ErrNotFound
		}
		return model.Inspection{}, fmt.Errorf("storage: get inspection: %w", err)
	}
	return in, nil
}

// CompleteInspection closes an inspection to further ingestion. Completing an
// already completed inspection is a no-op.
func (db *DB) CompleteInspection(ctx context.Context, orgID, id uuid.UUID) (model.Inspection, error) {
	in, err := scanInspection(db.pool.QueryRow(ctx,
		`UPDATE inspections SET status = $3, updated_at = now()
		 WHERE id = $1 AND org_id = $2
		 RETURNING `+inspectionColumns,
		id, orgID, model.InspectionCompleted,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Inspection{}, ErrNotFound
		}
		return model.Inspection{}, fmt.Errorf("storage: complete inspection: %w", err)
	}
	return in, nil
}

// ResetInspectionScore restores the score to the maximum. This is the only
// write that may raise a health score.
func (db *DB) ResetInspectionScore(ctx context.Context, orgID, id uuid.UUID) (model.Inspection, error) {
	in, err := scanInspection(db.pool.QueryRow(ctx,
		`UPDATE inspections SET health_score = $3, updated_at = now()
		 WHERE id = $1 AND org_id = $2
		 RETURNING `+inspectionColumns,
		id, orgID, scoring.MaxScore,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Inspection{}, ErrNotFound
		}
		return model.Inspection{}, fmt.Errorf("storage: reset inspection: %w", err)
	}
	return in, nil
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// applyScoreDelta decrements the score in one statement evaluated by
// Postgres. Concurrent callers serialize on the row lock, so no decrement is
// lost regardless of interleaving. A negative delta is treated as zero.
func applyScoreDelta(ctx context.Context, q querier, orgID, id uuid.UUID, delta int) (int, error) {
	var score int
	err := q.QueryRow(ctx,
		`UPDATE inspections
		 SET health_score = GREATEST($4::int, LEAST($5::int, health_score - GREATEST($3::int, 0))),
		     updated_at = now()
		 WHERE id = $1 AND org_id = $2 AND status = 'active'
		 RETURNING health_score`,
		id, orgID, delta, scoring.MinScore, scoring.MaxScore,
	).Scan(&score)
	if err == nil {
		return score, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("storage: apply score delta: %w", err)
	}

	// No row updated: tell a missing (or foreign) inspection from a closed one.
	var status model.InspectionStatus
	err = q.QueryRow(ctx,
		`SELECT status FROM inspections WHERE id = $1 AND org_id = $2`, id, orgID,
	).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return 0, ErrNotFound
	case err != nil:
		return 0, fmt.Errorf("storage: check inspection status: %w", err)
	default:
		return 0, ErrInspectionClosed
	}
}

