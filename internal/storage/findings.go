package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/keystone/internal/model"
)

var findingCopyColumns = []string{
	"id", "inspection_id", "org_id", "pathology_type", "element_type", "metric_deviation",
	"severity", "normative_reference", "remediation", "description", "created_at",
}

// PersistIngestion writes a batch of findings and applies the batch's folded
// score delta to the owning inspection in one transaction: both commit or
// neither does. The score update runs first so the row lock it takes orders
// concurrent batches for the same inspection.
//
// Every finding must carry orgID and inspectionID. Returns the new score,
// ErrNotFound when the inspection does not exist for orgID, or
// ErrInspectionClosed when it has been completed.
func (db *DB) PersistIngestion(ctx context.Context, orgID, inspectionID uuid.UUID, findings []model.Finding, delta int) (int, error) {
	for i, f := range findings {
		if f.OrgID != orgID || f.InspectionID != inspectionID {
			return 0, fmt.Errorf("storage: persist ingestion: finding %d is not scoped to inspection %s", i, inspectionID)
		}
	}

	var score int
	err := WithRetry(ctx, 3, 20*time.Millisecond, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin ingestion tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		score, err = applyScoreDelta(ctx, tx, orgID, inspectionID, delta)
		if err != nil {
			return err
		}

		if len(findings) == 0 {
			return tx.Commit(ctx)
		}
		rows := make([][]any, len(findings))
		for i, f := range findings {
			rows[i] = []any{
				f.ID, f.InspectionID, f.OrgID, string(f.PathologyType), string(f.ElementType), f.MetricDeviation,
				string(f.Severity), f.NormativeReference, f.Remediation, f.Description, f.CreatedAt,
			}
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"findings"}, findingCopyColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("storage: copy findings: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit ingestion tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return score, nil
}

const findingColumns = `id, inspection_id, org_id, pathology_type, element_type, metric_deviation,
	severity, normative_reference, remediation, description, created_at`

func scanFinding(row pgx.CollectableRow) (model.Finding, error) {
	var f model.Finding
	err := row.Scan(
		&f.ID, &f.InspectionID, &f.OrgID, &f.PathologyType, &f.ElementType, &f.MetricDeviation,
		&f.Severity, &f.NormativeReference, &f.Remediation, &f.Description, &f.CreatedAt,
	)
	return f, err
}

// ListFindings returns an inspection's findings, newest first.
func (db *DB) ListFindings(ctx context.Context, orgID, inspectionID uuid.UUID, limit, offset int) ([]model.Finding, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+findingColumns+`
		 FROM findings
		 WHERE org_id = $1 AND inspection_id = $2
		 ORDER BY seq DESC
		 LIMIT $3 OFFSET $4`,
		orgID, inspectionID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list findings: %w", err)
	}
	findings, err := pgx.CollectRows(rows, scanFinding)
	if err != nil {
		return nil, fmt.Errorf("storage: scan findings: %w", err)
	}
	if findings == nil {
		findings = []model.Finding{}
	}
	return findings, nil
}

// GetInspectionView returns the authoritative inspection state plus its most
// recent findings, read from one snapshot.
func (db *DB) GetInspectionView(ctx context.Context, orgID, id uuid.UUID, recent int) (model.InspectionView, error) {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return model.InspectionView{}, fmt.Errorf("storage: begin view tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	view := model.InspectionView{}
	view.Inspection, err = scanInspection(tx.QueryRow(ctx,
		`SELECT `+inspectionColumns+` FROM inspections WHERE id = $1 AND org_id = $2`, id, orgID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.InspectionView{}, ErrNotFound
		}
		return model.InspectionView{}, fmt.Errorf("storage: get inspection view: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT `+findingColumns+`
		 FROM findings
		 WHERE org_id = $1 AND inspection_id = $2
		 ORDER BY seq DESC
		 LIMIT $3`,
		orgID, id, recent,
	)
	if err != nil {
		return model.InspectionView{}, fmt.Errorf("storage: list view findings: %w", err)
	}
	view.Findings, err = pgx.CollectRows(rows, scanFinding)
	if err != nil {
		return model.InspectionView{}, fmt.Errorf("storage: scan view findings: %w", err)
	}
	if view.Findings == nil {
		view.Findings = []model.Finding{}
	}
	return view, nil
}
