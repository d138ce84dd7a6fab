package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/c360studio/aires/batch"
)

// SaveFindingTx persists a stage finding inside an existing transaction.
// The (batch_id, stage) primary key makes redelivered stage messages
// idempotent: a duplicate insert is silently skipped and reported.
func (s *Store) SaveFindingTx(ctx context.Context, tx *sqlx.Tx, f *batch.Finding) (inserted bool, err error) {
	detailsJSON, err := json.Marshal(f.Details)
	if err != nil {
		return false, fmt.Errorf("marshal finding details: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO findings
			(batch_id, stage, produced_at, confidence, summary, details_json, raw_response, model)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (batch_id, stage) DO NOTHING`,
		f.BatchID, f.Stage, f.ProducedAt, f.Confidence, f.Summary, detailsJSON, f.RawModelResponse, f.Model)
	if err != nil {
		return false, fmt.Errorf("save finding %s/%s: %w", f.BatchID, f.Stage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// GetFinding loads one finding, or nil when absent.
func (s *Store) GetFinding(ctx context.Context, batchID string, stage batch.Stage) (*batch.Finding, error) {
	findings, err := s.findings(ctx,
		`SELECT * FROM findings WHERE batch_id = ? AND stage = ?`, batchID, stage)
	if err != nil {
		return nil, err
	}
	if len(findings) == 0 {
		return nil, nil
	}
	return &findings[0], nil
}

// GetFindings returns all findings for a batch in stage order.
func (s *Store) GetFindings(ctx context.Context, batchID string) ([]batch.Finding, error) {
	all, err := s.findings(ctx,
		`SELECT * FROM findings WHERE batch_id = ?`, batchID)
	if err != nil {
		return nil, err
	}

	// Stable stage order regardless of insert order.
	ordered := make([]batch.Finding, 0, len(all))
	for _, stage := range batch.Stages() {
		for i := range all {
			if all[i].Stage == stage {
				ordered = append(ordered, all[i])
			}
		}
	}
	return ordered, nil
}

// PriorFindings returns the findings for stages strictly before the given
// stage, in stage order. Stage workers feed these into prompt composition.
func (s *Store) PriorFindings(ctx context.Context, batchID string, before batch.Stage) ([]batch.Finding, error) {
	all, err := s.GetFindings(ctx, batchID)
	if err != nil {
		return nil, err
	}
	prior := make([]batch.Finding, 0, len(all))
	for _, f := range all {
		if f.Stage.Index() < before.Index() {
			prior = append(prior, f)
		}
	}
	return prior, nil
}

type findingRow struct {
	BatchID     string         `db:"batch_id"`
	Stage       string         `db:"stage"`
	ProducedAt  time.Time      `db:"produced_at"`
	Confidence  float64        `db:"confidence"`
	Summary     string         `db:"summary"`
	DetailsJSON []byte         `db:"details_json"`
	RawResponse sql.NullString `db:"raw_response"`
	Model       string         `db:"model"`
}

func (s *Store) findings(ctx context.Context, query string, args ...any) ([]batch.Finding, error) {
	var rows []findingRow
	err := s.db.SelectContext(ctx, &rows, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query findings: %w", err)
	}

	findings := make([]batch.Finding, 0, len(rows))
	for _, row := range rows {
		stage, err := batch.ParseStage(row.Stage)
		if err != nil {
			return nil, fmt.Errorf("finding for batch %s: %w", row.BatchID, err)
		}
		var details map[string]any
		if len(row.DetailsJSON) > 0 {
			if err := json.Unmarshal(row.DetailsJSON, &details); err != nil {
				return nil, fmt.Errorf("unmarshal finding details %s/%s: %w", row.BatchID, row.Stage, err)
			}
		}
		findings = append(findings, batch.Finding{
			Stage:            stage,
			BatchID:          row.BatchID,
			ProducedAt:       row.ProducedAt,
			Confidence:       row.Confidence,
			Summary:          row.Summary,
			Details:          details,
			RawModelResponse: row.RawResponse.String,
			Model:            row.Model,
		})
	}
	return findings, nil
}
