package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loomreach/loomreach/internal/model"
)

// ErrEvidenceNotFound is returned when a run has no evidence bundle.
var ErrEvidenceNotFound = errors.New("evidence bundle not found")

// ReplaceEvidence upserts the evidence bundle for a run. One bundle exists
// per run; re-recording replaces it, so the recorder is safe to run any
// number of times.
func (db *DB) ReplaceEvidence(ctx context.Context, bundle model.EvidenceBundle) error {
	metrics, err := json.Marshal(bundle.KeyMetrics)
	if err != nil {
		return fmt.Errorf("storage: marshal key metrics: %w", err)
	}
	trace, err := json.Marshal(bundle.ReasoningTrace)
	if err != nil {
		return fmt.Errorf("storage: marshal reasoning trace: %w", err)
	}

	_, err = db.pool.Exec(ctx, `
		INSERT INTO evidence_bundles
		    (id, run_id, workspace_id, key_metrics, confidence, reasoning_trace, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id) DO UPDATE SET
		    key_metrics = EXCLUDED.key_metrics,
		    confidence = EXCLUDED.confidence,
		    reasoning_trace = EXCLUDED.reasoning_trace,
		    created_at = EXCLUDED.created_at`,
		bundle.ID, bundle.RunID, bundle.WorkspaceID, metrics,
		string(bundle.Confidence), trace, bundle.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: replace evidence: %w", err)
	}
	return nil
}

// GetEvidenceByRun retrieves the evidence bundle for a run, scoped to a
// workspace.
func (db *DB) GetEvidenceByRun(ctx context.Context, workspaceID string, runID uuid.UUID) (model.EvidenceBundle, error) {
	var bundle model.EvidenceBundle
	var metrics, trace []byte
	err := db.pool.QueryRow(ctx, `
		SELECT id, run_id, workspace_id, key_metrics, confidence, reasoning_trace, created_at
		FROM evidence_bundles WHERE run_id = $1 AND workspace_id = $2`,
		runID, workspaceID,
	).Scan(&bundle.ID, &bundle.RunID, &bundle.WorkspaceID, &metrics, &bundle.Confidence, &trace, &bundle.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.EvidenceBundle{}, fmt.Errorf("storage: %w: run %s", ErrEvidenceNotFound, runID)
		}
		return model.EvidenceBundle{}, fmt.Errorf("storage: get evidence: %w", err)
	}

	if err := json.Unmarshal(metrics, &bundle.KeyMetrics); err != nil {
		return model.EvidenceBundle{}, fmt.Errorf("storage: decode key metrics: %w", err)
	}
	if err := json.Unmarshal(trace, &bundle.ReasoningTrace); err != nil {
		return model.EvidenceBundle{}, fmt.Errorf("storage: decode reasoning trace: %w", err)
	}
	return bundle, nil
}
