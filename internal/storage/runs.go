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

// ErrRunNotFound is returned when a run record does not exist.
var ErrRunNotFound = errors.New("run not found")

// CreateRun inserts a run record in pending state at admission time.
func (db *DB) CreateRun(ctx context.Context, run model.RunRecord) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO run_records
		    (id, workspace_id, actor_id, agent_name, purpose, model_identifier,
		     input_fingerprint, status, tokens_in, tokens_out, cost_estimate,
		     duration_ms, output, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		run.ID, run.WorkspaceID, run.ActorID, run.AgentName, string(run.Purpose),
		run.ModelIdentifier, run.InputFingerprint, string(run.Status),
		run.TokensIn, run.TokensOut, run.CostEstimate, run.DurationMS,
		marshalOutput(run.Output), run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create run: %w", err)
	}
	return nil
}

// CompleteRun writes the terminal state of a run. It upserts so that a
// spooled record whose pending insert was lost still lands, while the
// status guard keeps the pending → terminal transition one-way: a run that
// already reached a terminal status is never revisited.
func (db *DB) CompleteRun(ctx context.Context, run model.RunRecord) error {
	if !run.Status.Terminal() {
		return fmt.Errorf("storage: complete run %s: status %q is not terminal", run.ID, run.Status)
	}
	_, err := db.pool.Exec(ctx, `
		INSERT INTO run_records
		    (id, workspace_id, actor_id, agent_name, purpose, model_identifier,
		     input_fingerprint, status, tokens_in, tokens_out, cost_estimate,
		     duration_ms, output, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
		    status = EXCLUDED.status,
		    tokens_in = EXCLUDED.tokens_in,
		    tokens_out = EXCLUDED.tokens_out,
		    cost_estimate = EXCLUDED.cost_estimate,
		    duration_ms = EXCLUDED.duration_ms,
		    output = EXCLUDED.output,
		    completed_at = EXCLUDED.completed_at
		WHERE run_records.status = 'pending'`,
		run.ID, run.WorkspaceID, run.ActorID, run.AgentName, string(run.Purpose),
		run.ModelIdentifier, run.InputFingerprint, string(run.Status),
		run.TokensIn, run.TokensOut, run.CostEstimate, run.DurationMS,
		marshalOutput(run.Output), run.StartedAt, run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: complete run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID, scoped to a workspace.
func (db *DB) GetRun(ctx context.Context, workspaceID string, id uuid.UUID) (model.RunRecord, error) {
	var run model.RunRecord
	var output []byte
	err := db.pool.QueryRow(ctx, `
		SELECT id, workspace_id, actor_id, agent_name, purpose, model_identifier,
		       input_fingerprint, status, tokens_in, tokens_out, cost_estimate,
		       duration_ms, output, started_at, completed_at
		FROM run_records WHERE id = $1 AND workspace_id = $2`,
		id, workspaceID,
	).Scan(
		&run.ID, &run.WorkspaceID, &run.ActorID, &run.AgentName, &run.Purpose,
		&run.ModelIdentifier, &run.InputFingerprint, &run.Status,
		&run.TokensIn, &run.TokensOut, &run.CostEstimate, &run.DurationMS,
		&output, &run.StartedAt, &run.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RunRecord{}, fmt.Errorf("storage: %w: %s", ErrRunNotFound, id)
		}
		return model.RunRecord{}, fmt.Errorf("storage: get run: %w", err)
	}

	if len(output) > 0 {
		var art model.Artifact
		if err := json.Unmarshal(output, &art); err != nil {
			return model.RunRecord{}, fmt.Errorf("storage: decode run output: %w", err)
		}
		run.Output = &art
	}
	return run, nil
}

// ListRunsByWorkspace returns recent runs for a workspace, newest first.
func (db *DB) ListRunsByWorkspace(ctx context.Context, workspaceID string, limit int) ([]model.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx, `
		SELECT id, workspace_id, actor_id, agent_name, purpose, model_identifier,
		       input_fingerprint, status, tokens_in, tokens_out, cost_estimate,
		       duration_ms, started_at, completed_at
		FROM run_records WHERE workspace_id = $1
		ORDER BY started_at DESC
		LIMIT $2`,
		workspaceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.RunRecord
	for rows.Next() {
		var run model.RunRecord
		if err := rows.Scan(
			&run.ID, &run.WorkspaceID, &run.ActorID, &run.AgentName, &run.Purpose,
			&run.ModelIdentifier, &run.InputFingerprint, &run.Status,
			&run.TokensIn, &run.TokensOut, &run.CostEstimate, &run.DurationMS,
			&run.StartedAt, &run.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func marshalOutput(art *model.Artifact) []byte {
	if art == nil {
		return nil
	}
	b, err := json.Marshal(art)
	if err != nil {
		return nil
	}
	return b
}
