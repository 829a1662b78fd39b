package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/loomreach/loomreach/internal/ledger"
)

// windowSeconds mirrors ledger.Window for use inside SQL.
const windowSeconds = 60

// Snapshot implements ledger.Ledger. A lapsed window reads as zero requests;
// unknown workspaces read as a zero snapshot on the starter tier so that a
// first call needs no prior provisioning.
func (db *DB) Snapshot(ctx context.Context, workspaceID string) (ledger.Snapshot, error) {
	var snap ledger.Snapshot
	err := db.pool.QueryRow(ctx, `
		SELECT tier,
		       CASE
		           WHEN last_call_at IS NULL OR now() - last_call_at > make_interval(secs => $2)
		           THEN 0
		           ELSE requests_in_window
		       END,
		       concurrent_runs,
		       spent_this_period
		FROM workspaces WHERE id = $1`,
		workspaceID, windowSeconds,
	).Scan(&snap.Tier, &snap.RequestsInWindow, &snap.ConcurrentRuns, &snap.SpentThisPeriod)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Snapshot{Tier: "starter"}, nil
		}
		return ledger.Snapshot{}, fmt.Errorf("storage: workspace snapshot: %w", err)
	}
	return snap, nil
}

// Begin implements ledger.Ledger. The limit checks and the increments form
// one conditional upsert, so concurrent calls serialize on the row and each
// observes a distinct post-increment count; a call that would exceed a limit
// updates nothing and reports false.
func (db *DB) Begin(ctx context.Context, workspaceID string, maxRequests, maxConcurrent int) (bool, error) {
	tag, err := db.pool.Exec(ctx, `
		INSERT INTO workspaces (id, tier, requests_in_window, concurrent_runs, spent_this_period, last_call_at)
		VALUES ($1, 'starter', 1, 1, 0, now())
		ON CONFLICT (id) DO UPDATE SET
		    requests_in_window = CASE
		        WHEN workspaces.last_call_at IS NULL
		             OR now() - workspaces.last_call_at > make_interval(secs => $2)
		        THEN 1
		        ELSE workspaces.requests_in_window + 1
		    END,
		    concurrent_runs = workspaces.concurrent_runs + 1,
		    last_call_at = now()
		WHERE ($3 <= 0 OR CASE
		        WHEN workspaces.last_call_at IS NULL
		             OR now() - workspaces.last_call_at > make_interval(secs => $2)
		        THEN 0
		        ELSE workspaces.requests_in_window
		    END < $3)
		  AND ($4 <= 0 OR workspaces.concurrent_runs < $4)`,
		workspaceID, windowSeconds, maxRequests, maxConcurrent,
	)
	if err != nil {
		return false, fmt.Errorf("storage: ledger begin: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// End implements ledger.Ledger. Decrements below zero are clamped.
func (db *DB) End(ctx context.Context, workspaceID string) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE workspaces
		SET concurrent_runs = GREATEST(concurrent_runs - 1, 0)
		WHERE id = $1`,
		workspaceID,
	)
	if err != nil {
		return fmt.Errorf("storage: ledger end: %w", err)
	}
	return nil
}

// AddCost implements ledger.Ledger.
func (db *DB) AddCost(ctx context.Context, workspaceID string, amount float64) error {
	if amount == 0 {
		return nil
	}
	_, err := db.pool.Exec(ctx, `
		INSERT INTO workspaces (id, tier, requests_in_window, concurrent_runs, spent_this_period)
		VALUES ($1, 'starter', 0, 0, $2)
		ON CONFLICT (id) DO UPDATE SET
		    spent_this_period = workspaces.spent_this_period + $2`,
		workspaceID, amount,
	)
	if err != nil {
		return fmt.Errorf("storage: ledger add cost: %w", err)
	}
	return nil
}

// SetTier implements ledger.Ledger.
func (db *DB) SetTier(ctx context.Context, workspaceID, tier string) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO workspaces (id, tier, requests_in_window, concurrent_runs, spent_this_period)
		VALUES ($1, $2, 0, 0, 0)
		ON CONFLICT (id) DO UPDATE SET tier = $2`,
		workspaceID, tier,
	)
	if err != nil {
		return fmt.Errorf("storage: set tier: %w", err)
	}
	return nil
}

// ResetPeriod implements ledger.Ledger. Called by the billing webhook on
// period rollover; never triggered by wall-clock time inside this layer.
func (db *DB) ResetPeriod(ctx context.Context, workspaceID string) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE workspaces SET spent_this_period = 0 WHERE id = $1`,
		workspaceID,
	)
	if err != nil {
		return fmt.Errorf("storage: reset period: %w", err)
	}
	return nil
}
