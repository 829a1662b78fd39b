// Package ledger tracks per-workspace usage counters: requests in the
// current rolling window, concurrently running requests, and cumulative
// spend in the current billing period.
//
// The production implementation is Postgres-backed (internal/storage); the
// in-memory implementation here serves development and tests. The Ledger
// interface is the contract: implementations must be safe for concurrent
// use and must mutate counters atomically per workspace, never via
// read-modify-write across two round-trips.
package ledger

import (
	"context"
	"time"
)

// Window is the rolling request-count window. The window counter resets when
// the time since the last recorded call exceeds this duration.
const Window = 60 * time.Second

// Snapshot is a point-in-time read of one workspace's counters.
type Snapshot struct {
	Tier             string
	RequestsInWindow int
	ConcurrentRuns   int
	SpentThisPeriod  float64
}

// Ledger is the usage-counter store. A read or write error signals a
// degraded ledger; admission logic treats degraded as allow (fail-open) and
// emits an observability signal rather than silently denying.
type Ledger interface {
	// Snapshot reads the workspace's current counters. Unknown workspaces
	// return a zero snapshot on the starter tier.
	Snapshot(ctx context.Context, workspaceID string) (Snapshot, error)

	// Begin reserves a call slot: if the rolling-window count and the
	// concurrency count are both under the given limits, it increments
	// both counters (resetting the window first if it has lapsed) and
	// returns true. The check and the increments are one atomic step, so
	// two concurrent Begins can never both observe the pre-increment
	// counts. A zero limit is unlimited. On false, no counter changed.
	Begin(ctx context.Context, workspaceID string, maxRequests, maxConcurrent int) (bool, error)

	// End records call completion: decrements the concurrency counter,
	// clamped at zero.
	End(ctx context.Context, workspaceID string) error

	// AddCost adds an estimated cost to the workspace's period spend.
	AddCost(ctx context.Context, workspaceID string, amount float64) error

	// SetTier assigns the workspace's subscription tier, creating the
	// workspace entry if needed.
	SetTier(ctx context.Context, workspaceID, tier string) error

	// ResetPeriod zeroes the workspace's period spend. Billing-period
	// rollover is an explicit external event (a billing webhook), never
	// inferred from wall-clock time inside the ledger.
	ResetPeriod(ctx context.Context, workspaceID string) error
}
