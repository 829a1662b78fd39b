// Package quota maps subscription tiers to limits and decides whether a
// workspace may start a new run.
package quota

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/loomreach/loomreach/internal/ledger"
)

// Limits defines a tier's ceilings. A zero value means unlimited.
type Limits struct {
	RequestsPerMinute int
	MaxConcurrent     int
	MonthlyBudget     float64
}

// tierLimits is the static tier table. Unknown tier labels use starter
// limits: the safe default for a workspace whose billing state is unclear.
var tierLimits = map[string]Limits{
	"starter":    {RequestsPerMinute: 30, MaxConcurrent: 5, MonthlyBudget: 25},
	"growth":     {RequestsPerMinute: 120, MaxConcurrent: 20, MonthlyBudget: 250},
	"scale":      {RequestsPerMinute: 600, MaxConcurrent: 50, MonthlyBudget: 2000},
	"enterprise": {},
}

// LimitsForTier returns the limits for a tier label.
func LimitsForTier(tier string) Limits {
	if l, ok := tierLimits[tier]; ok {
		return l
	}
	return tierLimits["starter"]
}

// KnownTier reports whether the label names a defined tier.
func KnownTier(tier string) bool {
	_, ok := tierLimits[tier]
	return ok
}

// Decision is the admission outcome. Reason is set only on denial and names
// the first failing check; checks are never combined into one message.
type Decision struct {
	Allowed  bool
	Reason   string
	Degraded bool
}

var quotaMeter = otel.GetMeterProvider().Meter("loomreach/quota")

// Policy evaluates ledger snapshots against tier limits.
type Policy struct {
	ledger ledger.Ledger
	logger *slog.Logger
}

// NewPolicy creates a policy over the given ledger.
func NewPolicy(l ledger.Ledger, logger *slog.Logger) *Policy {
	return &Policy{ledger: l, logger: logger}
}

// Admit decides whether a workspace may start a run. Checks run in order:
// rolling-window request count, concurrent runs, period spend. An allowed
// decision has already reserved the workspace's window and concurrency
// slots through an atomic increment-and-check in the ledger, never through
// a read followed by a separate write, so two racing admissions cannot both
// see the pre-increment counts and overshoot a cap.
//
// On a ledger error the policy fails open: availability of the product
// takes precedence over precise quota enforcement, so admission is granted,
// the error is logged, and a degraded-admission counter is incremented.
//
// After an allowed decision the caller must call End and AddCost exactly
// once each when the call completes, regardless of outcome. Denials leave
// the counters untouched.
func (p *Policy) Admit(ctx context.Context, workspaceID string) (Decision, error) {
	snap, err := p.ledger.Snapshot(ctx, workspaceID)
	if err != nil {
		return p.failOpen(ctx, workspaceID, err), nil
	}

	limits := LimitsForTier(snap.Tier)

	// The snapshot gives the denial reason and the budget check; the
	// reservation below re-checks window and concurrency atomically.
	if limits.RequestsPerMinute > 0 && snap.RequestsInWindow >= limits.RequestsPerMinute {
		return Decision{Reason: fmt.Sprintf("rate limit exceeded: %d requests this minute (limit %d)",
			snap.RequestsInWindow, limits.RequestsPerMinute)}, nil
	}
	if limits.MaxConcurrent > 0 && snap.ConcurrentRuns >= limits.MaxConcurrent {
		return Decision{Reason: fmt.Sprintf("concurrency limit exceeded: %d runs in flight (limit %d)",
			snap.ConcurrentRuns, limits.MaxConcurrent)}, nil
	}
	if limits.MonthlyBudget > 0 && snap.SpentThisPeriod >= limits.MonthlyBudget {
		return Decision{Reason: fmt.Sprintf("monthly budget exhausted: $%.2f spent (budget $%.2f)",
			snap.SpentThisPeriod, limits.MonthlyBudget)}, nil
	}

	ok, err := p.ledger.Begin(ctx, workspaceID, limits.RequestsPerMinute, limits.MaxConcurrent)
	if err != nil {
		return p.failOpen(ctx, workspaceID, err), nil
	}
	if !ok {
		// A racing admission took the last slot between the snapshot and
		// the reservation. Re-read to name the check that tripped.
		return p.denialAfterLostRace(ctx, workspaceID, limits), nil
	}

	return Decision{Allowed: true}, nil
}

func (p *Policy) failOpen(ctx context.Context, workspaceID string, err error) Decision {
	p.logger.Error("quota: ledger unavailable, admitting fail-open",
		"workspace_id", workspaceID, "error", err)
	if counter, cerr := quotaMeter.Int64Counter("quota.admission.degraded"); cerr == nil {
		counter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("workspace_id", workspaceID)))
	}
	return Decision{Allowed: true, Degraded: true}
}

func (p *Policy) denialAfterLostRace(ctx context.Context, workspaceID string, limits Limits) Decision {
	snap, err := p.ledger.Snapshot(ctx, workspaceID)
	if err == nil {
		if limits.RequestsPerMinute > 0 && snap.RequestsInWindow >= limits.RequestsPerMinute {
			return Decision{Reason: fmt.Sprintf("rate limit exceeded: %d requests this minute (limit %d)",
				snap.RequestsInWindow, limits.RequestsPerMinute)}
		}
		if limits.MaxConcurrent > 0 && snap.ConcurrentRuns >= limits.MaxConcurrent {
			return Decision{Reason: fmt.Sprintf("concurrency limit exceeded: %d runs in flight (limit %d)",
				snap.ConcurrentRuns, limits.MaxConcurrent)}
		}
	}
	return Decision{Reason: "rate limit exceeded: workspace at capacity"}
}
