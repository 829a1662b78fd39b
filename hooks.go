package loomreach

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loomreach/loomreach/internal/invoker"
	"github.com/loomreach/loomreach/internal/ledger"
	"github.com/loomreach/loomreach/internal/model"
	"github.com/loomreach/loomreach/internal/routing"
)

// RunEvent is the public view of a terminal run, delivered to RunHooks.
type RunEvent struct {
	RunID           uuid.UUID
	WorkspaceID     string
	AgentName       string
	Purpose         string
	ModelIdentifier string
	Status          string
	TokensIn        int
	TokensOut       int
	CostEstimate    float64
	DurationMS      int64
	StartedAt       time.Time
	CompletedAt     *time.Time
}

// RunHook observes terminal runs. Implementations must be safe for concurrent
// use; hooks for different runs may fire simultaneously.
type RunHook interface {
	RunCompleted(ctx context.Context, event RunEvent)
}

// runHookAdapter bridges the public RunHook to the internal gateway hook.
type runHookAdapter struct {
	hook RunHook
}

func (a *runHookAdapter) RunCompleted(ctx context.Context, run model.RunRecord) {
	a.hook.RunCompleted(ctx, RunEvent{
		RunID:           run.ID,
		WorkspaceID:     run.WorkspaceID,
		AgentName:       run.AgentName,
		Purpose:         string(run.Purpose),
		ModelIdentifier: run.ModelIdentifier,
		Status:          string(run.Status),
		TokensIn:        run.TokensIn,
		TokensOut:       run.TokensOut,
		CostEstimate:    run.CostEstimate,
		DurationMS:      run.DurationMS,
		StartedAt:       run.StartedAt,
		CompletedAt:     run.CompletedAt,
	})
}

// ModelCall describes one outbound model invocation.
type ModelCall struct {
	Model           string
	Temperature     float64
	MaxOutputTokens int
	System          string
	User            string
}

// ModelResult is the outcome of one model invocation. Failure is empty on
// success; otherwise one of rate_limited, quota_exhausted, transport_error,
// empty_response.
type ModelResult struct {
	Text      string
	TokensIn  int
	TokensOut int
	Failure   string
	Err       error
}

// ModelInvoker replaces the built-in OpenAI-compatible client.
type ModelInvoker interface {
	Invoke(ctx context.Context, call ModelCall) ModelResult
}

// modelInvokerAdapter bridges a public ModelInvoker to the internal interface.
type modelInvokerAdapter struct {
	inv ModelInvoker
}

func (a *modelInvokerAdapter) Invoke(ctx context.Context, route routing.Route, systemText, userText string) invoker.Result {
	res := a.inv.Invoke(ctx, ModelCall{
		Model:           route.ModelIdentifier,
		Temperature:     route.Temperature,
		MaxOutputTokens: route.MaxOutputTokens,
		System:          systemText,
		User:            userText,
	})
	return invoker.Result{
		RawText:   res.Text,
		TokensIn:  res.TokensIn,
		TokensOut: res.TokensOut,
		Failure:   invoker.FailureKind(res.Failure),
		Err:       res.Err,
	}
}

// UsageSnapshot is the public view of one workspace's ledger counters.
type UsageSnapshot struct {
	Tier             string
	RequestsInWindow int
	ConcurrentRuns   int
	SpentThisPeriod  float64
}

// LedgerOverride replaces the Postgres-backed usage ledger. Implementations
// must be safe for concurrent use and must mutate counters atomically per
// workspace. Begin must check the given limits (zero means unlimited) and
// increment the window and concurrency counters in one atomic step,
// returning false with no counter change when a limit would be exceeded.
type LedgerOverride interface {
	Snapshot(ctx context.Context, workspaceID string) (UsageSnapshot, error)
	Begin(ctx context.Context, workspaceID string, maxRequests, maxConcurrent int) (bool, error)
	End(ctx context.Context, workspaceID string) error
	AddCost(ctx context.Context, workspaceID string, amount float64) error
	SetTier(ctx context.Context, workspaceID, tier string) error
	ResetPeriod(ctx context.Context, workspaceID string) error
}

// ledgerAdapter bridges a public LedgerOverride to the internal interface.
type ledgerAdapter struct {
	l LedgerOverride
}

func (a *ledgerAdapter) Snapshot(ctx context.Context, workspaceID string) (ledger.Snapshot, error) {
	s, err := a.l.Snapshot(ctx, workspaceID)
	if err != nil {
		return ledger.Snapshot{}, err
	}
	return ledger.Snapshot{
		Tier:             s.Tier,
		RequestsInWindow: s.RequestsInWindow,
		ConcurrentRuns:   s.ConcurrentRuns,
		SpentThisPeriod:  s.SpentThisPeriod,
	}, nil
}

func (a *ledgerAdapter) Begin(ctx context.Context, workspaceID string, maxRequests, maxConcurrent int) (bool, error) {
	return a.l.Begin(ctx, workspaceID, maxRequests, maxConcurrent)
}

func (a *ledgerAdapter) End(ctx context.Context, workspaceID string) error {
	return a.l.End(ctx, workspaceID)
}

func (a *ledgerAdapter) AddCost(ctx context.Context, workspaceID string, amount float64) error {
	return a.l.AddCost(ctx, workspaceID, amount)
}

func (a *ledgerAdapter) SetTier(ctx context.Context, workspaceID, tier string) error {
	return a.l.SetTier(ctx, workspaceID, tier)
}

func (a *ledgerAdapter) ResetPeriod(ctx context.Context, workspaceID string) error {
	return a.l.ResetPeriod(ctx, workspaceID)
}
