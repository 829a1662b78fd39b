// Package gateway implements the request lifecycle controller around the
// external model: admission control, the call-and-validate loop with bounded
// repair retries, fallback construction, ledger reconciliation, and
// persistence of the outcome.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/loomreach/loomreach/internal/artifact"
	"github.com/loomreach/loomreach/internal/evidence"
	"github.com/loomreach/loomreach/internal/invoker"
	"github.com/loomreach/loomreach/internal/ledger"
	"github.com/loomreach/loomreach/internal/model"
	"github.com/loomreach/loomreach/internal/pricing"
	"github.com/loomreach/loomreach/internal/quota"
	"github.com/loomreach/loomreach/internal/routing"
)

// maxAttempts bounds the call-and-validate loop: one initial call plus one
// repair retry.
const maxAttempts = 2

// StatusQuotaExceeded is the response status for denied admissions. It is
// distinct from the run statuses so the caller can present "upgrade your
// plan" rather than "try again later".
const StatusQuotaExceeded = "quota_exceeded"

// ErrInvalidRequest wraps client errors: missing required request fields.
// These are rejected before admission and never touch the ledger.
var ErrInvalidRequest = errors.New("invalid run request")

// Store persists run records and evidence bundles. Persistence is
// best-effort relative to response delivery: a store failure never prevents
// the caller from receiving their artifact.
type Store interface {
	CreateRun(ctx context.Context, run model.RunRecord) error
	CompleteRun(ctx context.Context, run model.RunRecord) error
	ReplaceEvidence(ctx context.Context, bundle model.EvidenceBundle) error
}

// Spooler buffers records that failed to persist, for later drain.
type Spooler interface {
	EnqueueRun(run model.RunRecord) error
	EnqueueEvidence(bundle model.EvidenceBundle) error
}

// RunHook observes terminal runs. Hooks fire asynchronously after the
// response is formed; a slow hook never delays the caller.
type RunHook interface {
	RunCompleted(ctx context.Context, run model.RunRecord)
}

var gatewayMeter = otel.GetMeterProvider().Meter("loomreach/gateway")

// Gateway coordinates the five leaf collaborators for one run at a time.
// All dependencies are injected; the routing table and price table are
// immutable after construction.
type Gateway struct {
	routes    *routing.Table
	policy    *quota.Policy
	ledger    ledger.Ledger
	invoker   invoker.Invoker
	estimator *pricing.Estimator
	store     Store
	spool     Spooler
	hooks     []RunHook
	logger    *slog.Logger
}

// Deps holds the gateway's collaborators. Store, Spool, and Hooks are
// optional (nil-safe); everything else is required.
type Deps struct {
	Routes    *routing.Table
	Policy    *quota.Policy
	Ledger    ledger.Ledger
	Invoker   invoker.Invoker
	Estimator *pricing.Estimator
	Store     Store
	Spool     Spooler
	Hooks     []RunHook
	Logger    *slog.Logger
}

// New creates a gateway.
func New(d Deps) *Gateway {
	return &Gateway{
		routes:    d.Routes,
		policy:    d.Policy,
		ledger:    d.Ledger,
		invoker:   d.Invoker,
		estimator: d.Estimator,
		store:     d.Store,
		spool:     d.Spool,
		hooks:     d.Hooks,
		logger:    d.Logger,
	}
}

// Execute runs one request through the full lifecycle. The returned error is
// non-nil only for client errors (ErrInvalidRequest); every other outcome,
// including fallbacks and quota denials, is expressed in the response.
func (g *Gateway) Execute(ctx context.Context, req model.RunRequest) (model.RunResponse, error) {
	if err := req.Validate(); err != nil {
		return model.RunResponse{}, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}

	decision, err := g.policy.Admit(ctx, req.WorkspaceID)
	if err != nil {
		return model.RunResponse{}, fmt.Errorf("gateway: admission: %w", err)
	}
	if !decision.Allowed {
		g.countRun(ctx, StatusQuotaExceeded, req.Purpose)
		return model.RunResponse{
			Status: StatusQuotaExceeded,
			Reason: decision.Reason,
		}, nil
	}

	route := g.routes.Resolve(req.Purpose)
	started := time.Now()

	run := model.RunRecord{
		ID:               uuid.New(),
		WorkspaceID:      req.WorkspaceID,
		ActorID:          req.ActorID,
		AgentName:        req.AgentName,
		Purpose:          req.Purpose,
		ModelIdentifier:  route.ModelIdentifier,
		InputFingerprint: req.Fingerprint(),
		Status:           model.RunStatusPending,
		StartedAt:        started.UTC(),
	}

	// Admission reserved the workspace's window and concurrency slots.
	// Bookkeeping is tied to this scope, not the happy path: End and
	// AddCost fire exactly once per admission, whatever the outcome, and
	// survive caller disconnects via a detached context. On a degraded
	// admission no slot was reserved; the decrement clamps at zero.
	defer func() {
		bg := context.WithoutCancel(ctx)
		if err := g.ledger.End(bg, req.WorkspaceID); err != nil {
			g.logger.Error("gateway: ledger end failed", "workspace_id", req.WorkspaceID, "error", err)
		}
		if err := g.ledger.AddCost(bg, req.WorkspaceID, run.CostEstimate); err != nil {
			g.logger.Error("gateway: ledger add cost failed", "workspace_id", req.WorkspaceID, "error", err)
		}
	}()

	g.persistPending(ctx, run)

	outcome := g.attemptLoop(ctx, route, req)

	run.Status = outcome.status
	run.Output = &outcome.artifact
	run.TokensIn = outcome.totalTokensIn
	run.TokensOut = outcome.totalTokensOut
	run.CostEstimate = g.estimator.Estimate(route.ModelIdentifier, outcome.finalTokensIn, outcome.finalTokensOut)
	run.DurationMS = time.Since(started).Milliseconds()
	now := time.Now().UTC()
	run.CompletedAt = &now

	g.finishRun(ctx, run)
	g.countRun(ctx, string(run.Status), req.Purpose)

	return model.RunResponse{
		Success:  run.Status == model.RunStatusSuccess || run.Status == model.RunStatusRetry,
		Status:   string(run.Status),
		RunID:    run.ID,
		Artifact: run.Output,
		Usage: model.Usage{
			TokensIn:     run.TokensIn,
			TokensOut:    run.TokensOut,
			CostEstimate: run.CostEstimate,
			DurationMS:   run.DurationMS,
		},
	}, nil
}

// attemptOutcome accumulates state across the call-and-validate loop.
// Token totals sum every attempt; final tokens belong to the attempt that
// produced the terminal artifact and drive the cost estimate.
type attemptOutcome struct {
	status         model.RunStatus
	artifact       model.Artifact
	totalTokensIn  int
	totalTokensOut int
	finalTokensIn  int
	finalTokensOut int
}

// attemptLoop drives Calling → Validating → (Success | Retrying | Falling
// Back). Attempts are strictly sequential. The repair prompt threads the
// accumulated violations into the user text of the next attempt; the
// caller's request is never mutated.
func (g *Gateway) attemptLoop(ctx context.Context, route routing.Route, req model.RunRequest) attemptOutcome {
	var out attemptOutcome
	userText := composeUserText(req.Instructions)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res := g.invoker.Invoke(ctx, route, req.Instructions.System, userText)
		out.totalTokensIn += res.TokensIn
		out.totalTokensOut += res.TokensOut

		if !res.OK() {
			// Transport-level failures are not expected to self-resolve
			// within this request lifecycle: straight to fallback.
			g.logger.Warn("gateway: model call failed",
				"workspace_id", req.WorkspaceID,
				"kind", string(res.Failure),
				"attempt", attempt,
				"error", res.Err)
			out.status = model.RunStatusFallback
			out.artifact = artifact.Fallback(fmt.Sprintf("The model call failed (%s); no analysis was produced.", res.Failure))
			out.finalTokensIn = res.TokensIn
			out.finalTokensOut = res.TokensOut
			return out
		}

		decoded, _ := artifact.Decode(res.RawText)
		art, violations := artifact.Validate(decoded)
		if len(violations) == 0 {
			if attempt == 1 {
				out.status = model.RunStatusSuccess
			} else {
				out.status = model.RunStatusRetry
			}
			out.artifact = art
			out.finalTokensIn = res.TokensIn
			out.finalTokensOut = res.TokensOut
			return out
		}

		g.logger.Info("gateway: artifact rejected",
			"workspace_id", req.WorkspaceID,
			"attempt", attempt,
			"violations", len(violations))

		if attempt < maxAttempts {
			userText = repairPrompt(composeUserText(req.Instructions), violations)
			continue
		}

		out.status = model.RunStatusFallback
		out.artifact = artifact.Fallback(fmt.Sprintf(
			"The model produced invalid output after %d attempts (last attempt had %d schema violations).",
			maxAttempts, len(violations)))
		out.finalTokensIn = res.TokensIn
		out.finalTokensOut = res.TokensOut
		return out
	}

	// Unreachable: the loop always returns.
	out.status = model.RunStatusFallback
	out.artifact = artifact.Fallback("no attempts were made")
	return out
}

// composeUserText renders the user instruction plus any free-form context.
// Context keys render in sorted order so an identical request always
// produces an identical prompt.
func composeUserText(ins model.Instructions) string {
	if len(ins.Context) == 0 {
		return ins.User
	}
	keys := make([]string, 0, len(ins.Context))
	for k := range ins.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(ins.User)
	b.WriteString("\n\nContext:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %v\n", k, ins.Context[k])
	}
	return b.String()
}

// repairPrompt augments the original user text with the violations from the
// rejected attempt.
func repairPrompt(userText string, violations []string) string {
	var b strings.Builder
	b.WriteString(userText)
	b.WriteString("\n\nYour previous response was rejected. Fix ALL of the following problems and respond with only the corrected JSON object:\n")
	for _, v := range violations {
		b.WriteString("- ")
		b.WriteString(v)
		b.WriteString("\n")
	}
	return b.String()
}

func (g *Gateway) persistPending(ctx context.Context, run model.RunRecord) {
	if g.store == nil {
		return
	}
	if err := g.store.CreateRun(ctx, run); err != nil {
		g.logger.Error("gateway: persist pending run failed", "run_id", run.ID, "error", err)
	}
}

// finishRun persists the terminal record and its evidence bundle.
// Both writes are best-effort: failures are spooled for a later drain and
// never block the response.
func (g *Gateway) finishRun(ctx context.Context, run model.RunRecord) {
	bg := context.WithoutCancel(ctx)

	if g.store != nil {
		if err := g.store.CompleteRun(bg, run); err != nil {
			g.logger.Error("gateway: persist run failed", "run_id", run.ID, "error", err)
			g.spoolRun(run)
		}
	} else {
		g.spoolRun(run)
	}

	// Evidence exists only for runs that produced some artifact.
	if run.Status != model.RunStatusError {
		bundle := evidence.Record(run)
		if g.store != nil {
			if err := g.store.ReplaceEvidence(bg, bundle); err != nil {
				g.logger.Error("gateway: persist evidence failed", "run_id", run.ID, "error", err)
				g.spoolEvidence(bundle)
			}
		} else {
			g.spoolEvidence(bundle)
		}
	}

	for _, hook := range g.hooks {
		go hook.RunCompleted(bg, run)
	}
}

func (g *Gateway) spoolRun(run model.RunRecord) {
	if g.spool == nil {
		return
	}
	if err := g.spool.EnqueueRun(run); err != nil {
		g.logger.Error("gateway: spool run failed", "run_id", run.ID, "error", err)
	}
}

func (g *Gateway) spoolEvidence(bundle model.EvidenceBundle) {
	if g.spool == nil {
		return
	}
	if err := g.spool.EnqueueEvidence(bundle); err != nil {
		g.logger.Error("gateway: spool evidence failed", "run_id", bundle.RunID, "error", err)
	}
}

func (g *Gateway) countRun(ctx context.Context, status string, purpose model.Purpose) {
	if counter, err := gatewayMeter.Int64Counter("gateway.runs"); err == nil {
		counter.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("status", status),
			attribute.String("purpose", string(purpose)),
		))
	}
}
