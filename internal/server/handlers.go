package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/loomreach/loomreach/internal/billing"
	"github.com/loomreach/loomreach/internal/gateway"
	"github.com/loomreach/loomreach/internal/ledger"
	"github.com/loomreach/loomreach/internal/model"
	"github.com/loomreach/loomreach/internal/quota"
	"github.com/loomreach/loomreach/internal/storage"
)

// RunStore reads persisted run records and evidence bundles.
// *storage.DB is the production implementation.
type RunStore interface {
	GetRun(ctx context.Context, workspaceID string, id uuid.UUID) (model.RunRecord, error)
	ListRunsByWorkspace(ctx context.Context, workspaceID string, limit int) ([]model.RunRecord, error)
	GetEvidenceByRun(ctx context.Context, workspaceID string, runID uuid.UUID) (model.EvidenceBundle, error)
}

// Pinger reports storage liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SpoolStats reports the depth of the persistence spool, if one is attached.
type SpoolStats interface {
	Len(ctx context.Context) (int, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	gw                  *gateway.Gateway
	store               RunStore
	pinger              Pinger
	ledger              ledger.Ledger
	billingSvc          *billing.Service
	spool               SpoolStats
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Pinger, BillingSvc, Spool.
type HandlersDeps struct {
	Gateway             *gateway.Gateway
	Store               RunStore
	Pinger              Pinger
	Ledger              ledger.Ledger
	BillingSvc          *billing.Service
	Spool               SpoolStats
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		gw:                  d.Gateway,
		store:               d.Store,
		pinger:              d.Pinger,
		ledger:              d.Ledger,
		billingSvc:          d.BillingSvc,
		spool:               d.Spool,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleCreateRun handles POST /v1/runs. This is the orchestration entry
// point: the request is admitted against the workspace's quota, dispatched to
// the model, validated, and the outcome returned synchronously.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req model.RunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body")
		return
	}

	resp, err := h.gw.Execute(r.Context(), req)
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidRequest) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, err.Error())
			return
		}
		h.logger.Error("create run failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal error")
		return
	}

	status := http.StatusOK
	if resp.Status == gateway.StatusQuotaExceeded {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, r, status, resp)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	if workspaceID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "workspace_id query parameter is required")
		return
	}

	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid run_id")
		return
	}

	run, err := h.store.GetRun(r.Context(), workspaceID, runID)
	if err != nil {
		if errors.Is(err, storage.ErrRunNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", "error", err, "run_id", runID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal error")
		return
	}

	writeJSON(w, r, http.StatusOK, run)
}

// HandleListRuns handles GET /v1/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	if workspaceID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "workspace_id query parameter is required")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := h.store.ListRunsByWorkspace(r.Context(), workspaceID, limit)
	if err != nil {
		h.logger.Error("list runs failed", "error", err, "workspace_id", workspaceID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal error")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// HandleGetEvidence handles GET /v1/runs/{run_id}/evidence.
func (h *Handlers) HandleGetEvidence(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	if workspaceID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "workspace_id query parameter is required")
		return
	}

	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid run_id")
		return
	}

	bundle, err := h.store.GetEvidenceByRun(r.Context(), workspaceID, runID)
	if err != nil {
		if errors.Is(err, storage.ErrEvidenceNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "evidence not found")
			return
		}
		h.logger.Error("get evidence failed", "error", err, "run_id", runID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal error")
		return
	}

	writeJSON(w, r, http.StatusOK, bundle)
}

// HandleSetWorkspaceTier handles PUT /v1/workspaces/{workspace_id}.
// Assigns the workspace's subscription tier directly. Stripe-managed
// deployments normally drive tiers through webhooks instead.
func (h *Handlers) HandleSetWorkspaceTier(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspace_id")

	var req struct {
		Tier string `json:"tier"`
	}
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body")
		return
	}

	if !quota.KnownTier(req.Tier) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "unknown tier: "+req.Tier)
		return
	}

	if err := h.ledger.SetTier(r.Context(), workspaceID, req.Tier); err != nil {
		h.logger.Error("set tier failed", "error", err, "workspace_id", workspaceID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal error")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]string{
		"workspace_id": workspaceID,
		"tier":         req.Tier,
	})
}

// HandleGetWorkspaceUsage handles GET /v1/workspaces/{workspace_id}/usage.
// Returns the workspace's live counters alongside its tier limits.
func (h *Handlers) HandleGetWorkspaceUsage(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspace_id")

	snap, err := h.ledger.Snapshot(r.Context(), workspaceID)
	if err != nil {
		h.logger.Error("usage snapshot failed", "error", err, "workspace_id", workspaceID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal error")
		return
	}

	limits := quota.LimitsForTier(snap.Tier)
	writeJSON(w, r, http.StatusOK, map[string]any{
		"workspace_id":        workspaceID,
		"tier":                snap.Tier,
		"requests_in_window":  snap.RequestsInWindow,
		"requests_per_minute": limits.RequestsPerMinute,
		"concurrent_runs":     snap.ConcurrentRuns,
		"max_concurrent":      limits.MaxConcurrent,
		"spent_this_period":   snap.SpentThisPeriod,
		"monthly_budget":      limits.MonthlyBudget,
	})
}

// HandleBillingCheckout handles POST /v1/billing/checkout.
// Creates a Stripe Checkout session that upgrades a workspace to a paid
// tier. The resulting checkout.session.completed webhook applies the tier.
func (h *Handlers) HandleBillingCheckout(w http.ResponseWriter, r *http.Request) {
	if h.billingSvc == nil || !h.billingSvc.Enabled() {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternal, "billing not configured")
		return
	}

	var req struct {
		WorkspaceID   string `json:"workspace_id"`
		Tier          string `json:"tier"`
		CustomerEmail string `json:"customer_email"`
		SuccessURL    string `json:"success_url"`
		CancelURL     string `json:"cancel_url"`
	}
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body")
		return
	}

	if req.WorkspaceID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "workspace_id is required")
		return
	}
	if !quota.KnownTier(req.Tier) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "unknown tier: "+req.Tier)
		return
	}
	if req.SuccessURL == "" || req.CancelURL == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "success_url and cancel_url are required")
		return
	}

	url, err := h.billingSvc.CreateCheckoutSession(r.Context(), req.WorkspaceID, req.Tier, req.CustomerEmail, req.SuccessURL, req.CancelURL)
	if err != nil {
		h.logger.Error("billing checkout: create session", "error", err, "workspace_id", req.WorkspaceID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to create checkout session")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]string{"checkout_url": url})
}

// HandleStripeWebhook handles POST /webhooks/stripe.
// This endpoint is NOT authenticated by the API layer: Stripe signs the
// payload with its webhook secret and the billing service verifies it.
func (h *Handlers) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.billingSvc == nil || !h.billingSvc.Enabled() {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternal, "billing not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxRequestBodyBytes))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "failed to read body")
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	status, whErr := h.billingSvc.HandleWebhook(r.Context(), body, sigHeader)
	if whErr != nil {
		h.logger.Error("stripe webhook failed", "error", whErr, "status", status)
		writeError(w, r, status, model.ErrCodeInternal, whErr.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if h.pinger != nil {
		if err := h.pinger.Ping(r.Context()); err != nil {
			pgStatus = "disconnected"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	spoolDepth := 0
	if h.spool != nil {
		if n, err := h.spool.Len(r.Context()); err == nil {
			spoolDepth = n
			if n > 0 && status == "healthy" {
				status = "degraded"
			}
		}
	}

	writeJSON(w, r, httpStatus, map[string]any{
		"status":      status,
		"version":     h.version,
		"postgres":    pgStatus,
		"spool_depth": spoolDepth,
		"uptime":      int64(time.Since(h.startedAt).Seconds()),
	})
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return n, nil
}
