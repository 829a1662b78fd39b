package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	stripe "github.com/stripe/stripe-go/v84"

	"github.com/loomreach/loomreach/internal/quota"
)

// HandleWebhook processes a Stripe webhook event. Returns the HTTP status code
// to respond with and any error. Verifies the webhook signature, then dispatches
// to the appropriate handler based on event type.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, sigHeader string) (int, error) {
	if !s.enabled {
		return http.StatusServiceUnavailable, ErrBillingDisabled
	}

	event, err := stripe.ConstructEvent(body, sigHeader, s.webhookSecret)
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: invalid webhook signature: %w", err)
	}

	switch event.Type {
	case "checkout.session.completed":
		return s.handleCheckoutCompleted(ctx, event)
	case "invoice.paid":
		return s.handleInvoicePaid(ctx, event)
	case "customer.subscription.deleted":
		return s.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_failed":
		return s.handlePaymentFailed(ctx, event)
	default:
		return http.StatusOK, nil
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, event stripe.Event) (int, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: unmarshal checkout session: %w", err)
	}

	workspaceID, ok := sess.Metadata["workspace_id"]
	if !ok || workspaceID == "" {
		return http.StatusBadRequest, fmt.Errorf("billing: missing workspace_id in checkout metadata")
	}
	tier, ok := sess.Metadata["tier"]
	if !ok || !quota.KnownTier(tier) {
		return http.StatusBadRequest, fmt.Errorf("billing: unknown tier %q in checkout metadata", tier)
	}

	if err := s.ledger.SetTier(ctx, workspaceID, tier); err != nil {
		return http.StatusInternalServerError, fmt.Errorf("billing: set tier: %w", err)
	}

	s.logger.Info("billing: checkout completed, tier updated",
		"workspace_id", workspaceID,
		"tier", tier,
	)
	return http.StatusOK, nil
}

// handleInvoicePaid starts a fresh billing period for the workspace, clearing
// its accumulated spend.
func (s *Service) handleInvoicePaid(ctx context.Context, event stripe.Event) (int, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: unmarshal invoice: %w", err)
	}

	workspaceID := invoice.Metadata["workspace_id"]
	if workspaceID == "" {
		s.logger.Warn("billing: invoice paid without workspace_id metadata", "invoice_id", invoice.ID)
		return http.StatusOK, nil // Might belong to a different product.
	}

	if err := s.ledger.ResetPeriod(ctx, workspaceID); err != nil {
		return http.StatusInternalServerError, fmt.Errorf("billing: reset period: %w", err)
	}

	s.logger.Info("billing: period rolled over", "workspace_id", workspaceID)
	return http.StatusOK, nil
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) (int, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: unmarshal subscription: %w", err)
	}

	workspaceID := sub.Metadata["workspace_id"]
	if workspaceID == "" {
		s.logger.Warn("billing: subscription deleted without workspace_id metadata", "subscription_id", sub.ID)
		return http.StatusOK, nil
	}

	if err := s.ledger.SetTier(ctx, workspaceID, "starter"); err != nil {
		return http.StatusInternalServerError, fmt.Errorf("billing: downgrade workspace: %w", err)
	}

	s.logger.Info("billing: subscription deleted, downgraded to starter", "workspace_id", workspaceID)
	return http.StatusOK, nil
}

func (s *Service) handlePaymentFailed(ctx context.Context, event stripe.Event) (int, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: unmarshal invoice: %w", err)
	}

	customerID := ""
	if invoice.Customer != nil {
		customerID = invoice.Customer.ID
	}
	s.logger.Warn("billing: payment failed",
		"customer_id", customerID,
		"amount_due", invoice.AmountDue,
		"attempt_count", invoice.AttemptCount,
	)

	return http.StatusOK, nil
}
