// Package billing integrates Stripe for subscription lifecycle events that
// drive workspace tiers and billing-period rollover. If Stripe is not
// configured (no secret key), the webhook endpoint returns 503 and tiers are
// managed through the workspace API only.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	stripe "github.com/stripe/stripe-go/v84"

	"github.com/loomreach/loomreach/internal/ledger"
)

// ErrBillingDisabled is returned when Stripe is not configured.
var ErrBillingDisabled = errors.New("billing not configured")

// Service translates Stripe subscription events into ledger tier and
// period updates, and creates Checkout sessions for tier upgrades.
type Service struct {
	client        *stripe.Client
	ledger        ledger.Ledger
	logger        *slog.Logger
	webhookSecret string
	priceIDs      map[string]string
	enabled       bool
}

// Config holds Stripe configuration. The price IDs map paid tiers to their
// Stripe Price; a tier without a price cannot be bought through Checkout.
type Config struct {
	SecretKey     string
	WebhookSecret string
	PriceIDGrowth string
	PriceIDScale  string
}

// New creates a billing service. If cfg.SecretKey is empty, the service
// operates in disabled mode and HandleWebhook returns ErrBillingDisabled.
func New(led ledger.Ledger, cfg Config, logger *slog.Logger) (*Service, error) {
	enabled := cfg.SecretKey != ""

	if enabled && cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("billing: STRIPE_WEBHOOK_SECRET is required when billing is enabled")
	}

	var client *stripe.Client
	if enabled {
		client = stripe.NewClient(cfg.SecretKey)
	}

	priceIDs := make(map[string]string)
	if cfg.PriceIDGrowth != "" {
		priceIDs["growth"] = cfg.PriceIDGrowth
	}
	if cfg.PriceIDScale != "" {
		priceIDs["scale"] = cfg.PriceIDScale
	}

	return &Service{
		client:        client,
		ledger:        led,
		logger:        logger,
		webhookSecret: cfg.WebhookSecret,
		priceIDs:      priceIDs,
		enabled:       enabled,
	}, nil
}

// Enabled returns true if Stripe is configured.
func (s *Service) Enabled() bool { return s.enabled }

// CreateCheckoutSession creates a Stripe Checkout session that upgrades the
// workspace to the given tier. The workspace ID and tier travel in the
// session metadata; the checkout.session.completed webhook reads them back
// to apply the tier.
func (s *Service) CreateCheckoutSession(ctx context.Context, workspaceID, tier, customerEmail, successURL, cancelURL string) (string, error) {
	if !s.enabled {
		return "", ErrBillingDisabled
	}

	priceID, ok := s.priceIDs[tier]
	if !ok {
		return "", fmt.Errorf("billing: no price configured for tier %q", tier)
	}

	sess, err := s.client.V1CheckoutSessions.Create(ctx, &stripe.CheckoutSessionCreateParams{
		Mode:          stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		CustomerEmail: stripe.String(customerEmail),
		SuccessURL:    stripe.String(successURL),
		CancelURL:     stripe.String(cancelURL),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"workspace_id": workspaceID,
			"tier":         tier,
		},
	})
	if err != nil {
		return "", fmt.Errorf("billing: create checkout session: %w", err)
	}
	return sess.URL, nil
}
