package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v84"

	"github.com/loomreach/loomreach/internal/ledger"
)

const testWebhookSecret = "whsec_test_secret"

// recordingLedger captures tier and period mutations.
type recordingLedger struct {
	tiers  map[string]string
	resets []string
}

func newRecordingLedger() *recordingLedger {
	return &recordingLedger{tiers: map[string]string{}}
}

func (r *recordingLedger) Snapshot(ctx context.Context, workspaceID string) (ledger.Snapshot, error) {
	return ledger.Snapshot{}, nil
}
func (r *recordingLedger) Begin(ctx context.Context, workspaceID string, maxRequests, maxConcurrent int) (bool, error) {
	return true, nil
}
func (r *recordingLedger) End(ctx context.Context, workspaceID string) error { return nil }
func (r *recordingLedger) AddCost(ctx context.Context, workspaceID string, amount float64) error {
	return nil
}
func (r *recordingLedger) SetTier(ctx context.Context, workspaceID, tier string) error {
	r.tiers[workspaceID] = tier
	return nil
}
func (r *recordingLedger) ResetPeriod(ctx context.Context, workspaceID string) error {
	r.resets = append(r.resets, workspaceID)
	return nil
}

// signPayload produces a Stripe-Signature header value for the given payload.
func signPayload(payload []byte) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func newTestService(t *testing.T, led ledger.Ledger) *Service {
	t.Helper()
	svc, err := New(led, Config{
		SecretKey:     "sk_test_xxx",
		WebhookSecret: testWebhookSecret,
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return svc
}

func TestNewService_Enabled(t *testing.T) {
	svc := newTestService(t, newRecordingLedger())
	assert.True(t, svc.Enabled())
}

func TestNewService_Disabled(t *testing.T) {
	svc, err := New(newRecordingLedger(), Config{}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	assert.False(t, svc.Enabled())
}

func TestNewService_MissingWebhookSecret(t *testing.T) {
	_, err := New(newRecordingLedger(), Config{SecretKey: "sk_test_xxx"}, slog.New(slog.DiscardHandler))
	require.Error(t, err)
}

func TestCreateCheckoutSession_Disabled(t *testing.T) {
	svc, err := New(newRecordingLedger(), Config{}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	_, err = svc.CreateCheckoutSession(context.Background(), "ws-1", "growth", "owner@example.com", "https://ok", "https://cancel")
	assert.ErrorIs(t, err, ErrBillingDisabled)
}

func TestCreateCheckoutSession_NoPriceForTier(t *testing.T) {
	svc, err := New(newRecordingLedger(), Config{
		SecretKey:     "sk_test_xxx",
		WebhookSecret: testWebhookSecret,
		PriceIDGrowth: "price_growth_123",
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	_, err = svc.CreateCheckoutSession(context.Background(), "ws-1", "scale", "owner@example.com", "https://ok", "https://cancel")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no price configured")

	_, err = svc.CreateCheckoutSession(context.Background(), "ws-1", "starter", "owner@example.com", "https://ok", "https://cancel")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no price configured")
}

func TestHandleWebhook_Disabled(t *testing.T) {
	svc, err := New(newRecordingLedger(), Config{}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	status, err := svc.HandleWebhook(context.Background(), []byte("{}"), "sig")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.ErrorIs(t, err, ErrBillingDisabled)
}

func TestHandleWebhook_InvalidSignature(t *testing.T) {
	svc := newTestService(t, newRecordingLedger())

	status, err := svc.HandleWebhook(context.Background(), []byte(`{"type":"invoice.paid"}`), "t=1,v1=bogus")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Error(t, err)
}

func TestHandleWebhook_CheckoutCompleted(t *testing.T) {
	led := newRecordingLedger()
	svc := newTestService(t, led)

	payload := []byte(`{
		"object": "event",
		"api_version": "` + stripe.APIVersion + `",
		"type": "checkout.session.completed",
		"data": {"object": {"id": "cs_123", "metadata": {"workspace_id": "ws-1", "tier": "growth"}}}
	}`)

	status, err := svc.HandleWebhook(context.Background(), payload, signPayload(payload))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "growth", led.tiers["ws-1"])
}

func TestHandleWebhook_CheckoutCompleted_UnknownTier(t *testing.T) {
	led := newRecordingLedger()
	svc := newTestService(t, led)

	payload := []byte(`{
		"object": "event",
		"api_version": "` + stripe.APIVersion + `",
		"type": "checkout.session.completed",
		"data": {"object": {"id": "cs_123", "metadata": {"workspace_id": "ws-1", "tier": "platinum"}}}
	}`)

	status, err := svc.HandleWebhook(context.Background(), payload, signPayload(payload))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Error(t, err)
	assert.Empty(t, led.tiers)
}

func TestHandleWebhook_InvoicePaid(t *testing.T) {
	led := newRecordingLedger()
	svc := newTestService(t, led)

	payload := []byte(`{
		"object": "event",
		"api_version": "` + stripe.APIVersion + `",
		"type": "invoice.paid",
		"data": {"object": {"id": "in_123", "metadata": {"workspace_id": "ws-2"}}}
	}`)

	status, err := svc.HandleWebhook(context.Background(), payload, signPayload(payload))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"ws-2"}, led.resets)
}

func TestHandleWebhook_InvoicePaid_NoWorkspace(t *testing.T) {
	led := newRecordingLedger()
	svc := newTestService(t, led)

	payload := []byte(`{
		"object": "event",
		"api_version": "` + stripe.APIVersion + `",
		"type": "invoice.paid",
		"data": {"object": {"id": "in_123"}}
	}`)

	// Accepted but ignored; the invoice may belong to another product.
	status, err := svc.HandleWebhook(context.Background(), payload, signPayload(payload))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, led.resets)
}

func TestHandleWebhook_SubscriptionDeleted(t *testing.T) {
	led := newRecordingLedger()
	led.tiers["ws-3"] = "scale"
	svc := newTestService(t, led)

	payload := []byte(`{
		"object": "event",
		"api_version": "` + stripe.APIVersion + `",
		"type": "customer.subscription.deleted",
		"data": {"object": {"id": "sub_123", "metadata": {"workspace_id": "ws-3"}}}
	}`)

	status, err := svc.HandleWebhook(context.Background(), payload, signPayload(payload))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "starter", led.tiers["ws-3"])
}

func TestHandleWebhook_UnknownEventType(t *testing.T) {
	svc := newTestService(t, newRecordingLedger())

	payload := []byte(`{"object": "event", "api_version": "` + stripe.APIVersion + `", "type": "customer.created", "data": {"object": {}}}`)

	status, err := svc.HandleWebhook(context.Background(), payload, signPayload(payload))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
}
