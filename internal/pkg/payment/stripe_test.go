package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"
)

const stripeTestWebhookSecret = "whsec_stripe_test"

func newTestStripeProvider() *StripeProvider {
	return &StripeProvider{
		WebhookSecret: stripeTestWebhookSecret,
		client:        stripe.NewClient("sk_test_dummy"),
	}
}

// stripeSignHeader builds a Stripe-Signature header the SDK accepts:
// t=<unix>,v1=<hex hmac-sha256 of "<unix>.<payload>">.
func stripeSignHeader(secret string, payload []byte, at time.Time) string {
	signed := fmt.Sprintf("%d.%s", at.Unix(), payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signed))
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestStripeVerifyWebhookValidSignature(t *testing.T) {
	p := newTestStripeProvider()
	payload := []byte(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": "cs_test_1",
				"object": "checkout.session",
				"client_reference_id": "gp_ref1",
				"payment_status": "paid",
				"subscription": "sub_stripe_1",
				"amount_total": 9500,
				"currency": "usd",
				"metadata": {"user_id": "42", "plan_id": "garden_monitoring"}
			}
		}
	}`)

	ev, err := p.VerifyWebhook(payload, stripeSignHeader(p.WebhookSecret, payload, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.EventID)
	assert.Equal(t, EventSubscriptionActivated, ev.Type)
	assert.True(t, ev.Success)
	assert.Equal(t, "sub_stripe_1", ev.SubscriptionID)
	assert.Equal(t, int64(9500), ev.Amount)
	assert.Equal(t, "USD", ev.Currency)
	assert.Equal(t, "gp_ref1", ev.Metadata["client_reference_id"])
	assert.Equal(t, "cs_test_1", ev.Metadata["checkout_session_id"])
}

func TestStripeVerifyWebhookRejectsTamperedPayload(t *testing.T) {
	p := newTestStripeProvider()
	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{}}}`)
	header := stripeSignHeader(p.WebhookSecret, payload, time.Now())

	tampered := []byte(`{"id":"evt_2","type":"checkout.session.completed","data":{"object":{}}}`)
	_, err := p.VerifyWebhook(tampered, header)
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrInvalidSignature))
}

func TestStripeVerifyWebhookRejectsWrongSecret(t *testing.T) {
	p := newTestStripeProvider()
	payload := []byte(`{"id":"evt_1","type":"invoice.paid","data":{"object":{}}}`)

	_, err := p.VerifyWebhook(payload, stripeSignHeader("whsec_other", payload, time.Now()))
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrInvalidSignature))

	noSecret := &StripeProvider{}
	_, err = noSecret.VerifyWebhook(payload, stripeSignHeader(stripeTestWebhookSecret, payload, time.Now()))
	assert.True(t, IsKind(err, ErrInvalidSignature))
}

func TestStripeCanonicalizeInvoicePaid(t *testing.T) {
	p := newTestStripeProvider()
	event := &stripe.Event{
		ID:   "evt_inv_1",
		Type: "invoice.payment_succeeded",
		Data: &stripe.EventData{
			Raw: json.RawMessage(`{
				"id": "in_1",
				"object": "invoice",
				"amount_paid": 9500,
				"currency": "usd",
				"subscription": "sub_stripe_1",
				"lines": {
					"data": [
						{"period": {"start": 1780000000, "end": 1790000000}},
						{"period": {"start": 1780000000, "end": 1795000000}}
					]
				}
			}`),
		},
	}

	ev, err := p.canonicalize(event)
	require.NoError(t, err)
	assert.Equal(t, EventPaymentSuccess, ev.Type)
	assert.True(t, ev.Success)
	assert.Equal(t, "sub_stripe_1", ev.SubscriptionID)
	assert.Equal(t, int64(9500), ev.Amount)
	// The latest line period wins.
	require.NotNil(t, ev.ExpiresAt)
	assert.Equal(t, int64(1795000000), ev.ExpiresAt.Unix())
}

func TestStripeCanonicalizeSubscriptionDeleted(t *testing.T) {
	p := newTestStripeProvider()
	event := &stripe.Event{
		ID:   "evt_del_1",
		Type: "customer.subscription.deleted",
		Data: &stripe.EventData{
			Raw: json.RawMessage(`{"id": "sub_stripe_1", "object": "subscription", "status": "canceled"}`),
		},
	}

	ev, err := p.canonicalize(event)
	require.NoError(t, err)
	assert.Equal(t, EventSubscriptionCancelled, ev.Type)
	assert.Equal(t, StatusCanceled, ev.Status)
	assert.Equal(t, "sub_stripe_1", ev.SubscriptionID)
}

func TestStripeCanonicalizeUnrecognized(t *testing.T) {
	p := newTestStripeProvider()
	event := &stripe.Event{
		ID:   "evt_x",
		Type: "charge.refunded",
		Data: &stripe.EventData{Raw: json.RawMessage(`{}`)},
	}

	ev, err := p.canonicalize(event)
	require.NoError(t, err)
	assert.Equal(t, EventUnrecognized, ev.Type)
	assert.Equal(t, "evt_x", ev.EventID)
}

func TestStripeCheckoutParamsOmitsEmptyEmail(t *testing.T) {
	req := CheckoutRequest{
		UserID:      42,
		PlanID:      PlanGardenMonitoring,
		ProductName: "Garden Monitoring",
		Currency:    "USD",
		Amount:      9500,
		ReturnURL:   "https://bloomwatch.example/billing/return",
		CancelURL:   "https://bloomwatch.example/billing/cancel",
	}
	expiresAt := time.Now().Add(30 * time.Minute)

	// Stripe rejects customer_email when it is present but empty, so the
	// field must be absent entirely.
	params := checkoutSessionParams(req, "year", "gp_ref", expiresAt)
	assert.Nil(t, params.CustomerEmail)

	req.CustomerEmail = "gardener@bloomwatch.example"
	params = checkoutSessionParams(req, "year", "gp_ref", expiresAt)
	require.NotNil(t, params.CustomerEmail)
	assert.Equal(t, "gardener@bloomwatch.example", *params.CustomerEmail)
}

func TestStripeSupportsCurrency(t *testing.T) {
	p := newTestStripeProvider()
	assert.True(t, p.SupportsCurrency("usd"))
	assert.True(t, p.SupportsCurrency("INR"))
	assert.False(t, p.SupportsCurrency("JPY"))
	assert.True(t, p.SupportsRegion("IN"))
	assert.True(t, p.SupportsRegion(""))
}
