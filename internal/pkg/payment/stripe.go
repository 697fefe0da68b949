package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83"

	"github.com/bloomwatch/gardenpay/app/models"
	"github.com/bloomwatch/gardenpay/internal/pkg/env"
)

// stripeSessionExpiry is the checkout window requested client-side.
const stripeSessionExpiry = 30 * time.Minute

var stripeCurrencies = map[string]bool{
	"USD": true,
	"EUR": true,
	"GBP": true,
	"INR": true,
	"CAD": true,
	"AUD": true,
}

// StripeProvider is the card-network gateway. Authentication is a static
// secret key; all API plumbing goes through the official SDK client.
type StripeProvider struct {
	WebhookSecret string

	client *stripe.Client
}

func NewStripeProviderFromEnv() (*StripeProvider, error) {
	secretKey := strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", ""))
	if secretKey == "" {
		return nil, NewError(ErrProvider, models.ProviderStripe, "STRIPE_SECRET_KEY is not configured")
	}
	return &StripeProvider{
		WebhookSecret: strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")),
		client:        stripe.NewClient(secretKey),
	}, nil
}

func (p *StripeProvider) Name() string { return models.ProviderStripe }

func (p *StripeProvider) SupportsCurrency(code string) bool {
	return stripeCurrencies[NormalizeCurrency(code)]
}

func (p *StripeProvider) SupportsRegion(string) bool { return true }

func (p *StripeProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if !p.SupportsCurrency(req.Currency) {
		return nil, NewError(ErrCurrencyNotSupported, p.Name(), "currency not chargeable via stripe: "+req.Currency)
	}

	interval := strings.ToLower(strings.TrimSpace(req.Interval))
	if interval != models.BillingIntervalMonth {
		interval = models.BillingIntervalYear
	}

	// The client reference id is generated here, not by Stripe, so a
	// retried create stays correlatable to one checkout attempt.
	clientRef := "gp_" + uuid.NewString()
	expiresAt := time.Now().Add(stripeSessionExpiry)
	params := checkoutSessionParams(req, interval, clientRef, expiresAt)

	session, err := p.client.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return nil, WrapError(ErrProvider, p.Name(), "checkout session create failed", err)
	}

	if session.ExpiresAt > 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0)
	}
	return &CheckoutSession{
		Provider:    p.Name(),
		SessionID:   session.ID,
		PaymentID:   session.ID,
		CheckoutURL: session.URL,
		ExpiresAt:   expiresAt,
		UserID:      req.UserID,
		PlanID:      req.PlanID,
		Currency:    NormalizeCurrency(req.Currency),
		Amount:      req.Amount,
		Interval:    interval,
		Metadata:    req.Metadata,
	}, nil
}

func checkoutSessionParams(req CheckoutRequest, interval, clientRef string, expiresAt time.Time) *stripe.CheckoutSessionCreateParams {
	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
					Currency: stripe.String(strings.ToLower(NormalizeCurrency(req.Currency))),
					ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
						Name: stripe.String(req.ProductName),
					},
					UnitAmount: stripe.Int64(req.Amount),
					Recurring: &stripe.CheckoutSessionCreateLineItemPriceDataRecurringParams{
						Interval: stripe.String(interval),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(req.ReturnURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(clientRef),
		ExpiresAt:         stripe.Int64(expiresAt.Unix()),
	}
	// Stripe rejects an empty customer_email outright, so the field is only
	// sent when the caller provided one.
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	params.Metadata = map[string]string{
		"user_id": fmt.Sprintf("%d", req.UserID),
		"plan_id": req.PlanID,
	}
	for k, v := range req.Metadata {
		params.Metadata[k] = v
	}
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	for k, v := range params.Metadata {
		params.SubscriptionData.AddMetadata(k, v)
	}
	return params
}

// VerifyWebhook delegates signature verification to the SDK, which
// recomputes the HMAC-SHA256 over the raw body and compares constant-time.
func (p *StripeProvider) VerifyWebhook(body []byte, signatureHeader string) (*WebhookEvent, error) {
	if p.WebhookSecret == "" {
		return nil, NewError(ErrInvalidSignature, p.Name(), "STRIPE_WEBHOOK_SECRET is not configured")
	}
	event, err := stripe.ConstructEvent(body, strings.TrimSpace(signatureHeader), p.WebhookSecret)
	if err != nil {
		return nil, WrapError(ErrInvalidSignature, p.Name(), "signature verification failed", err)
	}
	return p.canonicalize(&event)
}

func (p *StripeProvider) canonicalize(event *stripe.Event) (*WebhookEvent, error) {
	ev := &WebhookEvent{Provider: p.Name(), EventID: event.ID, Status: StatusUnknown}

	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, WrapError(ErrProvider, p.Name(), "decode checkout session", err)
		}
		ev.Type = EventSubscriptionActivated
		ev.Success = session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid
		ev.Status = StatusActive
		if session.Subscription != nil {
			ev.SubscriptionID = session.Subscription.ID
		}
		if ev.SubscriptionID == "" {
			ev.SubscriptionID = session.ClientReferenceID
		}
		if session.Customer != nil {
			ev.CustomerID = session.Customer.ID
		}
		ev.Amount = session.AmountTotal
		ev.Currency = NormalizeCurrency(string(session.Currency))
		ev.Metadata = session.Metadata
		if ev.Metadata == nil {
			ev.Metadata = map[string]string{}
		}
		if session.ClientReferenceID != "" {
			ev.Metadata["client_reference_id"] = session.ClientReferenceID
		}
		if session.ID != "" {
			ev.Metadata["checkout_session_id"] = session.ID
		}

	case "invoice.payment_succeeded", "invoice.paid":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return nil, WrapError(ErrProvider, p.Name(), "decode invoice", err)
		}
		ev.Type = EventPaymentSuccess
		ev.Success = true
		ev.Status = StatusActive
		ev.Amount = invoice.AmountPaid
		ev.Currency = NormalizeCurrency(string(invoice.Currency))
		if invoice.Customer != nil {
			ev.CustomerID = invoice.Customer.ID
		}
		// The v83 invoice struct no longer carries the subscription
		// reference or line periods directly, so they come from the raw
		// payload.
		var raw struct {
			Subscription any `json:"subscription"`
			Lines        struct {
				Data []struct {
					Period struct {
						End int64 `json:"end"`
					} `json:"period"`
				} `json:"data"`
			} `json:"lines"`
		}
		if err := json.Unmarshal(event.Data.Raw, &raw); err == nil {
			switch v := raw.Subscription.(type) {
			case string:
				ev.SubscriptionID = v
			case map[string]any:
				if id, ok := v["id"].(string); ok {
					ev.SubscriptionID = id
				}
			}
			for _, line := range raw.Lines.Data {
				if line.Period.End > 0 {
					t := time.Unix(line.Period.End, 0)
					if ev.ExpiresAt == nil || t.After(*ev.ExpiresAt) {
						ev.ExpiresAt = &t
					}
				}
			}
		}
		ev.Metadata = invoice.Metadata

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, WrapError(ErrProvider, p.Name(), "decode subscription", err)
		}
		ev.Type = EventSubscriptionCancelled
		ev.Status = StatusCanceled
		ev.SubscriptionID = sub.ID
		if sub.Customer != nil {
			ev.CustomerID = sub.Customer.ID
		}
		ev.Metadata = sub.Metadata

	default:
		ev.Type = EventUnrecognized
	}
	return ev, nil
}

func (p *StripeProvider) GetSubscriptionStatus(ctx context.Context, providerSubscriptionID string) (*SubscriptionStatus, error) {
	id := strings.TrimSpace(providerSubscriptionID)
	if id == "" {
		return nil, NewError(ErrSubscriptionNotFound, p.Name(), "subscription id is required")
	}
	sub, err := p.client.V1Subscriptions.Retrieve(ctx, id, nil)
	if err != nil {
		return nil, WrapError(ErrProvider, p.Name(), "subscription retrieve failed", err)
	}

	status := &SubscriptionStatus{Provider: p.Name(), SubscriptionID: sub.ID}
	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		status.Status = StatusActive
	case stripe.SubscriptionStatusIncomplete, stripe.SubscriptionStatusPastDue:
		status.Status = StatusPending
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusIncompleteExpired:
		status.Status = StatusCanceled
	default:
		status.Status = StatusUnknown
	}
	// Period bounds live on the items since the 2025 API versions.
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.CurrentPeriodStart > 0 {
				t := time.Unix(item.CurrentPeriodStart, 0)
				if status.CurrentPeriodStart == nil || t.Before(*status.CurrentPeriodStart) {
					status.CurrentPeriodStart = &t
				}
			}
			if item.CurrentPeriodEnd > 0 {
				t := time.Unix(item.CurrentPeriodEnd, 0)
				if status.CurrentPeriodEnd == nil || t.After(*status.CurrentPeriodEnd) {
					status.CurrentPeriodEnd = &t
				}
			}
		}
	}
	return status, nil
}

func (p *StripeProvider) VerifyPayment(ctx context.Context, paymentID string) (*PaymentVerification, error) {
	id := strings.TrimSpace(paymentID)
	if id == "" {
		return nil, NewError(ErrProvider, p.Name(), "checkout session id is required")
	}
	session, err := p.client.V1CheckoutSessions.Retrieve(ctx, id, nil)
	if err != nil {
		return nil, WrapError(ErrProvider, p.Name(), "checkout session retrieve failed", err)
	}

	v := &PaymentVerification{
		Provider:  p.Name(),
		PaymentID: session.ID,
		Paid:      session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		Amount:    session.AmountTotal,
		Currency:  NormalizeCurrency(string(session.Currency)),
	}
	if session.Subscription != nil {
		v.SubscriptionID = session.Subscription.ID
	}
	return v, nil
}

// RevokeMandate cancels the Stripe subscription immediately.
func (p *StripeProvider) RevokeMandate(ctx context.Context, providerSubscriptionID string) error {
	id := strings.TrimSpace(providerSubscriptionID)
	if id == "" {
		return NewError(ErrSubscriptionNotFound, p.Name(), "subscription id is required")
	}
	if _, err := p.client.V1Subscriptions.Cancel(ctx, id, nil); err != nil {
		return WrapError(ErrProvider, p.Name(), "subscription cancel failed", err)
	}
	return nil
}
