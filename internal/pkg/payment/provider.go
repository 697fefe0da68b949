package payment

import "context"

// Provider is the capability contract every payment network is wrapped
// behind. Adapters differ in wire shape and authentication, never in this
// surface. All failures come back as *Error with a tagged kind.
type Provider interface {
	Name() string

	// Capability queries are pure; they never hit the network.
	SupportsCurrency(code string) bool
	SupportsRegion(code string) bool

	// CreateCheckout opens a provider-hosted payment flow. The adapter
	// generates its own idempotency-safe order/session identifier rather
	// than relying on the provider to deduplicate retries.
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)

	// VerifyWebhook recomputes the provider's MAC over the raw, unparsed
	// body and rejects with ErrInvalidSignature before any business
	// interpretation. Comparison is constant-time.
	VerifyWebhook(body []byte, signatureHeader string) (*WebhookEvent, error)

	// GetSubscriptionStatus is the synchronous reconciliation path used
	// when a webhook was missed.
	GetSubscriptionStatus(ctx context.Context, providerSubscriptionID string) (*SubscriptionStatus, error)

	// VerifyPayment independently confirms a payment referenced by a
	// client-driven success callback.
	VerifyPayment(ctx context.Context, paymentID string) (*PaymentVerification, error)
}

// MandateRevoker is an optional adapter capability: providers that hold a
// recurring mandate implement it so a user cancel also revokes the
// provider-side subscription.
type MandateRevoker interface {
	RevokeMandate(ctx context.Context, providerSubscriptionID string) error
}
