package payment

import "time"

// Canonical webhook event types every provider taxonomy is folded into.
const (
	EventPaymentSuccess        = "payment_success"
	EventSubscriptionActivated = "subscription_activated"
	EventSubscriptionCancelled = "subscription_cancelled"
	EventUnrecognized          = "unrecognized"
)

// Subscription status values as reported by providers after canonicalization.
const (
	StatusActive   = "active"
	StatusPending  = "pending"
	StatusCanceled = "canceled"
	StatusUnknown  = "unknown"
)

// CheckoutRequest is the transient input for one checkout attempt. It is
// never persisted on its own; the resulting CheckoutSession captures it.
type CheckoutRequest struct {
	UserID           uint
	PlanID           string
	Amount           int64
	Currency         string
	Region           string
	CustomerEmail    string
	CustomerName     string
	ProductName      string
	ReturnURL        string
	CancelURL        string
	SubscriptionType string
	Interval         string
	Metadata         map[string]string
}

// CheckoutSession is the result of a successful checkout creation. A session
// that reaches ExpiresAt without a terminal webhook is abandoned, not pending.
type CheckoutSession struct {
	Provider    string    `json:"provider"`
	SessionID   string    `json:"session_id"`
	PaymentID   string    `json:"payment_id"`
	CheckoutURL string    `json:"checkout_url"`
	ExpiresAt   time.Time `json:"expires_at"`

	// Echoed request context, kept so a late webhook can still promote the
	// pending checkout into a subscription.
	UserID   uint              `json:"user_id"`
	PlanID   string            `json:"plan_id"`
	Currency string            `json:"currency"`
	Amount   int64             `json:"amount"`
	Interval string            `json:"interval"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the session's payment window has closed.
func (s *CheckoutSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && s.ExpiresAt.Before(now)
}

// WebhookEvent is the one canonical shape the reconciler accepts. Raw
// provider payloads never cross this boundary.
type WebhookEvent struct {
	Provider       string
	EventID        string
	Type           string
	Success        bool
	SubscriptionID string
	CustomerID     string
	Status         string
	ExpiresAt      *time.Time
	Amount         int64
	Currency       string
	Metadata       map[string]string
}

// SubscriptionStatus is the synchronous reconciliation answer from a
// provider's status query, used when a webhook was missed.
type SubscriptionStatus struct {
	Provider           string
	SubscriptionID     string
	Status             string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
}

// PaymentVerification is the server-side answer for a client-driven success
// callback. Client-supplied state is never trusted directly.
type PaymentVerification struct {
	Provider       string
	PaymentID      string
	Paid           bool
	Amount         int64
	Currency       string
	SubscriptionID string
}
