package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bloomwatch/gardenpay/app/models"
	"github.com/bloomwatch/gardenpay/internal/pkg/env"
)

const defaultRazorpayAPIBaseURL = "https://api.razorpay.com/v1"

// razorpayLinkExpiry is the payment-link window we request client-side.
const razorpayLinkExpiry = 30 * time.Minute

// RazorpayProvider is the regional instrument gateway (UPI, netbanking,
// cards) for India. Authentication is a static key pair via basic auth.
type RazorpayProvider struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	APIBaseURL    string

	HTTPClient *http.Client
}

// NewRazorpayProviderFromEnv builds the adapter from environment credentials.
// Incomplete credentials are an error so the registry can drop the provider.
func NewRazorpayProviderFromEnv() (*RazorpayProvider, error) {
	keyID := strings.TrimSpace(env.GetEnv("RAZORPAY_KEY_ID", ""))
	keySecret := strings.TrimSpace(env.GetEnv("RAZORPAY_KEY_SECRET", ""))
	if keyID == "" || keySecret == "" {
		return nil, NewError(ErrProvider, models.ProviderRazorpay, "RAZORPAY_KEY_ID/RAZORPAY_KEY_SECRET are not configured")
	}
	return &RazorpayProvider{
		KeyID:         keyID,
		KeySecret:     keySecret,
		WebhookSecret: strings.TrimSpace(env.GetEnv("RAZORPAY_WEBHOOK_SECRET", "")),
		APIBaseURL:    strings.TrimRight(env.GetEnv("RAZORPAY_API_BASE_URL", defaultRazorpayAPIBaseURL), "/"),
		HTTPClient:    &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (p *RazorpayProvider) Name() string { return models.ProviderRazorpay }

func (p *RazorpayProvider) SupportsCurrency(code string) bool {
	return NormalizeCurrency(code) == "INR"
}

func (p *RazorpayProvider) SupportsRegion(code string) bool {
	region := strings.ToUpper(strings.TrimSpace(code))
	return region == "" || region == "IN"
}

type razorpayLinkRequest struct {
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	AcceptPartial bool              `json:"accept_partial"`
	ReferenceID   string            `json:"reference_id"`
	Description   string            `json:"description"`
	Customer      razorpayCustomer  `json:"customer"`
	CallbackURL   string            `json:"callback_url,omitempty"`
	CallbackMeth  string            `json:"callback_method,omitempty"`
	ExpireBy      int64             `json:"expire_by"`
	Notes         map[string]string `json:"notes,omitempty"`
}

type razorpayCustomer struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type razorpayLinkResponse struct {
	ID       string `json:"id"`
	ShortURL string `json:"short_url"`
	Status   string `json:"status"`
	ExpireBy int64  `json:"expire_by"`
}

func (p *RazorpayProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if !p.SupportsCurrency(req.Currency) {
		return nil, NewError(ErrCurrencyNotSupported, p.Name(), "razorpay only charges INR")
	}

	// Reference id is generated client-side so a retried create never
	// produces a second charge for the same attempt.
	referenceID := "gp_" + uuid.NewString()
	expireBy := time.Now().Add(razorpayLinkExpiry)

	notes := map[string]string{
		"user_id": fmt.Sprintf("%d", req.UserID),
		"plan_id": req.PlanID,
	}
	for k, v := range req.Metadata {
		notes[k] = v
	}

	body := razorpayLinkRequest{
		Amount:       req.Amount,
		Currency:     NormalizeCurrency(req.Currency),
		ReferenceID:  referenceID,
		Description:  req.ProductName,
		Customer:     razorpayCustomer{Name: req.CustomerName, Email: req.CustomerEmail},
		CallbackURL:  req.ReturnURL,
		CallbackMeth: "get",
		ExpireBy:     expireBy.Unix(),
		Notes:        notes,
	}

	var out razorpayLinkResponse
	if err := p.doJSON(ctx, http.MethodPost, "/payment_links", body, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.ID) == "" || strings.TrimSpace(out.ShortURL) == "" {
		return nil, NewError(ErrProvider, p.Name(), "payment link response missing id or url")
	}

	expiresAt := expireBy
	if out.ExpireBy > 0 {
		expiresAt = time.Unix(out.ExpireBy, 0)
	}
	return &CheckoutSession{
		Provider:    p.Name(),
		SessionID:   referenceID,
		PaymentID:   out.ID,
		CheckoutURL: out.ShortURL,
		ExpiresAt:   expiresAt,
		UserID:      req.UserID,
		PlanID:      req.PlanID,
		Currency:    NormalizeCurrency(req.Currency),
		Amount:      req.Amount,
		Interval:    req.Interval,
		Metadata:    req.Metadata,
	}, nil
}

type razorpayWebhookPayload struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID       string            `json:"id"`
				Amount   int64             `json:"amount"`
				Currency string            `json:"currency"`
				Status   string            `json:"status"`
				Notes    map[string]string `json:"notes"`
			} `json:"entity"`
		} `json:"payment"`
		Subscription struct {
			Entity struct {
				ID         string            `json:"id"`
				Status     string            `json:"status"`
				CustomerID string            `json:"customer_id"`
				CurrentEnd int64             `json:"current_end"`
				Notes      map[string]string `json:"notes"`
			} `json:"entity"`
		} `json:"subscription"`
	} `json:"payload"`
	CreatedAt int64 `json:"created_at"`
}

// VerifyWebhook recomputes the X-Razorpay-Signature HMAC-SHA256 over the raw
// body and only then interprets the payload.
func (p *RazorpayProvider) VerifyWebhook(body []byte, signatureHeader string) (*WebhookEvent, error) {
	sig := strings.TrimSpace(signatureHeader)
	if p.WebhookSecret == "" || sig == "" {
		return nil, NewError(ErrInvalidSignature, p.Name(), "missing webhook secret or signature")
	}
	expected, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return nil, NewError(ErrInvalidSignature, p.Name(), "signature is not hex")
	}
	mac := hmac.New(sha256.New, []byte(p.WebhookSecret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), expected) {
		return nil, NewError(ErrInvalidSignature, p.Name(), "signature mismatch")
	}

	var raw razorpayWebhookPayload
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, WrapError(ErrProvider, p.Name(), "webhook payload is not valid json", err)
	}
	return p.canonicalize(&raw), nil
}

func (p *RazorpayProvider) canonicalize(raw *razorpayWebhookPayload) *WebhookEvent {
	ev := &WebhookEvent{Provider: p.Name(), Status: StatusUnknown}

	sub := raw.Payload.Subscription.Entity
	pay := raw.Payload.Payment.Entity

	switch strings.ToLower(strings.TrimSpace(raw.Event)) {
	case "payment.captured":
		ev.Type = EventPaymentSuccess
		ev.Success = true
		ev.Status = StatusActive
	case "subscription.activated", "subscription.authenticated":
		ev.Type = EventSubscriptionActivated
		ev.Success = true
		ev.Status = StatusActive
	case "subscription.charged":
		// Renewal charge on an existing mandate.
		ev.Type = EventPaymentSuccess
		ev.Success = true
		ev.Status = StatusActive
	case "subscription.cancelled", "subscription.completed", "subscription.expired":
		ev.Type = EventSubscriptionCancelled
		ev.Status = StatusCanceled
	default:
		ev.Type = EventUnrecognized
		return ev
	}

	ev.SubscriptionID = strings.TrimSpace(sub.ID)
	ev.CustomerID = strings.TrimSpace(sub.CustomerID)
	ev.Amount = pay.Amount
	ev.Currency = NormalizeCurrency(pay.Currency)
	if sub.CurrentEnd > 0 {
		t := time.Unix(sub.CurrentEnd, 0)
		ev.ExpiresAt = &t
	}
	ev.Metadata = mergeNotes(sub.Notes, pay.Notes)
	// Payment-only events correlate through the payment link reference id.
	if ev.SubscriptionID == "" {
		if ref := ev.Metadata["reference_id"]; ref != "" {
			ev.SubscriptionID = ref
		} else {
			ev.SubscriptionID = strings.TrimSpace(pay.ID)
		}
	}
	return ev
}

func mergeNotes(maps ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, m := range maps {
		for k, v := range m {
			if v != "" {
				out[k] = v
			}
		}
	}
	return out
}

type razorpaySubscriptionResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	CurrentStart int64  `json:"current_start"`
	CurrentEnd   int64  `json:"current_end"`
}

func (p *RazorpayProvider) GetSubscriptionStatus(ctx context.Context, providerSubscriptionID string) (*SubscriptionStatus, error) {
	id := strings.TrimSpace(providerSubscriptionID)
	if id == "" {
		return nil, NewError(ErrSubscriptionNotFound, p.Name(), "subscription id is required")
	}
	var out razorpaySubscriptionResponse
	if err := p.doJSON(ctx, http.MethodGet, "/subscriptions/"+id, nil, &out); err != nil {
		return nil, err
	}

	status := &SubscriptionStatus{Provider: p.Name(), SubscriptionID: out.ID}
	switch strings.ToLower(out.Status) {
	case "active", "authenticated":
		status.Status = StatusActive
	case "created", "pending":
		status.Status = StatusPending
	case "cancelled", "completed", "expired", "halted":
		status.Status = StatusCanceled
	default:
		status.Status = StatusUnknown
	}
	if out.CurrentStart > 0 {
		t := time.Unix(out.CurrentStart, 0)
		status.CurrentPeriodStart = &t
	}
	if out.CurrentEnd > 0 {
		t := time.Unix(out.CurrentEnd, 0)
		status.CurrentPeriodEnd = &t
	}
	return status, nil
}

type razorpayPaymentResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (p *RazorpayProvider) VerifyPayment(ctx context.Context, paymentID string) (*PaymentVerification, error) {
	id := strings.TrimSpace(paymentID)
	if id == "" {
		return nil, NewError(ErrProvider, p.Name(), "payment id is required")
	}
	var out razorpayPaymentResponse
	if err := p.doJSON(ctx, http.MethodGet, "/payments/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &PaymentVerification{
		Provider:  p.Name(),
		PaymentID: out.ID,
		Paid:      strings.EqualFold(out.Status, "captured"),
		Amount:    out.Amount,
		Currency:  NormalizeCurrency(out.Currency),
	}, nil
}

// RevokeMandate cancels the recurring subscription on Razorpay's side.
func (p *RazorpayProvider) RevokeMandate(ctx context.Context, providerSubscriptionID string) error {
	id := strings.TrimSpace(providerSubscriptionID)
	if id == "" {
		return NewError(ErrSubscriptionNotFound, p.Name(), "subscription id is required")
	}
	return p.doJSON(ctx, http.MethodPost, "/subscriptions/"+id+"/cancel", map[string]any{"cancel_at_cycle_end": 0}, &struct{}{})
}

func (p *RazorpayProvider) doJSON(ctx context.Context, method, path string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return WrapError(ErrProvider, p.Name(), "encode request", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.APIBaseURL+path, reqBody)
	if err != nil {
		return WrapError(ErrProvider, p.Name(), "build request", err)
	}
	req.SetBasicAuth(p.KeyID, p.KeySecret)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return WrapError(ErrProvider, p.Name(), "razorpay request failed", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusNotFound {
		return NewError(ErrSubscriptionNotFound, p.Name(), "razorpay entity not found")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return NewError(ErrProvider, p.Name(), fmt.Sprintf("razorpay %s %s: status=%d body=%s", method, path, resp.StatusCode, string(data)))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return WrapError(ErrProvider, p.Name(), "decode response", err)
		}
	}
	return nil
}
