package payment

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bloomwatch/gardenpay/app/models"
	"github.com/bloomwatch/gardenpay/internal/pkg/env"
)

const (
	defaultPhonePeAuthBaseURL = "https://api.phonepe.com/apis/identity-manager"
	defaultPhonePeAPIBaseURL  = "https://api.phonepe.com/apis/pg"
)

// phonePeOrderExpiry is requested client-side for each checkout order.
const phonePeOrderExpiry = 30 * time.Minute

// PhonePeProvider is the UPI-first gateway alternative for India. Unlike the
// static-secret adapters it authenticates API calls with a short-lived
// bearer token exchanged from client credentials; the token is shared
// process-wide through a single-flight cache.
type PhonePeProvider struct {
	ClientID      string
	ClientSecret  string
	ClientVersion string
	MerchantID    string
	SaltKey       string
	SaltIndex     string

	AuthBaseURL string
	APIBaseURL  string

	HTTPClient *http.Client
	tokens     *tokenCache
}

func NewPhonePeProviderFromEnv() (*PhonePeProvider, error) {
	clientID := strings.TrimSpace(env.GetEnv("PHONEPE_CLIENT_ID", ""))
	clientSecret := strings.TrimSpace(env.GetEnv("PHONEPE_CLIENT_SECRET", ""))
	merchantID := strings.TrimSpace(env.GetEnv("PHONEPE_MERCHANT_ID", ""))
	if clientID == "" || clientSecret == "" || merchantID == "" {
		return nil, NewError(ErrProvider, models.ProviderPhonePe, "PHONEPE_CLIENT_ID/PHONEPE_CLIENT_SECRET/PHONEPE_MERCHANT_ID are not configured")
	}

	p := &PhonePeProvider{
		ClientID:      clientID,
		ClientSecret:  clientSecret,
		ClientVersion: strings.TrimSpace(env.GetEnv("PHONEPE_CLIENT_VERSION", "1")),
		MerchantID:    merchantID,
		SaltKey:       strings.TrimSpace(env.GetEnv("PHONEPE_SALT_KEY", "")),
		SaltIndex:     strings.TrimSpace(env.GetEnv("PHONEPE_SALT_INDEX", "1")),
		AuthBaseURL:   strings.TrimRight(env.GetEnv("PHONEPE_AUTH_BASE_URL", defaultPhonePeAuthBaseURL), "/"),
		APIBaseURL:    strings.TrimRight(env.GetEnv("PHONEPE_API_BASE_URL", defaultPhonePeAPIBaseURL), "/"),
		HTTPClient:    &http.Client{Timeout: 15 * time.Second},
	}
	p.tokens = newTokenCache(p.fetchToken)
	return p, nil
}

func (p *PhonePeProvider) Name() string { return models.ProviderPhonePe }

func (p *PhonePeProvider) SupportsCurrency(code string) bool {
	return NormalizeCurrency(code) == "INR"
}

func (p *PhonePeProvider) SupportsRegion(code string) bool {
	region := strings.ToUpper(strings.TrimSpace(code))
	return region == "" || region == "IN"
}

type phonePeTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"`
	TokenType   string `json:"token_type"`
}

func (p *PhonePeProvider) fetchToken(ctx context.Context) (string, time.Time, error) {
	form := url.Values{}
	form.Set("client_id", p.ClientID)
	form.Set("client_secret", p.ClientSecret)
	form.Set("client_version", p.ClientVersion)
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.AuthBaseURL+"/v1/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, WrapError(ErrProvider, p.Name(), "build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return "", time.Time{}, WrapError(ErrProvider, p.Name(), "token exchange failed", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", time.Time{}, NewError(ErrProvider, p.Name(), fmt.Sprintf("token exchange: status=%d body=%s", resp.StatusCode, string(body)))
	}

	var out phonePeTokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", time.Time{}, WrapError(ErrProvider, p.Name(), "decode token response", err)
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return "", time.Time{}, NewError(ErrProvider, p.Name(), "token exchange returned empty access_token")
	}
	expiresAt := time.Now().Add(10 * time.Minute)
	if out.ExpiresAt > 0 {
		expiresAt = time.Unix(out.ExpiresAt, 0)
	}
	return out.AccessToken, expiresAt, nil
}

type phonePePayRequest struct {
	MerchantOrderID string            `json:"merchantOrderId"`
	Amount          int64             `json:"amount"`
	ExpireAfter     int64             `json:"expireAfter"`
	MetaInfo        map[string]string `json:"metaInfo,omitempty"`
	PaymentFlow     phonePePayFlow    `json:"paymentFlow"`
}

type phonePePayFlow struct {
	Type         string         `json:"type"`
	Message      string         `json:"message,omitempty"`
	MerchantURLs phonePePayURLs `json:"merchantUrls"`
}

type phonePePayURLs struct {
	RedirectURL string `json:"redirectUrl"`
}

type phonePePayResponse struct {
	OrderID     string `json:"orderId"`
	State       string `json:"state"`
	ExpireAt    int64  `json:"expireAt"`
	RedirectURL string `json:"redirectUrl"`
}

func (p *PhonePeProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if !p.SupportsCurrency(req.Currency) {
		return nil, NewError(ErrCurrencyNotSupported, p.Name(), "phonepe only charges INR")
	}

	merchantOrderID := "gp_" + uuid.NewString()
	meta := map[string]string{
		"user_id": fmt.Sprintf("%d", req.UserID),
		"plan_id": req.PlanID,
	}
	for k, v := range req.Metadata {
		meta[k] = v
	}

	body := phonePePayRequest{
		MerchantOrderID: merchantOrderID,
		Amount:          req.Amount,
		ExpireAfter:     int64(phonePeOrderExpiry.Seconds()),
		MetaInfo:        meta,
		PaymentFlow: phonePePayFlow{
			Type:         "PG_CHECKOUT",
			Message:      req.ProductName,
			MerchantURLs: phonePePayURLs{RedirectURL: req.ReturnURL},
		},
	}

	var out phonePePayResponse
	if err := p.doJSON(ctx, http.MethodPost, "/checkout/v2/pay", body, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.RedirectURL) == "" {
		return nil, NewError(ErrProvider, p.Name(), "pay response missing redirect url")
	}

	expiresAt := time.Now().Add(phonePeOrderExpiry)
	if out.ExpireAt > 0 {
		expiresAt = time.UnixMilli(out.ExpireAt)
	}
	return &CheckoutSession{
		Provider:    p.Name(),
		SessionID:   merchantOrderID,
		PaymentID:   out.OrderID,
		CheckoutURL: out.RedirectURL,
		ExpiresAt:   expiresAt,
		UserID:      req.UserID,
		PlanID:      req.PlanID,
		Currency:    NormalizeCurrency(req.Currency),
		Amount:      req.Amount,
		Interval:    req.Interval,
		Metadata:    req.Metadata,
	}, nil
}

type phonePeCallbackPayload struct {
	Event   string `json:"event"`
	Payload struct {
		MerchantOrderID string            `json:"merchantOrderId"`
		OrderID         string            `json:"orderId"`
		SubscriptionID  string            `json:"subscriptionId"`
		State           string            `json:"state"`
		Amount          int64             `json:"amount"`
		ExpireAt        int64             `json:"expireAt"`
		MetaInfo        map[string]string `json:"metaInfo"`
	} `json:"payload"`
}

// VerifyWebhook checks the X-VERIFY salted checksum over the raw callback
// body: SHA256(body + saltKey) + "###" + saltIndex, compared constant-time.
func (p *PhonePeProvider) VerifyWebhook(body []byte, signatureHeader string) (*WebhookEvent, error) {
	sig := strings.TrimSpace(signatureHeader)
	if p.SaltKey == "" || sig == "" {
		return nil, NewError(ErrInvalidSignature, p.Name(), "missing salt key or X-VERIFY header")
	}

	parts := strings.SplitN(sig, "###", 2)
	givenDigest, err := hex.DecodeString(strings.ToLower(parts[0]))
	if err != nil {
		return nil, NewError(ErrInvalidSignature, p.Name(), "X-VERIFY digest is not hex")
	}
	sum := sha256.Sum256(append(append([]byte{}, body...), []byte(p.SaltKey)...))
	if subtle.ConstantTimeCompare(sum[:], givenDigest) != 1 {
		return nil, NewError(ErrInvalidSignature, p.Name(), "X-VERIFY mismatch")
	}
	if len(parts) == 2 && strings.TrimSpace(parts[1]) != p.SaltIndex {
		return nil, NewError(ErrInvalidSignature, p.Name(), "X-VERIFY salt index mismatch")
	}

	var raw phonePeCallbackPayload
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, WrapError(ErrProvider, p.Name(), "callback payload is not valid json", err)
	}
	return p.canonicalize(&raw), nil
}

func (p *PhonePeProvider) canonicalize(raw *phonePeCallbackPayload) *WebhookEvent {
	ev := &WebhookEvent{Provider: p.Name(), Status: StatusUnknown}

	switch strings.ToLower(strings.TrimSpace(raw.Event)) {
	case "checkout.order.completed":
		ev.Type = EventPaymentSuccess
		ev.Success = true
		ev.Status = StatusActive
	case "subscription.setup.order.completed", "subscription.activated":
		ev.Type = EventSubscriptionActivated
		ev.Success = true
		ev.Status = StatusActive
	case "subscription.cancelled", "subscription.revoked":
		ev.Type = EventSubscriptionCancelled
		ev.Status = StatusCanceled
	case "checkout.order.failed":
		ev.Type = EventUnrecognized
		ev.Status = StatusPending
		return ev
	default:
		ev.Type = EventUnrecognized
		return ev
	}

	pl := raw.Payload
	ev.SubscriptionID = strings.TrimSpace(pl.SubscriptionID)
	if ev.SubscriptionID == "" {
		ev.SubscriptionID = strings.TrimSpace(pl.MerchantOrderID)
	}
	ev.Amount = pl.Amount
	ev.Currency = "INR"
	ev.Metadata = pl.MetaInfo
	if pl.ExpireAt > 0 {
		t := time.UnixMilli(pl.ExpireAt)
		ev.ExpiresAt = &t
	}
	return ev
}

type phonePeStatusResponse struct {
	OrderID  string `json:"orderId"`
	State    string `json:"state"`
	Amount   int64  `json:"amount"`
	ExpireAt int64  `json:"expireAt"`
}

func (p *PhonePeProvider) GetSubscriptionStatus(ctx context.Context, providerSubscriptionID string) (*SubscriptionStatus, error) {
	id := strings.TrimSpace(providerSubscriptionID)
	if id == "" {
		return nil, NewError(ErrSubscriptionNotFound, p.Name(), "order id is required")
	}
	var out phonePeStatusResponse
	if err := p.doJSON(ctx, http.MethodGet, "/checkout/v2/order/"+id+"/status", nil, &out); err != nil {
		return nil, err
	}

	status := &SubscriptionStatus{Provider: p.Name(), SubscriptionID: id}
	switch strings.ToUpper(out.State) {
	case "COMPLETED":
		status.Status = StatusActive
	case "PENDING", "CREATED":
		status.Status = StatusPending
	case "FAILED", "EXPIRED", "CANCELLED":
		status.Status = StatusCanceled
	default:
		status.Status = StatusUnknown
	}
	return status, nil
}

func (p *PhonePeProvider) VerifyPayment(ctx context.Context, paymentID string) (*PaymentVerification, error) {
	id := strings.TrimSpace(paymentID)
	if id == "" {
		return nil, NewError(ErrProvider, p.Name(), "order id is required")
	}
	var out phonePeStatusResponse
	if err := p.doJSON(ctx, http.MethodGet, "/checkout/v2/order/"+id+"/status", nil, &out); err != nil {
		return nil, err
	}
	return &PaymentVerification{
		Provider:  p.Name(),
		PaymentID: id,
		Paid:      strings.EqualFold(out.State, "COMPLETED"),
		Amount:    out.Amount,
		Currency:  "INR",
	}, nil
}

func (p *PhonePeProvider) doJSON(ctx context.Context, method, path string, in, out any) error {
	token, err := p.tokens.Token(ctx)
	if err != nil {
		return err
	}

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
	req.Header.Set("Authorization", "O-Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return WrapError(ErrProvider, p.Name(), "phonepe request failed", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusUnauthorized {
		p.tokens.Invalidate()
	}
	if resp.StatusCode == http.StatusNotFound {
		return NewError(ErrSubscriptionNotFound, p.Name(), "phonepe order not found")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return NewError(ErrProvider, p.Name(), fmt.Sprintf("phonepe %s %s: status=%d body=%s", method, path, resp.StatusCode, string(data)))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return WrapError(ErrProvider, p.Name(), "decode response", err)
		}
	}
	return nil
}
