package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPhonePeProvider(authURL, apiURL string) *PhonePeProvider {
	p := &PhonePeProvider{
		ClientID:      "pp_client",
		ClientSecret:  "pp_secret",
		ClientVersion: "1",
		MerchantID:    "BLOOMWATCH",
		SaltKey:       "salt-key-1",
		SaltIndex:     "1",
		AuthBaseURL:   authURL,
		APIBaseURL:    apiURL,
		HTTPClient:    &http.Client{Timeout: 5 * time.Second},
	}
	p.tokens = newTokenCache(p.fetchToken)
	return p
}

func phonePeVerifyHeader(saltKey, saltIndex string, body []byte) string {
	sum := sha256.Sum256(append(append([]byte{}, body...), []byte(saltKey)...))
	return hex.EncodeToString(sum[:]) + "###" + saltIndex
}

func TestPhonePeVerifyWebhookValidChecksum(t *testing.T) {
	p := newTestPhonePeProvider("", "")
	body := []byte(`{
		"event": "subscription.activated",
		"payload": {
			"merchantOrderId": "gp_order1",
			"subscriptionId": "ppsub_1",
			"state": "COMPLETED",
			"amount": 749900,
			"expireAt": 1790000000000,
			"metaInfo": {"user_id": "42"}
		}
	}`)

	ev, err := p.VerifyWebhook(body, phonePeVerifyHeader(p.SaltKey, p.SaltIndex, body))
	require.NoError(t, err)
	assert.Equal(t, EventSubscriptionActivated, ev.Type)
	assert.True(t, ev.Success)
	assert.Equal(t, "ppsub_1", ev.SubscriptionID)
	assert.Equal(t, "INR", ev.Currency)
	require.NotNil(t, ev.ExpiresAt)
	assert.Equal(t, int64(1790000000), ev.ExpiresAt.Unix())
}

func TestPhonePeVerifyWebhookTamperedBody(t *testing.T) {
	p := newTestPhonePeProvider("", "")
	body := []byte(`{"event":"checkout.order.completed","payload":{"amount":749900}}`)
	header := phonePeVerifyHeader(p.SaltKey, p.SaltIndex, body)

	tampered := []byte(`{"event":"checkout.order.completed","payload":{"amount":1}}`)
	_, err := p.VerifyWebhook(tampered, header)
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrInvalidSignature))
}

func TestPhonePeVerifyWebhookSaltIndexMismatch(t *testing.T) {
	p := newTestPhonePeProvider("", "")
	body := []byte(`{"event":"checkout.order.completed","payload":{}}`)

	_, err := p.VerifyWebhook(body, phonePeVerifyHeader(p.SaltKey, "2", body))
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrInvalidSignature))
}

func TestPhonePeVerifyWebhookMissingSaltOrHeader(t *testing.T) {
	p := newTestPhonePeProvider("", "")
	body := []byte(`{}`)

	_, err := p.VerifyWebhook(body, "")
	assert.True(t, IsKind(err, ErrInvalidSignature))

	noSalt := newTestPhonePeProvider("", "")
	noSalt.SaltKey = ""
	_, err = noSalt.VerifyWebhook(body, phonePeVerifyHeader("salt-key-1", "1", body))
	assert.True(t, IsKind(err, ErrInvalidSignature))
}

func TestPhonePeCanonicalizeEventTaxonomy(t *testing.T) {
	p := newTestPhonePeProvider("", "")

	tests := []struct {
		event    string
		wantType string
	}{
		{"checkout.order.completed", EventPaymentSuccess},
		{"subscription.setup.order.completed", EventSubscriptionActivated},
		{"subscription.activated", EventSubscriptionActivated},
		{"subscription.cancelled", EventSubscriptionCancelled},
		{"subscription.revoked", EventSubscriptionCancelled},
		{"checkout.order.failed", EventUnrecognized},
		{"something.else", EventUnrecognized},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			ev := p.canonicalize(&phonePeCallbackPayload{Event: tt.event})
			assert.Equal(t, tt.wantType, ev.Type)
		})
	}
}

func TestPhonePeCreateCheckoutUsesBearerToken(t *testing.T) {
	var tokenFetches int32
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenFetches, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.FormValue("grant_type"))
		json.NewEncoder(w).Encode(phonePeTokenResponse{
			AccessToken: "tok_abc",
			ExpiresAt:   time.Now().Add(time.Hour).Unix(),
		})
	}))
	defer auth.Close()

	var gotAuth string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(phonePePayResponse{
			OrderID:     "OMO123",
			State:       "PENDING",
			RedirectURL: "https://mercury.phonepe.example/pay/abc",
		})
	}))
	defer api.Close()

	p := newTestPhonePeProvider(auth.URL, api.URL)
	req := CheckoutRequest{
		UserID:      42,
		PlanID:      PlanGardenMonitoring,
		Amount:      749900,
		Currency:    "INR",
		ProductName: "Garden Monitoring",
		ReturnURL:   "https://bloomwatch.example/billing/return",
	}

	session, err := p.CreateCheckout(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "O-Bearer tok_abc", gotAuth)
	assert.Equal(t, "OMO123", session.PaymentID)
	assert.Equal(t, "https://mercury.phonepe.example/pay/abc", session.CheckoutURL)

	// The second call must reuse the cached token.
	_, err = p.CreateCheckout(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenFetches))
}

func TestPhonePeCreateCheckoutRejectsForeignCurrency(t *testing.T) {
	p := newTestPhonePeProvider("", "")
	_, err := p.CreateCheckout(context.Background(), CheckoutRequest{Currency: "EUR"})
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrCurrencyNotSupported))
}

func TestPhonePeGetSubscriptionStatus(t *testing.T) {
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(phonePeTokenResponse{
			AccessToken: "tok_abc",
			ExpiresAt:   time.Now().Add(time.Hour).Unix(),
		})
	}))
	defer auth.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/checkout/v2/order/OMO123/status":
			json.NewEncoder(w).Encode(phonePeStatusResponse{OrderID: "OMO123", State: "COMPLETED", Amount: 749900})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer api.Close()

	p := newTestPhonePeProvider(auth.URL, api.URL)

	status, err := p.GetSubscriptionStatus(context.Background(), "OMO123")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, status.Status)

	_, err = p.GetSubscriptionStatus(context.Background(), "OMO999")
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrSubscriptionNotFound))

	v, err := p.VerifyPayment(context.Background(), "OMO123")
	require.NoError(t, err)
	assert.True(t, v.Paid)
	assert.Equal(t, int64(749900), v.Amount)
}
