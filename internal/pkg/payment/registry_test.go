package payment

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider is a scriptable adapter used by registry and orchestrator
// tests.
type fakeProvider struct {
	name       string
	currencies map[string]bool
	regions    map[string]bool

	checkoutCalls int
	checkoutErr   error
	session       *CheckoutSession

	verifyErr    error
	verification *PaymentVerification
	status       *SubscriptionStatus
	statusErr    error
	webhookEvent *WebhookEvent

	revokeCalls int
	revokeErr   error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) SupportsCurrency(code string) bool {
	return f.currencies[NormalizeCurrency(code)]
}

func (f *fakeProvider) SupportsRegion(code string) bool {
	if f.regions == nil {
		return true
	}
	return f.regions[code]
}

func (f *fakeProvider) CreateCheckout(_ context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	f.checkoutCalls++
	if f.checkoutErr != nil {
		return nil, f.checkoutErr
	}
	if f.session != nil {
		return f.session, nil
	}
	return &CheckoutSession{
		Provider:    f.name,
		SessionID:   "sess_" + f.name,
		CheckoutURL: "https://pay.example/" + f.name,
		UserID:      req.UserID,
		PlanID:      req.PlanID,
		Currency:    req.Currency,
		Amount:      req.Amount,
		Interval:    req.Interval,
	}, nil
}

func (f *fakeProvider) VerifyWebhook([]byte, string) (*WebhookEvent, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return f.webhookEvent, nil
}

func (f *fakeProvider) GetSubscriptionStatus(context.Context, string) (*SubscriptionStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.status, nil
}

func (f *fakeProvider) VerifyPayment(context.Context, string) (*PaymentVerification, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return f.verification, nil
}

func (f *fakeProvider) RevokeMandate(context.Context, string) error {
	f.revokeCalls++
	return f.revokeErr
}

func registerFake(r *Registry, p *fakeProvider) {
	r.Register(p.name, func() (Provider, error) { return p, nil })
}

func TestRegistryCandidatesCapabilityFilter(t *testing.T) {
	r := NewRegistry("")
	registerFake(r, &fakeProvider{name: "alpha", currencies: map[string]bool{"USD": true, "INR": true}})
	registerFake(r, &fakeProvider{name: "beta", currencies: map[string]bool{"INR": true}, regions: map[string]bool{"IN": true}})

	usd := r.CandidatesFor("USD", "")
	require.Len(t, usd, 1)
	assert.Equal(t, "alpha", usd[0].Name())

	inr := r.CandidatesFor("INR", "IN")
	require.Len(t, inr, 2)

	// Nobody charges JPY; the slice is empty rather than a guessed provider.
	assert.Empty(t, r.CandidatesFor("JPY", ""))
	assert.Nil(t, r.OptimalProvider("JPY", ""))
}

func TestRegistryPrimaryPreference(t *testing.T) {
	r := NewRegistry("beta")
	registerFake(r, &fakeProvider{name: "alpha", currencies: map[string]bool{"INR": true}})
	registerFake(r, &fakeProvider{name: "beta", currencies: map[string]bool{"INR": true}})

	candidates := r.CandidatesFor("INR", "")
	require.Len(t, candidates, 2)
	assert.Equal(t, "beta", candidates[0].Name())
	assert.Equal(t, "alpha", candidates[1].Name())
	assert.Equal(t, "beta", r.OptimalProvider("INR", "").Name())
}

func TestRegistryFallbackOrderIsRegistrationOrder(t *testing.T) {
	r := NewRegistry("")
	registerFake(r, &fakeProvider{name: "first", currencies: map[string]bool{"USD": true}})
	registerFake(r, &fakeProvider{name: "second", currencies: map[string]bool{"USD": true}})

	candidates := r.CandidatesFor("USD", "")
	require.Len(t, candidates, 2)
	assert.Equal(t, "first", candidates[0].Name())
	assert.Equal(t, "second", candidates[1].Name())
}

func TestRegistryFailedFactoryIsRemoved(t *testing.T) {
	calls := 0
	r := NewRegistry("")
	r.Register("broken", func() (Provider, error) {
		calls++
		return nil, errors.New("credentials missing")
	})
	registerFake(r, &fakeProvider{name: "working", currencies: map[string]bool{"USD": true}})

	assert.Nil(t, r.ByName("broken"))
	assert.Nil(t, r.ByName("broken"))
	// The factory runs once; the failure is remembered.
	assert.Equal(t, 1, calls)

	assert.Equal(t, []string{"working"}, r.AvailableProviders())

	candidates := r.CandidatesFor("USD", "")
	require.Len(t, candidates, 1)
	assert.Equal(t, "working", candidates[0].Name())
}

func TestRegistryByNameUnknown(t *testing.T) {
	r := NewRegistry("")
	assert.Nil(t, r.ByName("does-not-exist"))
	assert.Nil(t, r.ByName(""))
}
