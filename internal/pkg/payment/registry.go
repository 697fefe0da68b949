package payment

import (
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/bloomwatch/gardenpay/app/models"
	"github.com/bloomwatch/gardenpay/internal/pkg/env"
)

// ProviderFactory builds an adapter from its out-of-band credentials. A
// factory error means the provider is simply absent, never a crash: partial
// provider availability is the expected steady state.
type ProviderFactory func() (Provider, error)

// Registry holds the configured adapters and answers capability queries.
// Adapters instantiate lazily on first use; a failed instantiation removes
// the provider from the available set.
type Registry struct {
	mu        sync.Mutex
	order     []string
	factories map[string]ProviderFactory
	providers map[string]Provider
	failed    map[string]bool
	primary   string
}

// NewRegistry creates an empty registry. The primary name is the configured
// tie-break for provider selection; it is preferred whenever it survives the
// capability filter.
func NewRegistry(primary string) *Registry {
	return &Registry{
		factories: make(map[string]ProviderFactory),
		providers: make(map[string]Provider),
		failed:    make(map[string]bool),
		primary:   strings.ToLower(strings.TrimSpace(primary)),
	}
}

// NewRegistryFromEnv registers every known adapter factory. Which of them
// actually materialize depends on the credentials present at runtime.
func NewRegistryFromEnv() *Registry {
	r := NewRegistry(env.GetEnv("PAYMENT_PRIMARY_PROVIDER", models.ProviderStripe))
	r.Register(models.ProviderStripe, func() (Provider, error) { return NewStripeProviderFromEnv() })
	r.Register(models.ProviderRazorpay, func() (Provider, error) { return NewRazorpayProviderFromEnv() })
	r.Register(models.ProviderPhonePe, func() (Provider, error) { return NewPhonePeProviderFromEnv() })
	return r
}

// Register adds a factory under a provider name, keeping registration order
// as the fallback ordering for selection.
func (r *Registry) Register(name string, factory ProviderFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; !exists {
		r.order = append(r.order, name)
	}
	r.factories[name] = factory
}

// get lazily instantiates the named adapter; one failure marks it
// permanently unavailable for this process.
func (r *Registry) get(name string) Provider {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.providers[name]; ok {
		return p
	}
	if r.failed[name] {
		return nil
	}
	factory, ok := r.factories[name]
	if !ok {
		return nil
	}
	p, err := factory()
	if err != nil {
		log.Printf("[payment] provider %s unavailable: %v", name, err)
		r.failed[name] = true
		return nil
	}
	r.providers[name] = p
	return p
}

// ByName returns the adapter for a webhook route, or nil when the provider
// is unknown or unconfigured.
func (r *Registry) ByName(name string) Provider {
	return r.get(strings.ToLower(strings.TrimSpace(name)))
}

// AvailableProviders lists the names that instantiate successfully, sorted
// for stable output.
func (r *Registry) AvailableProviders() []string {
	var names []string
	for _, name := range r.names() {
		if r.get(name) != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// CandidatesFor returns every available adapter supporting the currency and
// region, configured primary first, remaining in registration order. The
// checkout fallback walks this slice; it never blindly iterates providers
// that are guaranteed to fail the capability check.
func (r *Registry) CandidatesFor(currency, region string) []Provider {
	var candidates []Provider
	for _, name := range r.names() {
		p := r.get(name)
		if p == nil || !p.SupportsCurrency(currency) || !p.SupportsRegion(region) {
			continue
		}
		if name == r.primary {
			candidates = append([]Provider{p}, candidates...)
		} else {
			candidates = append(candidates, p)
		}
	}
	return candidates
}

// OptimalProvider picks the preferred adapter for a checkout, or nil when no
// configured provider covers the currency/region pair.
func (r *Registry) OptimalProvider(currency, region string) Provider {
	candidates := r.CandidatesFor(currency, region)
	if len(candidates) == 0 {
		return nil
	}
	return candidates[0]
}

func (r *Registry) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}
