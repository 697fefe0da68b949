package payment

import (
	"context"
	"fmt"
	"log"
	"time"
)

// checkoutAttemptTimeout bounds a single provider create call so a hung
// gateway degrades into a fallback attempt instead of a stuck request.
const checkoutAttemptTimeout = 20 * time.Second

// ActiveSubscriptionChecker answers the already-subscribed guard. The check
// must be race-free per user (a locked read-check on the durable row).
type ActiveSubscriptionChecker interface {
	HasActiveSubscription(ctx context.Context, userID uint, planID string) (bool, error)
}

// CheckoutOrchestrator turns a checkout request into a provider-hosted
// session: capability-filtered provider selection, one fallback attempt,
// and a persisted pending session for later webhook correlation.
type CheckoutOrchestrator struct {
	registry *Registry
	sessions SessionStore
	guard    ActiveSubscriptionChecker
}

func NewCheckoutOrchestrator(registry *Registry, sessions SessionStore, guard ActiveSubscriptionChecker) *CheckoutOrchestrator {
	return &CheckoutOrchestrator{registry: registry, sessions: sessions, guard: guard}
}

// CreateCheckout resolves pricing, selects a provider and opens a session.
// The already-subscribed guard runs before any provider call; a second
// active checkout for the same plan never reaches a gateway.
func (o *CheckoutOrchestrator) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if o.guard != nil {
		active, err := o.guard.HasActiveSubscription(ctx, req.UserID, req.PlanID)
		if err != nil {
			return nil, WrapError(ErrProvider, "", "subscription lookup failed", err)
		}
		if active {
			return nil, NewError(ErrAlreadySubscribed, "", "user already has an active subscription for this plan")
		}
	}

	amount, err := ResolvePrice(req.PlanID, req.Currency)
	if err != nil {
		return nil, err
	}
	req.Amount = amount
	req.Currency = NormalizeCurrency(req.Currency)
	if req.ProductName == "" {
		req.ProductName = req.PlanID
	}

	candidates := o.registry.CandidatesFor(req.Currency, req.Region)
	if len(candidates) == 0 {
		return nil, NewError(ErrCurrencyNotSupported, "", fmt.Sprintf("no configured provider supports %s/%s", req.Currency, req.Region))
	}

	session, firstErr := o.attempt(ctx, candidates[0], req)
	if firstErr == nil {
		return session, nil
	}
	// A currency rejection is fatal for the request, not a provider fault;
	// the remaining candidates were filtered on the same capability, so a
	// retry is guaranteed to fail for the same reason.
	if IsKind(firstErr, ErrCurrencyNotSupported) {
		return nil, firstErr
	}
	log.Printf("[payment] checkout via %s failed, trying fallback: %v", candidates[0].Name(), firstErr)

	if len(candidates) < 2 {
		return nil, firstErr
	}
	session, secondErr := o.attempt(ctx, candidates[1], req)
	if secondErr == nil {
		return session, nil
	}
	// Surface both failures; swallowing the first would hide the primary
	// outage from operators.
	return nil, WrapError(ErrProvider, candidates[1].Name(),
		fmt.Sprintf("all providers failed: %s (%v); %s (%v)",
			candidates[0].Name(), firstErr, candidates[1].Name(), secondErr),
		secondErr)
}

func (o *CheckoutOrchestrator) attempt(ctx context.Context, provider Provider, req CheckoutRequest) (*CheckoutSession, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, checkoutAttemptTimeout)
	defer cancel()

	session, err := provider.CreateCheckout(attemptCtx, req)
	if err != nil {
		return nil, err
	}
	if o.sessions != nil {
		if err := o.sessions.Save(ctx, session); err != nil {
			// The provider session exists either way; losing the local copy
			// only degrades late-webhook correlation, so log and continue.
			log.Printf("[payment] session store save failed for %s/%s: %v", session.Provider, session.SessionID, err)
		}
	}
	return session, nil
}
