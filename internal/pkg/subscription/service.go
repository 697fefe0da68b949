package subscription

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/bloomwatch/gardenpay/app/models"
	"github.com/bloomwatch/gardenpay/internal/pkg/payment"
)

// ProviderSource resolves adapter instances for the verification and
// mandate-revocation paths. Satisfied by *payment.Registry.
type ProviderSource interface {
	ByName(name string) payment.Provider
}

// Service reconciles canonical webhook events into the durable subscription
// record under the pending -> active -> canceled state machine.
type Service struct {
	repo      Repository
	sessions  payment.SessionStore
	providers ProviderSource
}

func NewService(repo Repository, sessions payment.SessionStore, providers ProviderSource) *Service {
	return &Service{repo: repo, sessions: sessions, providers: providers}
}

// HasActiveSubscription is the already-subscribed guard used by the checkout
// orchestrator before any provider call. The check takes the row lock, so two
// concurrent checkouts for the same user and plan serialize on the guard
// instead of both passing.
func (s *Service) HasActiveSubscription(ctx context.Context, userID uint, planID string) (bool, error) {
	active := false
	err := s.repo.WithContext(ctx).InTransaction(func(tx Repository) error {
		sub, err := tx.FindByUserAndPlanForUpdate(userID, planID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		active = sub.IsActiveAt(time.Now())
		return nil
	})
	return active, err
}

// GetForUser returns the user's subscription for a plan with lazy expiry
// applied to the reported status. Read-only.
func (s *Service) GetForUser(ctx context.Context, userID uint, planID string) (*models.Subscription, error) {
	sub, err := s.repo.WithContext(ctx).FindByUserAndPlan(userID, planID)
	if err != nil {
		return nil, err
	}
	sub.Status = sub.EffectiveStatus(time.Now())
	return sub, nil
}

// RecordWebhookEvent persists a delivery idempotently. A delivery without a
// provider event id is keyed by a payload hash, in which case an identical
// redelivery is still recognized as a duplicate. Signature-rejected
// deliveries are kept under a separate key space: an attacker replaying a
// captured event id with a bad signature must not shadow the provider's
// authentic delivery of that id.
func (s *Service) RecordWebhookEvent(ctx context.Context, provider, eventID, eventType, subscriptionID string, payload []byte, signatureValid bool) (bool, *models.WebhookEvent, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	id := strings.TrimSpace(eventID)
	if id == "" {
		sum := sha256.Sum256(payload)
		id = "hash:" + hex.EncodeToString(sum[:])
	}
	if !signatureValid {
		id = "rejected:" + id
	}

	event := &models.WebhookEvent{
		Provider:        provider,
		ProviderEventID: id,
		EventType:       strings.TrimSpace(eventType),
		SubscriptionID:  strings.TrimSpace(subscriptionID),
		PayloadJSON:     string(payload),
		SignatureValid:  signatureValid,
	}
	return s.repo.WithContext(ctx).CreateWebhookEventIfNotExists(event)
}

// MarkWebhookProcessed stamps an event as handled, with the optional error
// kept for operator follow-up.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error {
	if webhookEventID == 0 {
		return errors.New("webhook event id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.WithContext(ctx).MarkWebhookProcessed(webhookEventID, errMsg)
}

// ApplyEvent applies one verified canonical event to the durable record.
// The whole transition runs in a transaction with a row lock on the
// subscription, so duplicate or concurrent deliveries serialize instead of
// double-extending the period.
func (s *Service) ApplyEvent(ctx context.Context, ev *payment.WebhookEvent) error {
	if ev == nil || ev.Type == payment.EventUnrecognized {
		return nil
	}
	subID := strings.TrimSpace(ev.SubscriptionID)
	if subID == "" {
		log.Printf("[subscription] %s event %s carries no subscription id, skipping", ev.Provider, ev.Type)
		return nil
	}

	return s.repo.WithContext(ctx).InTransaction(func(tx Repository) error {
		sub, err := tx.FindByProviderSubscriptionIDForUpdate(ev.Provider, subID)
		if errors.Is(err, ErrNotFound) {
			sub, err = s.promotePendingCheckout(ctx, tx, ev)
			if err != nil {
				return err
			}
			if sub == nil {
				// No correlating unexpired checkout: a stray delivery for a
				// subscription this process never opened. Acknowledge and log.
				log.Printf("[subscription] no record or pending checkout for %s/%s (event %s), ignoring", ev.Provider, subID, ev.Type)
				return nil
			}
		} else if err != nil {
			return err
		}

		// Renewal idempotency: the same provider event never applies twice.
		if ev.EventID != "" && sub.LastEventID == ev.EventID {
			return nil
		}

		switch ev.Type {
		case payment.EventPaymentSuccess, payment.EventSubscriptionActivated:
			return s.applyActivation(tx, sub, ev)
		case payment.EventSubscriptionCancelled:
			return s.applyCancellation(tx, sub, ev)
		default:
			return nil
		}
	})
}

func (s *Service) applyActivation(tx Repository, sub *models.Subscription, ev *payment.WebhookEvent) error {
	// canceled is terminal per provider subscription id: a replayed
	// activation never resurrects it. Only a fresh checkout (new provider
	// subscription id) starts over.
	if sub.Status == models.SubscriptionStatusCanceled {
		log.Printf("[subscription] ignoring %s for canceled %s/%s", ev.Type, sub.Provider, sub.ProviderSubscriptionID)
		return nil
	}
	if !ev.Success {
		return nil
	}

	now := time.Now()
	start := now
	if sub.CurrentPeriodStart != nil && sub.Status == models.SubscriptionStatusActive {
		start = *sub.CurrentPeriodStart
	}

	var end time.Time
	switch {
	case ev.ExpiresAt != nil:
		end = *ev.ExpiresAt
	case sub.Status == models.SubscriptionStatusActive && sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.After(now):
		// Renewal without explicit dates extends from the current period
		// end, not from now, so early renewals are not shortened.
		end = addInterval(*sub.CurrentPeriodEnd, sub.BillingInterval)
		start = *sub.CurrentPeriodStart
	default:
		end = addInterval(now, sub.BillingInterval)
	}

	sub.Status = models.SubscriptionStatusActive
	sub.CurrentPeriodStart = &start
	sub.CurrentPeriodEnd = &end
	if ev.Amount > 0 {
		sub.Amount = ev.Amount
	}
	if ev.Currency != "" {
		sub.Currency = ev.Currency
	}
	sub.LastEventID = ev.EventID
	return tx.Save(sub)
}

func (s *Service) applyCancellation(tx Repository, sub *models.Subscription, ev *payment.WebhookEvent) error {
	if sub.Status == models.SubscriptionStatusCanceled {
		return nil
	}
	sub.Status = models.SubscriptionStatusCanceled
	sub.LastEventID = ev.EventID
	return tx.Save(sub)
}

// promotePendingCheckout handles late delivery: a webhook for an unknown
// subscription id is not an error when it correlates to a pending checkout
// session that has not expired; it creates the record instead of dropping.
// A user who canceled and checks out again still owns a (user, plan) row, so
// the promotion upserts: the surviving row is taken over with the fresh
// provider identity and reset to pending.
func (s *Service) promotePendingCheckout(ctx context.Context, tx Repository, ev *payment.WebhookEvent) (*models.Subscription, error) {
	session := s.lookupSession(ctx, ev)
	if session == nil || session.Expired(time.Now()) {
		return nil, nil
	}

	interval := session.Interval
	if interval != models.BillingIntervalMonth {
		interval = models.BillingIntervalYear
	}
	sub := &models.Subscription{
		UserID:                 session.UserID,
		PlanID:                 session.PlanID,
		Provider:               ev.Provider,
		ProviderSubscriptionID: ev.SubscriptionID,
		Status:                 models.SubscriptionStatusPending,
		Currency:               session.Currency,
		Amount:                 session.Amount,
		BillingInterval:        interval,
	}
	if err := tx.UpsertByUserAndPlan(sub); err != nil {
		return nil, err
	}
	_ = s.sessions.Delete(ctx, session.Provider, session.SessionID)
	return sub, nil
}

func (s *Service) lookupSession(ctx context.Context, ev *payment.WebhookEvent) *payment.CheckoutSession {
	if s.sessions == nil {
		return nil
	}
	keys := []string{ev.SubscriptionID}
	if id := ev.Metadata["checkout_session_id"]; id != "" {
		keys = append(keys, id)
	}
	if id := ev.Metadata["reference_id"]; id != "" {
		keys = append(keys, id)
	}
	for _, key := range keys {
		if key == "" {
			continue
		}
		if session, err := s.sessions.Get(ctx, ev.Provider, key); err == nil {
			return session
		}
	}
	return nil
}

// ConfirmCheckout handles the client-driven success redirect. The
// client-supplied state is never trusted: the payment is re-verified
// against the provider before any transition.
func (s *Service) ConfirmCheckout(ctx context.Context, providerName, sessionID, paymentID string) (*models.Subscription, error) {
	provider := s.providers.ByName(providerName)
	if provider == nil {
		return nil, payment.NewError(payment.ErrProvider, providerName, "unknown or unconfigured provider")
	}
	session, err := s.sessions.Get(ctx, provider.Name(), sessionID)
	if err != nil {
		return nil, payment.WrapError(payment.ErrSubscriptionNotFound, provider.Name(), "no pending checkout session", err)
	}

	verifyID := strings.TrimSpace(paymentID)
	if verifyID == "" {
		verifyID = session.PaymentID
	}
	verification, err := provider.VerifyPayment(ctx, verifyID)
	if err != nil {
		return nil, err
	}
	if !verification.Paid {
		return nil, payment.NewError(payment.ErrProvider, provider.Name(), "payment is not confirmed by the provider")
	}

	subID := verification.SubscriptionID
	var periodEnd *time.Time
	if subID != "" {
		// Prefer the provider's own view of the period when available.
		if status, err := provider.GetSubscriptionStatus(ctx, subID); err == nil {
			periodEnd = status.CurrentPeriodEnd
		}
	} else {
		subID = session.SessionID
	}

	ev := &payment.WebhookEvent{
		Provider:       provider.Name(),
		EventID:        "verify:" + verification.PaymentID,
		Type:           payment.EventSubscriptionActivated,
		Success:        true,
		SubscriptionID: subID,
		Status:         payment.StatusActive,
		ExpiresAt:      periodEnd,
		Amount:         verification.Amount,
		Currency:       verification.Currency,
		Metadata:       map[string]string{"checkout_session_id": session.SessionID},
	}
	if err := s.ApplyEvent(ctx, ev); err != nil {
		return nil, err
	}

	sub, err := s.repo.WithContext(ctx).FindByProviderSubscriptionID(provider.Name(), subID)
	if errors.Is(err, ErrNotFound) {
		return nil, payment.NewError(payment.ErrSubscriptionNotFound, provider.Name(), "checkout confirmed but no subscription materialized")
	}
	return sub, err
}

// Cancel performs a user-initiated cancellation and revokes the
// provider-side mandate when the adapter holds one.
func (s *Service) Cancel(ctx context.Context, userID uint, planID string) (*models.Subscription, error) {
	var sub *models.Subscription
	err := s.repo.WithContext(ctx).InTransaction(func(tx Repository) error {
		found, err := tx.FindByUserAndPlanForUpdate(userID, planID)
		if err != nil {
			return err
		}
		sub = found
		if sub.Status == models.SubscriptionStatusCanceled {
			return nil
		}
		sub.Status = models.SubscriptionStatusCanceled
		return tx.Save(sub)
	})
	if err != nil {
		return nil, err
	}

	if provider := s.providers.ByName(sub.Provider); provider != nil {
		if revoker, ok := provider.(payment.MandateRevoker); ok {
			if err := revoker.RevokeMandate(ctx, sub.ProviderSubscriptionID); err != nil {
				// Local state is canceled either way; the mandate failure is
				// surfaced so the operator can revoke manually.
				return sub, payment.WrapError(payment.ErrProvider, sub.Provider,
					fmt.Sprintf("subscription canceled locally but mandate revocation failed for %s", sub.ProviderSubscriptionID), err)
			}
		}
	}
	return sub, nil
}

// Resync pulls the provider's current view of a subscription, covering the
// missed-webhook case through the synchronous status path.
func (s *Service) Resync(ctx context.Context, userID uint, planID string) (*models.Subscription, error) {
	sub, err := s.repo.WithContext(ctx).FindByUserAndPlan(userID, planID)
	if err != nil {
		return nil, err
	}
	provider := s.providers.ByName(sub.Provider)
	if provider == nil {
		return sub, nil
	}
	status, err := provider.GetSubscriptionStatus(ctx, sub.ProviderSubscriptionID)
	if err != nil {
		return nil, err
	}

	ev := &payment.WebhookEvent{
		Provider:       provider.Name(),
		EventID:        fmt.Sprintf("resync:%s:%d", sub.ProviderSubscriptionID, time.Now().Unix()),
		SubscriptionID: sub.ProviderSubscriptionID,
		ExpiresAt:      status.CurrentPeriodEnd,
	}
	switch status.Status {
	case payment.StatusActive:
		ev.Type = payment.EventSubscriptionActivated
		ev.Success = true
	case payment.StatusCanceled:
		ev.Type = payment.EventSubscriptionCancelled
	default:
		return sub, nil
	}
	if err := s.ApplyEvent(ctx, ev); err != nil {
		return nil, err
	}
	return s.repo.WithContext(ctx).FindByUserAndPlan(userID, planID)
}

func addInterval(from time.Time, interval string) time.Time {
	if interval == models.BillingIntervalMonth {
		return from.AddDate(0, 1, 0)
	}
	return from.AddDate(1, 0, 0)
}
