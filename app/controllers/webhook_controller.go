package controllers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/bloomwatch/gardenpay/app/models"
	"github.com/bloomwatch/gardenpay/internal/pkg/metrics/counter"
	"github.com/bloomwatch/gardenpay/internal/pkg/payment"
)

// signatureHeaders maps each provider to the header carrying its MAC.
var signatureHeaders = map[string]string{
	models.ProviderStripe:   "Stripe-Signature",
	models.ProviderRazorpay: "X-Razorpay-Signature",
	models.ProviderPhonePe:  "X-Verify",
}

// eventIDHeaders lists per-provider delivery-id headers used for dedupe when
// the payload itself carries no event id.
var eventIDHeaders = map[string][]string{
	models.ProviderRazorpay: {"X-Razorpay-Event-Id"},
	models.ProviderPhonePe:  {"X-Event-Id"},
}

// HandleProviderWebhook processes one provider delivery. Order is strict:
// adapter lookup, signature verification over the raw bytes, then
// canonicalization. Unrecognized event types are acknowledged with 200 so
// providers do not retry-storm on types we intentionally ignore.
func HandleProviderWebhook(c *fiber.Ctx) error {
	providerName := strings.ToLower(strings.TrimSpace(c.Params("provider")))
	registry, _ := paymentStack()
	adapter := registry.ByName(providerName)
	if adapter == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"code": "unknown_provider", "message": "no such payment provider: " + providerName})
	}

	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get(signatureHeaders[providerName]))

	svc := subscriptionService()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ev, verifyErr := adapter.VerifyWebhook(rawBody, signature)
	if payment.IsKind(verifyErr, payment.ErrInvalidSignature) {
		// Keep the rejected delivery for operator follow-up, then refuse it.
		if _, stored, err := svc.RecordWebhookEvent(ctx, providerName, headerEventID(c, providerName), "", "", rawBody, false); err == nil && stored != nil {
			_ = svc.MarkWebhookProcessed(ctx, stored.ID, verifyErr)
		}
		_ = counter.AddWebhookDelivery(providerName, "invalid_signature")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"code": "invalid_signature", "message": "webhook signature verification failed"})
	}

	eventID := ""
	eventType := ""
	subscriptionID := ""
	if ev != nil {
		eventID = ev.EventID
		eventType = ev.Type
		subscriptionID = ev.SubscriptionID
	}
	if eventID == "" {
		eventID = headerEventID(c, providerName)
	}

	created, stored, err := svc.RecordWebhookEvent(ctx, providerName, eventID, eventType, subscriptionID, rawBody, true)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"code": "webhook_persist_failed", "message": "could not persist webhook event"})
	}
	if !created {
		// Only a settled duplicate is acked away. A redelivery of an event
		// whose last apply failed (the provider retries exactly because we
		// answered 500) runs reconciliation again.
		if stored.Settled() {
			_ = counter.AddWebhookDelivery(providerName, "duplicate")
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
		}
	}

	// Authentic but unparseable payloads are terminal: retries cannot fix
	// them, so acknowledge and leave the error on the stored event.
	if verifyErr != nil {
		_ = svc.MarkWebhookProcessed(ctx, stored.ID, verifyErr)
		_ = counter.AddWebhookDelivery(providerName, "ignored")
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
	}
	if ev.Type == payment.EventUnrecognized {
		_ = svc.MarkWebhookProcessed(ctx, stored.ID, nil)
		_ = counter.AddWebhookDelivery(providerName, "ignored")
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
	}

	ev.EventID = stored.ProviderEventID
	applyErr := svc.ApplyEvent(ctx, ev)
	_ = svc.MarkWebhookProcessed(ctx, stored.ID, applyErr)
	if applyErr != nil {
		_ = counter.AddWebhookDelivery(providerName, "failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"code": "reconciliation_failed", "message": "event verified but not applied"})
	}
	_ = counter.AddWebhookDelivery(providerName, "processed")
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}

func headerEventID(c *fiber.Ctx, providerName string) string {
	for _, key := range eventIDHeaders[providerName] {
		if v := strings.TrimSpace(c.Get(key)); v != "" {
			return v
		}
	}
	return ""
}
