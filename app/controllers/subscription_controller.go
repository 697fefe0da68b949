package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/bloomwatch/gardenpay/internal/pkg/payment"
	"github.com/bloomwatch/gardenpay/internal/pkg/subscription"
)

func planFromQuery(c *fiber.Ctx) string {
	plan := strings.TrimSpace(c.Query("plan"))
	if plan == "" {
		plan = payment.PlanGardenMonitoring
	}
	return plan
}

// HandleGetSubscription reports the user's current subscription state with
// lazy expiry applied. Read-only, never mutates.
func HandleGetSubscription(c *fiber.Ctx) error {
	userID, ok := requestUserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"code": "missing_user", "message": "X-User-ID header is required"})
	}

	sub, err := subscriptionService().GetForUser(context.Background(), userID, planFromQuery(c))
	if errors.Is(err, subscription.ErrNotFound) {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "none"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"code": "lookup_failed", "message": "subscription lookup failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status":     sub.Status,
		"expires_at": sub.CurrentPeriodEnd,
		"provider":   sub.Provider,
	})
}

// HandleCancelSubscription performs a user-initiated cancel and revokes the
// provider-side mandate when one exists.
func HandleCancelSubscription(c *fiber.Ctx) error {
	userID, ok := requestUserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"code": "missing_user", "message": "X-User-ID header is required"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sub, err := subscriptionService().Cancel(ctx, userID, planFromQuery(c))
	if errors.Is(err, subscription.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"code": "subscription_not_found", "message": "no subscription to cancel"})
	}
	if err != nil && sub == nil {
		return paymentErrorResponse(c, err)
	}

	resp := fiber.Map{"status": sub.Status, "provider": sub.Provider}
	if err != nil {
		// Canceled locally, but the provider mandate is still live.
		resp["warning"] = err.Error()
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

// HandleResyncSubscription pulls the provider's current view through the
// synchronous status path, covering a missed webhook.
func HandleResyncSubscription(c *fiber.Ctx) error {
	userID, ok := requestUserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"code": "missing_user", "message": "X-User-ID header is required"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sub, err := subscriptionService().Resync(ctx, userID, planFromQuery(c))
	if errors.Is(err, subscription.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"code": "subscription_not_found", "message": "no subscription to resync"})
	}
	if err != nil {
		return paymentErrorResponse(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status":     sub.EffectiveStatus(time.Now()),
		"expires_at": sub.CurrentPeriodEnd,
		"provider":   sub.Provider,
	})
}
