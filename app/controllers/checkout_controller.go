package controllers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/bloomwatch/gardenpay/internal/pkg/cache"
	"github.com/bloomwatch/gardenpay/internal/pkg/database"
	"github.com/bloomwatch/gardenpay/internal/pkg/metrics/counter"
	"github.com/bloomwatch/gardenpay/internal/pkg/payment"
	"github.com/bloomwatch/gardenpay/internal/pkg/subscription"
	"github.com/bloomwatch/gardenpay/internal/pkg/usercontext"
)

var (
	paymentOnce     sync.Once
	paymentRegistry *payment.Registry
	sessionStore    payment.SessionStore
	validate        = validator.New()
)

// paymentStack wires the process-wide payment singletons lazily: the
// registry owns adapter instances (and their token caches), the session
// store keeps pending checkouts alive in redis.
func paymentStack() (*payment.Registry, payment.SessionStore) {
	paymentOnce.Do(func() {
		paymentRegistry = payment.NewRegistryFromEnv()
		sessionStore = payment.NewRedisSessionStore(cache.GetClient())
	})
	return paymentRegistry, sessionStore
}

func subscriptionService() *subscription.Service {
	registry, sessions := paymentStack()
	return subscription.NewService(subscription.NewRepository(database.GetDB()), sessions, registry)
}

// requestUserID reads the identity resolved by the user context middleware.
func requestUserID(c *fiber.Ctx) (uint, bool) {
	ctx := usercontext.Get(c)
	return ctx.UserID, ctx.IsAuthenticated
}

type createCheckoutRequest struct {
	PlanID    string `json:"plan_id"`
	Currency  string `json:"currency" validate:"required,len=3"`
	Region    string `json:"region"`
	ReturnURL string `json:"return_url" validate:"required,url"`
	CancelURL string `json:"cancel_url" validate:"required,url"`
	Email     string `json:"email" validate:"omitempty,email"`
	Name      string `json:"name"`
	Interval  string `json:"interval"`
}

// HandleCreateCheckout opens a provider-hosted checkout session for the
// requesting user.
func HandleCreateCheckout(c *fiber.Ctx) error {
	userID, ok := requestUserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"code": "missing_user", "message": "X-User-ID header is required"})
	}

	var body createCheckoutRequest
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"code": "invalid_body", "message": "request body is not valid json"})
	}
	if err := validate.Struct(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"code": "validation_failed", "message": err.Error()})
	}
	if body.PlanID == "" {
		body.PlanID = payment.PlanGardenMonitoring
	}

	registry, sessions := paymentStack()
	svc := subscriptionService()
	orchestrator := payment.NewCheckoutOrchestrator(registry, sessions, svc)

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	session, err := orchestrator.CreateCheckout(ctx, payment.CheckoutRequest{
		UserID:        userID,
		PlanID:        body.PlanID,
		Currency:      body.Currency,
		Region:        body.Region,
		CustomerEmail: body.Email,
		CustomerName:  body.Name,
		ProductName:   "BloomWatch Garden Monitoring",
		ReturnURL:     body.ReturnURL,
		CancelURL:     body.CancelURL,
		Interval:      body.Interval,
	})
	if err != nil {
		outcome := "failed"
		if payment.IsKind(err, payment.ErrAlreadySubscribed) || payment.IsKind(err, payment.ErrCurrencyNotSupported) {
			outcome = "rejected"
		}
		_ = counter.AddCheckoutAttempt("", outcome)
		return paymentErrorResponse(c, err)
	}
	_ = counter.AddCheckoutAttempt(session.Provider, "created")

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"checkout_url": session.CheckoutURL,
		"session_id":   session.SessionID,
		"provider":     session.Provider,
		"expires_at":   session.ExpiresAt,
	})
}

type confirmCheckoutRequest struct {
	SessionID string `json:"session_id" validate:"required"`
	Provider  string `json:"provider" validate:"required"`
	PaymentID string `json:"payment_id"`
}

// HandleConfirmCheckout takes the client success redirect and re-verifies
// the payment server-side before any state changes.
func HandleConfirmCheckout(c *fiber.Ctx) error {
	if _, ok := requestUserID(c); !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"code": "missing_user", "message": "X-User-ID header is required"})
	}

	var body confirmCheckoutRequest
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"code": "invalid_body", "message": "request body is not valid json"})
	}
	if err := validate.Struct(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"code": "validation_failed", "message": err.Error()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sub, err := subscriptionService().ConfirmCheckout(ctx, body.Provider, body.SessionID, body.PaymentID)
	if err != nil {
		return paymentErrorResponse(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status":     sub.Status,
		"expires_at": sub.CurrentPeriodEnd,
		"provider":   sub.Provider,
	})
}

// HandleListProviders reports which payment networks are currently
// configured; partial availability is the expected steady state.
func HandleListProviders(c *fiber.Ctx) error {
	registry, _ := paymentStack()
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"providers": registry.AvailableProviders()})
}

// HandleBillingStats exposes the redis-backed delivery and checkout
// counters for operational dashboards.
func HandleBillingStats(c *fiber.Ctx) error {
	snapshot, err := counter.Snapshot(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"code": "stats_unavailable", "message": "counter snapshot failed"})
	}
	return c.Status(fiber.StatusOK).JSON(snapshot)
}

// paymentErrorResponse maps the tagged error taxonomy onto HTTP statuses.
func paymentErrorResponse(c *fiber.Ctx, err error) error {
	status := fiber.StatusBadGateway
	switch payment.KindOf(err) {
	case payment.ErrCurrencyNotSupported:
		status = fiber.StatusBadRequest
	case payment.ErrAlreadySubscribed:
		status = fiber.StatusConflict
	case payment.ErrSubscriptionNotFound:
		status = fiber.StatusNotFound
	case payment.ErrInvalidSignature:
		status = fiber.StatusBadRequest
	}

	resp := fiber.Map{"code": string(payment.KindOf(err)), "message": err.Error()}
	var pe *payment.Error
	if errors.As(err, &pe) && pe.Provider != "" {
		resp["provider"] = pe.Provider
	}
	return c.Status(status).JSON(resp)
}
