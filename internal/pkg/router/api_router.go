package router

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/bloomwatch/gardenpay/app/controllers"
	"github.com/bloomwatch/gardenpay/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		// Webhook bursts from provider retries must not be throttled away.
		Next: func(c *fiber.Ctx) bool {
			return strings.HasPrefix(c.Path(), "/api/v1/webhooks/")
		},
	}))

	v1 := api.Group("/v1", middleware.UserContextMiddleware)
	v1.Get("/providers", controllers.HandleListProviders)
	v1.Get("/stats", controllers.HandleBillingStats)
	v1.Post("/checkout", middleware.RequireUser, controllers.HandleCreateCheckout)
	v1.Post("/checkout/confirm", middleware.RequireUser, controllers.HandleConfirmCheckout)
	v1.Get("/subscription", middleware.RequireUser, controllers.HandleGetSubscription)
	v1.Post("/subscription/cancel", middleware.RequireUser, controllers.HandleCancelSubscription)
	v1.Post("/subscription/resync", middleware.RequireUser, controllers.HandleResyncSubscription)
	v1.Post("/webhooks/:provider", controllers.HandleProviderWebhook)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
