package middleware

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/bloomwatch/gardenpay/internal/pkg/usercontext"
)

// UserContextMiddleware resolves the caller identity for API requests from
// the X-User-ID header injected by the fronting app. Webhook routes are
// provider-authenticated and do not need it.
func UserContextMiddleware(c *fiber.Ctx) error {
	raw := strings.TrimSpace(c.Get("X-User-ID"))
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		usercontext.Set(c, usercontext.UserContext{})
		return c.Next()
	}
	usercontext.Set(c, usercontext.UserContext{UserID: uint(id), IsAuthenticated: true})
	return c.Next()
}

// RequireUser rejects requests that arrived without a resolvable identity.
func RequireUser(c *fiber.Ctx) error {
	if !usercontext.Get(c).IsAuthenticated {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"code":    "missing_user",
			"message": "X-User-ID header is required",
		})
	}
	return c.Next()
}
