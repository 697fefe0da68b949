package usercontext

import "github.com/gofiber/fiber/v2"

const localsKey = "USER_CONTEXT"

// UserContext carries the caller identity for a request. The billing
// service holds no account system; the fronting BloomWatch app
// authenticates users and forwards the id per request.
type UserContext struct {
	UserID          uint `json:"user_id"`
	IsAuthenticated bool `json:"is_authenticated"`
}

// Set stores the user context on the request.
func Set(c *fiber.Ctx, ctx UserContext) {
	c.Locals(localsKey, ctx)
}

// Get retrieves the user context, defaulting to anonymous when the
// middleware did not run.
func Get(c *fiber.Ctx) UserContext {
	if v := c.Locals(localsKey); v != nil {
		if ctx, ok := v.(UserContext); ok {
			return ctx
		}
	}
	return UserContext{}
}
