package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"studybroker/internal/engine"
	"studybroker/internal/model"
)

// Middleware validates the bearer token and attaches the resolved requester
// to the request.
func Middleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return engine.UnauthorizedError("Missing auth token")
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return engine.UnauthorizedError("Invalid auth header format")
		}

		claims, err := ParseAccessToken(parts[1], secret)
		if err != nil {
			return engine.UnauthorizedError("Invalid or expired token")
		}

		c.Locals("requester", model.Requester{
			ID:    claims.Subject,
			Roles: claims.Roles,
		})
		return c.Next()
	}
}

// GetRequester extracts the requester identity set by Middleware.
func GetRequester(c *fiber.Ctx) model.Requester {
	requester, _ := c.Locals("requester").(model.Requester)
	return requester
}
