package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/zapmesh/wagateway/pkg/env"
	"github.com/zapmesh/wagateway/pkg/router"
)

// BearerAuth gates the API surface behind a shared-secret JWT. When
// GATEWAY_JWT_SECRET is unset the middleware is a pass-through, which keeps
// local and test deployments credential-free.
func BearerAuth() fiber.Handler {
	secret := env.GetEnvStringOrDefault("GATEWAY_JWT_SECRET", "")

	return func(c *fiber.Ctx) error {
		if secret == "" {
			return c.Next()
		}

		header := c.Get("Authorization")
		if header == "" {
			return router.ResponseUnauthorized(c, "Missing Authorization header")
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return router.ResponseUnauthorized(c, "Invalid Authorization header format")
		}

		claims, err := ValidateServiceToken(secret, strings.TrimSpace(parts[1]))
		if err != nil {
			return router.ResponseUnauthorized(c, "Invalid or expired token")
		}

		c.Locals("service", claims.Service)
		return c.Next()
	}
}
