package middleware

import (
	"crypto/subtle"
	"log"
	"strings"

	"experiment-session-system/services"

	"github.com/gofiber/fiber/v2"
)

// AdminAuthMiddleware validates the Bearer admin access code held in the
// global state.
func AdminAuthMiddleware(globals *services.GlobalState) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			log.Printf("🚫 [ADMIN_AUTH] Missing Authorization header for %s", c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "admin access code missing",
			})
		}

		// accept "Bearer <code>" or the raw code
		token := strings.TrimPrefix(authHeader, "Bearer ")

		expected := globals.AdminAccessCode()
		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			log.Printf("❌ [ADMIN_AUTH] Invalid admin access code for %s", c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid admin access code",
			})
		}

		return c.Next()
	}
}
