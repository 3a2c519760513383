package middleware

import (
	"errors"
	"log"

	"experiment-session-system/services"

	"github.com/gofiber/fiber/v2"
)

// ParticipantContextMiddleware resolves the :code route parameter to a
// participant and stores it in c.Locals("participant").
func ParticipantContextMiddleware(participants *services.ParticipantService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		code := c.Params("code")
		p, err := participants.GetByCode(code)
		if err != nil {
			if errors.Is(err, services.ErrParticipantNotFound) {
				log.Printf("❌ [PARTICIPANT_CTX] Unknown participant code %q on %s", code, c.Path())
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
					"error": "participant not found",
				})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to load participant",
				"cause": err.Error(),
			})
		}

		c.Locals("participant", p)
		return c.Next()
	}
}
