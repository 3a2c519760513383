package handlers

import (
	"errors"

	"experiment-session-system/middleware"
	"experiment-session-system/models"
	"experiment-session-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupParticipantRoutes(app *fiber.App, pages *services.PageService, participants *services.ParticipantService) {
	app.Get("/InitializeParticipant/:code", middleware.ParticipantContextMiddleware(participants), func(c *fiber.Ctx) error {
		p := c.Locals("participant").(*models.Participant)
		target, err := pages.Start(c.UserContext(), p.Code, c.Query("participant_label"), c.IP())
		if err != nil {
			return respondError(c, "failed to start participant", err)
		}
		return c.Redirect(target, fiber.StatusFound)
	})

	app.Get("/InitializeSessionExperimenter/:code/", func(c *fiber.Ctx) error {
		e, err := pages.StartExperimenter(c.UserContext(), c.Params("code"))
		if err != nil {
			return respondError(c, "failed to start experimenter", err)
		}
		return c.JSON(fiber.Map{
			"code":       e.Code,
			"session_id": e.SessionID,
			"visited":    e.Visited,
		})
	})

	page := app.Group("/p/:code", middleware.ParticipantContextMiddleware(participants))

	page.Get("/:index/", func(c *fiber.Ctx) error {
		p := c.Locals("participant").(*models.Participant)
		index, err := c.ParamsInt("index")
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid page index"})
		}

		view, err := pages.Show(c.UserContext(), p.Code, index)
		if err != nil {
			if target, ok := redirectTarget(err); ok {
				return c.Redirect(target, fiber.StatusFound)
			}
			return respondError(c, "failed to load page", err)
		}
		if view.Index != index {
			return c.Redirect(view.URL, fiber.StatusFound)
		}
		return c.JSON(view)
	})

	page.Post("/:index/", func(c *fiber.Ctx) error {
		p := c.Locals("participant").(*models.Participant)
		index, err := c.ParamsInt("index")
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid page index"})
		}

		form := map[string]string{}
		c.Request().PostArgs().VisitAll(func(key, value []byte) {
			form[string(key)] = string(value)
		})
		autoSubmit := form[services.AutoSubmitField] == "true"
		delete(form, services.AutoSubmitField)

		view, err := pages.Submit(c.UserContext(), p.Code, index, form, autoSubmit)
		if err != nil {
			if target, ok := redirectTarget(err); ok {
				return c.Redirect(target, fiber.StatusFound)
			}
			return respondError(c, "failed to submit page", err)
		}
		if view.Waiting && view.Index == index {
			return c.JSON(view)
		}
		return c.Redirect(view.URL, fiber.StatusFound)
	})
}

// redirectTarget is the participant's current page when err says they asked
// for another one.
func redirectTarget(err error) (string, bool) {
	var wrong *services.WrongPageError
	if errors.As(err, &wrong) {
		return wrong.URL, true
	}
	return "", false
}
