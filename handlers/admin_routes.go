package handlers

import (
	"log"

	"experiment-session-system/apps"
	"experiment-session-system/middleware"
	"experiment-session-system/models"
	"experiment-session-system/services"

	"github.com/gofiber/fiber/v2"
)

type sessionSummary struct {
	models.Session
	IsOpen          bool   `json:"is_open"`
	SubsessionNames string `json:"subsession_names"`
}

type participantLinks struct {
	Code        string `json:"code"`
	IDInSession int    `json:"id_in_session"`
	Name        string `json:"name"`
	StartURL    string `json:"start_url"`
}

func SetupAdminRoutes(
	app *fiber.App,
	globals *services.GlobalState,
	registry *apps.Registry,
	sessionService *services.SessionService,
	paymentService *services.PaymentService,
) {
	admin := app.Group("/admin", middleware.AdminAuthMiddleware(globals))

	summarize := func(session *models.Session) (sessionSummary, error) {
		names, err := sessionService.SubsessionNames(session)
		if err != nil {
			return sessionSummary{}, err
		}
		return sessionSummary{
			Session:         *session,
			IsOpen:          sessionService.IsOpen(session),
			SubsessionNames: names,
		}, nil
	}

	loadSession := func(c *fiber.Ctx) (*models.Session, error) {
		return sessionService.GetByCode(c.Params("code"))
	}

	admin.Get("/session-types", func(c *fiber.Ctx) error {
		types := registry.SessionTypes()
		out := make([]fiber.Map, 0, len(types))
		for _, st := range types {
			out = append(out, fiber.Map{
				"name":            st.Name,
				"display_name":    st.DisplayName,
				"app_sequence":    st.AppNames(),
				"fixed_pay":       st.FixedPay,
				"money_per_point": st.MoneyPerPoint,
			})
		}
		return c.JSON(out)
	})

	admin.Post("/sessions", func(c *fiber.Ctx) error {
		var params services.CreateSessionParams
		if err := c.BodyParser(&params); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid request body",
				"cause": err.Error(),
			})
		}
		session, err := sessionService.CreateSession(c.UserContext(), params)
		if err != nil {
			return respondError(c, "failed to create session", err)
		}
		participants, err := sessionService.GetParticipants(session)
		if err != nil {
			return respondError(c, "failed to load participants", err)
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"session":      session,
			"participants": links(participants),
		})
	})

	admin.Get("/sessions", func(c *fiber.Ctx) error {
		sessions, err := sessionService.List(c.QueryBool("include_hidden"))
		if err != nil {
			return respondError(c, "failed to list sessions", err)
		}
		out := make([]sessionSummary, 0, len(sessions))
		for i := range sessions {
			summary, err := summarize(&sessions[i])
			if err != nil {
				return respondError(c, "failed to summarize session", err)
			}
			out = append(out, summary)
		}
		return c.JSON(out)
	})

	admin.Get("/sessions/:code", func(c *fiber.Ctx) error {
		session, err := loadSession(c)
		if err != nil {
			return respondError(c, "failed to load session", err)
		}
		summary, err := summarize(session)
		if err != nil {
			return respondError(c, "failed to summarize session", err)
		}
		participants, err := sessionService.GetParticipants(session)
		if err != nil {
			return respondError(c, "failed to load participants", err)
		}
		experimenter, err := sessionService.GetExperimenter(session)
		if err != nil {
			return respondError(c, "failed to load experimenter", err)
		}
		ready, err := sessionService.PaymentsReady(session)
		if err != nil {
			return respondError(c, "failed to check payments", err)
		}
		return c.JSON(fiber.Map{
			"session":                summary,
			"participants":           links(participants),
			"experimenter_start_url": experimenter.StartURL(),
			"payments_ready":         ready,
			"is_launcher":            globals.LauncherSessionCode() == session.Code,
		})
	})

	admin.Delete("/sessions/:code", func(c *fiber.Ctx) error {
		session, err := loadSession(c)
		if err != nil {
			return respondError(c, "failed to load session", err)
		}
		if err := sessionService.DeleteSession(c.UserContext(), session); err != nil {
			return respondError(c, "failed to delete session", err)
		}
		return c.JSON(fiber.Map{"message": "session deleted"})
	})

	admin.Post("/sessions/:code/open", func(c *fiber.Ctx) error {
		session, err := loadSession(c)
		if err != nil {
			return respondError(c, "failed to load session", err)
		}
		if err := sessionService.SetOpenSession(session); err != nil {
			return respondError(c, "failed to open session", err)
		}
		return c.JSON(fiber.Map{"message": "session opened", "code": session.Code})
	})

	// browser bots started from the launcher join this session
	admin.Post("/sessions/:code/launcher", func(c *fiber.Ctx) error {
		session, err := loadSession(c)
		if err != nil {
			return respondError(c, "failed to load session", err)
		}
		if err := globals.SetLauncherSessionCode(session.Code); err != nil {
			return respondError(c, "failed to set launcher session", err)
		}
		return c.JSON(fiber.Map{"message": "launcher session set", "code": session.Code})
	})

	admin.Get("/sessions/:code/progress", func(c *fiber.Ctx) error {
		session, err := loadSession(c)
		if err != nil {
			return respondError(c, "failed to load session", err)
		}
		rows, err := sessionService.Progress(session)
		if err != nil {
			return respondError(c, "failed to load progress", err)
		}
		return c.JSON(rows)
	})

	admin.Get("/sessions/:code/payments", func(c *fiber.Ctx) error {
		session, err := loadSession(c)
		if err != nil {
			return respondError(c, "failed to load session", err)
		}
		report, err := paymentService.Report(session)
		if err != nil {
			return respondError(c, "failed to build payment report", err)
		}
		return c.JSON(report)
	})

	admin.Post("/sessions/:code/payments/export", func(c *fiber.Ctx) error {
		session, err := loadSession(c)
		if err != nil {
			return respondError(c, "failed to load session", err)
		}
		body, url, err := paymentService.Export(c.UserContext(), session)
		if err != nil {
			return respondError(c, "failed to export payments", err)
		}
		if url != "" {
			return c.JSON(fiber.Map{"url": url})
		}
		c.Set(fiber.HeaderContentType, "text/csv")
		c.Set(fiber.HeaderContentDisposition, `attachment; filename="payments-`+session.Code+`.csv"`)
		return c.Send(body)
	})

	admin.Post("/sessions/:code/advance", func(c *fiber.Ctx) error {
		session, err := loadSession(c)
		if err != nil {
			return respondError(c, "failed to load session", err)
		}
		advanced, err := sessionService.AdvanceLastPlaceParticipants(c.UserContext(), session)
		if err != nil {
			log.Printf("[ADMIN] advance failed for session %s: %v", session.Code, err)
			return respondError(c, "failed to advance participants", err)
		}
		return c.JSON(fiber.Map{"advanced": advanced})
	})

	admin.Get("/failures", func(c *fiber.Ctx) error {
		failures, err := sessionService.FailedCreations(c.QueryInt("limit", 50))
		if err != nil {
			return respondError(c, "failed to load failures", err)
		}
		return c.JSON(failures)
	})
}

func links(participants []models.Participant) []participantLinks {
	out := make([]participantLinks, 0, len(participants))
	for i := range participants {
		p := &participants[i]
		out = append(out, participantLinks{
			Code:        p.Code,
			IDInSession: p.IDInSession,
			Name:        p.Name(),
			StartURL:    p.StartURL(),
		})
	}
	return out
}
