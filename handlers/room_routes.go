package handlers

import (
	"errors"
	"net/url"
	"time"

	"experiment-session-system/services"

	"github.com/gofiber/fiber/v2"
)

// SetupRoomRoutes serves persistent room links. A visitor to a room with a
// session is sent to a participant's start URL; otherwise the tab is kept
// on a heartbeat until a session is assigned.
func SetupRoomRoutes(app *fiber.App, rooms *services.RoomService, sessionService *services.SessionService, visitTTL time.Duration) {
	app.Get("/room/:name", func(c *fiber.Ctx) error {
		name, err := services.RoomName(c.Params("name"))
		if err != nil {
			return respondError(c, "invalid room", err)
		}
		label := c.Query("participant_label")

		session, err := rooms.SessionForRoom(name)
		if err != nil && !errors.Is(err, services.ErrRoomEmpty) {
			return respondError(c, "failed to load room", err)
		}
		if session != nil {
			p, err := sessionService.ParticipantForLabel(c.UserContext(), session, label)
			if err != nil {
				return respondError(c, "failed to join session", err)
			}
			target := p.StartURL()
			if label != "" {
				target += "?participant_label=" + url.QueryEscape(label)
			}
			return c.Redirect(target, fiber.StatusFound)
		}

		tabID, err := rooms.RecordVisit(name, label, c.Query("tab_id"))
		if err != nil {
			return respondError(c, "failed to record room visit", err)
		}
		present, err := rooms.PresentLabels(name, visitTTL)
		if err != nil {
			return respondError(c, "failed to list room visitors", err)
		}
		return c.JSON(fiber.Map{
			"room":    name,
			"waiting": true,
			"tab_id":  tabID,
			"present": present,
		})
	})
}
