package handlers

import (
	"errors"

	"experiment-session-system/apps"
	"experiment-session-system/services"

	"github.com/gofiber/fiber/v2"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrSessionNotFound),
		errors.Is(err, services.ErrParticipantNotFound),
		errors.Is(err, services.ErrExperimenterNotFound),
		errors.Is(err, services.ErrRoomEmpty):
		return fiber.StatusNotFound
	case errors.Is(err, services.ErrInvalidParticipantCount),
		errors.Is(err, services.ErrInvalidRoomName),
		errors.Is(err, apps.ErrUnknownSessionType),
		errors.Is(err, apps.ErrInvalidInput):
		return fiber.StatusBadRequest
	case errors.Is(err, services.ErrPaymentsNotReady),
		errors.Is(err, services.ErrAlreadyFinished),
		errors.Is(err, services.ErrSessionFull),
		errors.Is(err, services.ErrWrongPage):
		return fiber.StatusConflict
	case errors.Is(err, services.ErrRemediationFailed):
		return fiber.StatusBadGateway
	case errors.Is(err, services.ErrNoBotClient),
		errors.Is(err, services.ErrGlobalStateClosed):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func respondError(c *fiber.Ctx, msg string, err error) error {
	return c.Status(statusFor(err)).JSON(fiber.Map{
		"error": msg,
		"cause": err.Error(),
	})
}
