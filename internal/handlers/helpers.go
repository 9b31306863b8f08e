package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/paymesh/backend/internal/services"
	"github.com/paymesh/backend/pkg/logger"
	"github.com/paymesh/backend/pkg/utils"
)

// respondServiceError is the single place a business failure becomes a
// status code. Sentinels keep their meaning from wherever they were
// raised; anything unrecognized is a bug and goes out as a logged 500.
func respondServiceError(c *fiber.Ctx, err error) error {
	var cooldown *services.CooldownError
	if errors.As(err, &cooldown) {
		return utils.Error(c, fiber.StatusBadRequest, cooldown.Error())
	}

	switch {
	case errors.Is(err, services.ErrWeakPassword),
		errors.Is(err, services.ErrInvalidChannel):
		return utils.Error(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrEmailTaken),
		errors.Is(err, services.ErrPhoneTaken):
		return utils.Error(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, services.ErrInvalidCredentials),
		errors.Is(err, services.ErrSessionNotFound),
		errors.Is(err, services.ErrInvalidOTP),
		errors.Is(err, services.ErrTooManyAttempts):
		return utils.Error(c, fiber.StatusUnauthorized, err.Error())
	case errors.Is(err, services.ErrAccountDisabled):
		return utils.Error(c, fiber.StatusForbidden, err.Error())
	case errors.Is(err, services.ErrAccountNotFound):
		return utils.Error(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrUnprocessableState):
		return utils.Error(c, fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, services.ErrNotificationFailed):
		return utils.Error(c, fiber.StatusServiceUnavailable, err.Error())
	default:
		logger.Error("unhandled_service_error", err, map[string]interface{}{
			"path": c.Path(),
		})
		return utils.Error(c, fiber.StatusInternalServerError, "internal server error")
	}
}

func parsePagination(c *fiber.Ctx) (page, limit int) {
	page = c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	limit = c.QueryInt("limit", 20)
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return page, limit
}
