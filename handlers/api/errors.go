package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/pkg/errors"

	"shooramail/utils"
)

// ErrorHandler renders every error as {success:false, message}. The message
// is always a translated, generic string; details only go to the log.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	messageID := "error_500"

	var appErr *utils.AppError
	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &appErr):
		code = appErr.Code
		if appErr.MessageID != "" {
			messageID = appErr.MessageID
		}
	case errors.As(err, &fiberErr):
		code = fiberErr.Code
		messageID = messageIDForStatus(code)
	}

	log := utils.Log.WithFields(map[string]interface{}{
		"status":     code,
		"path":       c.Path(),
		"request_id": c.GetRespHeader(fiber.HeaderXRequestID),
	})
	if code >= fiber.StatusInternalServerError {
		log.Error("Request failed: %v", err)
	} else {
		log.Debug("Request rejected: %v", err)
	}

	return c.Status(code).JSON(fiber.Map{
		"success": false,
		"message": utils.T(localizer(c), messageID),
	})
}

// NotFound is the fallback for unknown routes
func NotFound(c *fiber.Ctx) error {
	return utils.NotFoundError("route not found", nil).
		WithContext("method", c.Method()).
		WithMessageID("error_404")
}

func messageIDForStatus(code int) string {
	switch code {
	case fiber.StatusNotFound, fiber.StatusMethodNotAllowed:
		return "error_404"
	case fiber.StatusTooManyRequests:
		return "error_rate_limit"
	case fiber.StatusBadRequest, fiber.StatusUnprocessableEntity, fiber.StatusRequestEntityTooLarge:
		return "error_bad_request"
	case fiber.StatusUnauthorized:
		return "error_auth"
	}
	return "error_500"
}

func localizer(c *fiber.Ctx) *i18n.Localizer {
	if l, ok := c.Locals("localizer").(*i18n.Localizer); ok {
		return l
	}
	return utils.Localizer
}
