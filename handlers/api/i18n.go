package api

import (
	"github.com/gofiber/fiber/v2"

	"shooramail/utils"
)

// clientMessageIDs are the strings the frontend renders itself
var clientMessageIDs = []string{
	"message_sent",
	"message_reply_sent",
	"message_forwarded",
	"message_draft_saved",
	"message_deleted",
	"message_moved",
	"error_auth",
	"error_send",
	"error_rate_limit",
	"error_404",
	"error_500",
}

// I18nHandler handles i18n-related requests
type I18nHandler struct{}

// GetTranslations returns translations for the client-side JavaScript
func (h *I18nHandler) GetTranslations(c *fiber.Ctx) error {
	lang := utils.MatchLanguage(c.Params("lang"))
	localizer := utils.GetLocalizer(lang)

	translations := make(map[string]string, len(clientMessageIDs))
	for _, id := range clientMessageIDs {
		translations[id] = utils.T(localizer, id)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"lang":         lang,
			"translations": translations,
		},
	})
}
