package middleware

import (
	"github.com/gofiber/fiber/v2"

	"shooramail/utils"
)

// LocaleMiddleware detects and sets the user's locale
func LocaleMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// query parameter, then cookie, then Accept-Language
		var preferences []string
		if lang := c.Query("lang"); lang != "" {
			preferences = append(preferences, lang)
		}
		if lang := c.Cookies("lang"); lang != "" {
			preferences = append(preferences, lang)
		}
		if accept := c.Get(fiber.HeaderAcceptLanguage); accept != "" {
			preferences = append(preferences, accept)
		}

		lang := utils.MatchLanguage(preferences...)

		c.Locals("localizer", utils.GetLocalizer(lang))
		c.Locals("lang", lang)

		utils.Log.Debug("Locale detected: %s for path: %s", lang, c.Path())

		return c.Next()
	}
}
