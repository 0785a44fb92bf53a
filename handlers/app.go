package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"

	"shooramail/config"
	"shooramail/handlers/api"
	"shooramail/middleware"
)

// NewApp builds the HTTP application with every route and middleware
func NewApp(cfg *config.Config, mb api.MailboxService, ob api.OutboundService) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      cfg.Site.Name,
		BodyLimit:    cfg.Server.BodyLimit,
		ErrorHandler: api.ErrorHandler,
	})

	// Add global middleware
	app.Use(recover.New())
	app.Use(requestid.New(requestid.Config{
		Generator: uuid.NewString,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${locals:requestid} ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(compress.New())
	app.Use(helmet.New(helmet.Config{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "SAMEORIGIN",
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
	}))

	app.Use(middleware.LocaleMiddleware())
	app.Use(middleware.RateLimiter(cfg.Server.RateLimit, cfg.Server.RateWindow))

	// Health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	apiRoutes := app.Group("/api")
	api.NewMailHandler(mb, ob).Register(apiRoutes)

	i18nHandler := &api.I18nHandler{}
	apiRoutes.Get("/i18n/:lang", i18nHandler.GetTranslations)

	// 404 Handler for undefined routes
	app.Use(api.NotFound)

	return app
}
