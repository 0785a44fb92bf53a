package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shooramail/config"
	"shooramail/handlers"
	"shooramail/mailbox"
	"shooramail/outbound"
	"shooramail/utils"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig("config.toml")
	if err != nil {
		utils.Log.Error("Failed to load config: %v", err)
		os.Exit(1)
	}

	utils.InitLogger(cfg.Log.Level, cfg.Log.DevMode)
	defer utils.Log.Sync()
	utils.Log.Info("Initializing %s...", cfg.Site.Name)

	// Initialize i18n system
	if err := utils.InitI18n(); err != nil {
		utils.Log.Error("Failed to initialize i18n: %v", err)
	}

	if cfg.IMAP.InsecureSkipVerify {
		utils.Log.Warn("IMAP certificate verification is disabled for %s", cfg.IMAP.Server)
	}

	executor := mailbox.NewExecutor(mailbox.NewFactory(cfg.IMAP), cfg.Mail)
	transport := outbound.NewSMTPTransport(cfg.SMTP)
	mailer, err := outbound.NewService(cfg, transport, executor)
	if err != nil {
		utils.Log.Error("Failed to initialize outbound mail: %v", err)
		os.Exit(1)
	}
	if !cfg.SiteAccountConfigured() {
		utils.Log.Info("SITE_EMAIL / SITE_PASSWORD not set, welcome mail disabled")
	}

	app := handlers.NewApp(cfg, executor, mailer)

	// Start server
	go func() {
		utils.Log.Info("Starting server on port %d...", cfg.Server.Port)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Server.Port)); err != nil {
			utils.Log.Error("Error starting server: %v", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	utils.Log.Info("Shutting down...")
	if err := app.ShutdownWithTimeout(15 * time.Second); err != nil {
		utils.Log.Error("HTTP server shutdown error: %v", err)
	}

	// let in-flight welcome mails finish
	mailer.Wait()
}
