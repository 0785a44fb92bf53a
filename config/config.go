package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type ServerConfig struct {
	Port       int           `toml:"port" env:"PORT"`
	BodyLimit  int           `toml:"body_limit" env:"BODY_LIMIT"` // bytes, attachments travel inline
	RateLimit  int           `toml:"rate_limit" env:"RATE_LIMIT"`
	RateWindow time.Duration `toml:"rate_window" env:"RATE_WINDOW"`
}

type IMAPConfig struct {
	Server             string        `toml:"server" env:"IMAP_SERVER"`
	Port               int           `toml:"port" env:"IMAP_PORT"`
	TLS                bool          `toml:"tls" env:"IMAP_TLS"`
	InsecureSkipVerify bool          `toml:"insecure_skip_verify" env:"IMAP_INSECURE_SKIP_VERIFY"`
	DialTimeout        time.Duration `toml:"dial_timeout" env:"IMAP_DIAL_TIMEOUT"`
	CommandTimeout     time.Duration `toml:"command_timeout" env:"IMAP_COMMAND_TIMEOUT"`
	LogoutTimeout      time.Duration `toml:"logout_timeout" env:"IMAP_LOGOUT_TIMEOUT"`
}

type SMTPConfig struct {
	Server             string        `toml:"server" env:"SMTP_SERVER"`
	Port               int           `toml:"port" env:"SMTP_PORT"`
	UseSTARTTLS        bool          `toml:"use_starttls" env:"SMTP_USE_STARTTLS"` // true for port 587, false for port 465
	InsecureSkipVerify bool          `toml:"insecure_skip_verify" env:"SMTP_INSECURE_SKIP_VERIFY"`
	Timeout            time.Duration `toml:"timeout" env:"SMTP_TIMEOUT"`
}

// MailConfig holds the mailbox conventions of the target host
type MailConfig struct {
	InboxLimit    uint32   `toml:"inbox_limit" env:"MAIL_INBOX_LIMIT"`
	FolderLimit   uint32   `toml:"folder_limit" env:"MAIL_FOLDER_LIMIT"`
	SentFolders   []string `toml:"sent_folders" env:"MAIL_SENT_FOLDERS" envSeparator:","`
	DraftsFolder  string   `toml:"drafts_folder" env:"MAIL_DRAFTS_FOLDER"`
	ImportantFlag string   `toml:"important_flag" env:"MAIL_IMPORTANT_FLAG"`
	SanitizeHTML  bool     `toml:"sanitize_html" env:"MAIL_SANITIZE_HTML"`
}

// SiteConfig is the system account used for notifications
type SiteConfig struct {
	Name           string        `toml:"name" env:"SITE_NAME"`
	Address        string        `toml:"address" env:"SITE_EMAIL"`
	Secret         string        `toml:"secret" env:"SITE_PASSWORD"`
	WelcomeEnabled bool          `toml:"welcome_enabled" env:"SITE_WELCOME_ENABLED"`
	WelcomeImage   string        `toml:"welcome_image" env:"SITE_WELCOME_IMAGE"`
	WelcomeTimeout time.Duration `toml:"welcome_timeout" env:"SITE_WELCOME_TIMEOUT"`
}

type LogConfig struct {
	Level   string `toml:"level" env:"LOG_LEVEL"`
	DevMode bool   `toml:"dev_mode" env:"LOG_DEV_MODE"`
}

type Config struct {
	Server ServerConfig `toml:"server"`
	IMAP   IMAPConfig   `toml:"imap"`
	SMTP   SMTPConfig   `toml:"smtp"`
	Mail   MailConfig   `toml:"mail"`
	Site   SiteConfig   `toml:"site"`
	Log    LogConfig    `toml:"log"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	var config Config

	config.Server.Port = 3000
	config.Server.BodyLimit = 25 * 1024 * 1024
	config.Server.RateLimit = 100
	config.Server.RateWindow = time.Minute

	config.IMAP.Server = "imap.stackmail.com"
	config.IMAP.Port = 993
	config.IMAP.TLS = true
	config.IMAP.InsecureSkipVerify = true // the target host has been run with a relaxed cert check
	config.IMAP.DialTimeout = 30 * time.Second
	config.IMAP.CommandTimeout = time.Minute
	config.IMAP.LogoutTimeout = 5 * time.Second

	config.SMTP.Port = 587 // Default to STARTTLS port
	config.SMTP.UseSTARTTLS = true
	config.SMTP.InsecureSkipVerify = true
	config.SMTP.Timeout = 30 * time.Second

	config.Mail.InboxLimit = 10
	config.Mail.FolderLimit = 20
	config.Mail.SentFolders = []string{"Sent", "Sent Items"}
	config.Mail.DraftsFolder = "Drafts"
	config.Mail.ImportantFlag = "Important"
	config.Mail.SanitizeHTML = true

	config.Site.Name = "Shoora Mail"
	config.Site.WelcomeEnabled = true
	config.Site.WelcomeImage = "https://res.cloudinary.com/dtwumvj5i/image/upload/v1767200085/Mail_Image_iwjmp1.jpg"
	config.Site.WelcomeTimeout = time.Minute

	config.Log.Level = "info"

	return &config
}

// LoadConfig reads the TOML file at filepath (if present), then .env and the
// process environment on top of it.
func LoadConfig(filepath string) (*Config, error) {
	config := Default()

	if filepath != "" {
		if _, err := os.Stat(filepath); err == nil {
			if _, err := toml.DecodeFile(filepath, config); err != nil {
				return nil, errors.Wrapf(err, "decoding %s", filepath)
			}
		} else if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "reading %s", filepath)
		}
	}

	// .env is optional
	_ = godotenv.Load()

	if err := env.Parse(config); err != nil {
		return nil, errors.Wrap(err, "parsing environment")
	}

	// If SMTP server is not specified, derive it from IMAP server
	if config.SMTP.Server == "" {
		config.SMTP.Server = config.IMAP.Server
		// Convert imap.server.com to smtp.server.com
		if len(config.SMTP.Server) > 5 && config.SMTP.Server[:5] == "imap." {
			config.SMTP.Server = "smtp" + config.SMTP.Server[4:]
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the values the mail layer cannot work without
func (c *Config) Validate() error {
	if c.IMAP.Server == "" {
		return errors.New("imap server is required")
	}
	if c.IMAP.Port <= 0 {
		return errors.New("imap port must be positive")
	}
	if c.Mail.InboxLimit == 0 || c.Mail.FolderLimit == 0 {
		return errors.New("fetch limits must be positive")
	}
	if len(c.Mail.SentFolders) == 0 {
		return errors.New("at least one sent folder is required")
	}
	if c.Mail.DraftsFolder == "" {
		return errors.New("drafts folder is required")
	}
	return nil
}

// GetPort returns the appropriate SMTP port based on encryption
func (c *SMTPConfig) GetPort() int {
	if c.Port != 0 {
		return c.Port
	}
	if c.UseSTARTTLS {
		return 587 // STARTTLS port
	}
	return 465 // SSL/TLS port
}

// SiteAccountConfigured reports whether notifications can be sent
func (c *Config) SiteAccountConfigured() bool {
	return c.Site.Address != "" && c.Site.Secret != ""
}
