package outbound

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/emersion/go-imap"
	"github.com/gofiber/template/html/v2"
	"github.com/pkg/errors"
	xhtml "golang.org/x/net/html"

	"shooramail/config"
	"shooramail/mailbox"
	"shooramail/models"
	"shooramail/utils"
)

//go:embed templates/*.html
var templateFS embed.FS

// Appender stores a message in a folder; *mailbox.Executor implements it
type Appender interface {
	Append(ctx context.Context, creds models.Credentials, folder string, msg []byte, flags []string) error
}

// Result describes a delivered message
type Result struct {
	MessageID string
	// ArchiveFolder is where the self-copy landed, empty if archiving failed
	ArchiveFolder string
	// Warning is set when the message was delivered but not archived
	Warning *ArchivalWarning
}

// Archived reports whether the self-copy was stored
func (r *Result) Archived() bool {
	return r.ArchiveFolder != ""
}

// ArchivalWarning means the self-copy of a delivered message could not be
// stored. It is logged, never returned as a request failure.
type ArchivalWarning struct {
	MessageID string
	Size      int
	Attempts  map[string]error
}

func (w *ArchivalWarning) Error() string {
	folders := make([]string, 0, len(w.Attempts))
	for folder, err := range w.Attempts {
		folders = append(folders, fmt.Sprintf("%s: %v", folder, err))
	}
	sort.Strings(folders)
	return fmt.Sprintf("message %s (%s) delivered but not archived: %s",
		w.MessageID, humanize.Bytes(uint64(w.Size)), strings.Join(folders, "; "))
}

// Service sends, archives and drafts outbound mail
type Service struct {
	composer     *Composer
	transport    Transport
	archive      Appender
	sentFolders  []string
	draftsFolder string
	site         config.SiteConfig
	views        *html.Engine

	background sync.WaitGroup
}

// NewService wires the composer to a transport and an archive
func NewService(cfg *config.Config, transport Transport, archive Appender) (*Service, error) {
	sub, err := fs.Sub(templateFS, "templates")
	if err != nil {
		return nil, errors.Wrap(err, "opening templates")
	}
	views := html.NewFileSystem(http.FS(sub), ".html")
	if err := views.Load(); err != nil {
		return nil, errors.Wrap(err, "loading templates")
	}

	return &Service{
		composer:     NewComposer(),
		transport:    transport,
		archive:      archive,
		sentFolders:  cfg.Mail.SentFolders,
		draftsFolder: cfg.Mail.DraftsFolder,
		site:         cfg.Site,
		views:        views,
	}, nil
}

// Send delivers d and then archives a copy to the Sent folder
func (s *Service) Send(ctx context.Context, creds models.Credentials, d *models.Draft) (*Result, error) {
	return s.deliver(ctx, creds, d)
}

// Reply delivers d as a reply to originalMessageID
func (s *Service) Reply(ctx context.Context, creds models.Credentials, d *models.Draft, originalMessageID string) (*Result, error) {
	d.Subject = withPrefix(d.Subject, "Re: ", "re:")
	if originalMessageID != "" {
		d.InReplyTo = originalMessageID
	}
	return s.deliver(ctx, creds, d)
}

// Forward delivers d as a forward
func (s *Service) Forward(ctx context.Context, creds models.Credentials, d *models.Draft) (*Result, error) {
	d.Subject = withPrefix(d.Subject, "Fwd: ", "fwd:", "fw:")
	return s.deliver(ctx, creds, d)
}

func (s *Service) deliver(ctx context.Context, creds models.Credentials, d *models.Draft) (*Result, error) {
	if d.From == "" {
		d.From = creds.Address
	}

	msg, err := s.composer.Compose(d)
	if err != nil {
		return nil, err
	}

	if err := s.transport.Send(ctx, creds, creds.Address, msg.Recipients, msg.Raw); err != nil {
		return nil, err
	}

	result := &Result{MessageID: msg.MessageID}
	result.ArchiveFolder, result.Warning = s.archiveCopy(ctx, creds, msg)
	if result.Warning != nil {
		utils.Log.Warn("%v", result.Warning)
	}
	return result, nil
}

// archiveCopy tries each Sent folder name in order and stops at the first
// that accepts the message.
func (s *Service) archiveCopy(ctx context.Context, creds models.Credentials, msg *Composed) (string, *ArchivalWarning) {
	attempts := make(map[string]error)
	for _, folder := range s.sentFolders {
		err := s.archive.Append(ctx, creds, folder, msg.Raw, []string{imap.SeenFlag})
		if err == nil {
			utils.Log.Debug("Archived %s to %s", msg.MessageID, folder)
			return folder, nil
		}
		attempts[folder] = err
		if mailbox.IsAuthError(err) {
			break
		}
	}
	return "", &ArchivalWarning{MessageID: msg.MessageID, Size: len(msg.Raw), Attempts: attempts}
}

// SaveDraft appends d to the Drafts folder flagged \Seen and \Draft
func (s *Service) SaveDraft(ctx context.Context, creds models.Credentials, d *models.Draft) error {
	if d.From == "" {
		d.From = creds.Address
	}
	if d.HTML == "" && d.Text != "" {
		d.HTML = "<p>" + xhtml.EscapeString(d.Text) + "</p>"
	}

	msg, err := s.composer.Compose(d)
	if err != nil {
		return err
	}

	return s.archive.Append(ctx, creds, s.draftsFolder, msg.Raw, []string{imap.SeenFlag, imap.DraftFlag})
}

// SendWelcome mails a greeting to a user who just logged in. It returns
// immediately; delivery runs in the background and failures are only logged.
func (s *Service) SendWelcome(to string) {
	if !s.site.WelcomeEnabled {
		return
	}
	if s.site.Address == "" || s.site.Secret == "" {
		utils.Log.Debug("Site account not configured, skipping welcome mail")
		return
	}

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer func() {
			if r := recover(); r != nil {
				utils.Log.Error("Welcome mail panicked: %v", r)
			}
		}()

		timeout := s.site.WelcomeTimeout
		if timeout <= 0 {
			timeout = time.Minute
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := s.sendWelcome(ctx, to); err != nil {
			utils.Log.Warn("Welcome mail not sent: %v", err)
		}
	}()
}

func (s *Service) sendWelcome(ctx context.Context, to string) error {
	var body bytes.Buffer
	err := s.views.Render(&body, "welcome", map[string]interface{}{
		"SiteName": s.site.Name,
		"UserName": mailbox.UserNameFromAddress(to),
		"ImageURL": s.site.WelcomeImage,
	})
	if err != nil {
		return errors.Wrap(err, "rendering welcome template")
	}

	msg, err := s.composer.Compose(&models.Draft{
		From:     s.site.Address,
		FromName: s.site.Name,
		To:       []string{to},
		Subject:  fmt.Sprintf("Welcome to %s! 🚀", s.site.Name),
		Text:     fmt.Sprintf("Welcome to %s! You have successfully logged in.", s.site.Name),
		HTML:     body.String(),
	})
	if err != nil {
		return err
	}

	site := models.Credentials{Address: s.site.Address, Secret: s.site.Secret}
	return s.transport.Send(ctx, site, site.Address, msg.Recipients, msg.Raw)
}

// Wait blocks until background deliveries have finished
func (s *Service) Wait() {
	s.background.Wait()
}

func withPrefix(subject, prefix string, existing ...string) string {
	lower := strings.ToLower(strings.TrimSpace(subject))
	for _, p := range existing {
		if strings.HasPrefix(lower, p) {
			return subject
		}
	}
	return prefix + subject
}
