package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"

	"shooramail/mailbox"
	"shooramail/models"
	"shooramail/outbound"
	"shooramail/utils"
)

// MailboxService is the folder side of the API; *mailbox.Executor implements it
type MailboxService interface {
	FetchInbox(ctx context.Context, creds models.Credentials) (*models.InboxPage, error)
	FetchFolder(ctx context.Context, creds models.Credentials, folder string) (*models.FolderPage, error)
	SetSeen(ctx context.Context, creds models.Credentials, folder string, uid uint32, seen bool) error
	SetStarred(ctx context.Context, creds models.Credentials, folder string, uid uint32, starred bool) error
	SetImportant(ctx context.Context, creds models.Credentials, folder string, uid uint32, important bool) error
	Delete(ctx context.Context, creds models.Credentials, folder string, uid uint32) error
	Move(ctx context.Context, creds models.Credentials, folder string, uid uint32, dest string) error
}

// OutboundService is the sending side of the API; *outbound.Service implements it
type OutboundService interface {
	Send(ctx context.Context, creds models.Credentials, d *models.Draft) (*outbound.Result, error)
	Reply(ctx context.Context, creds models.Credentials, d *models.Draft, originalMessageID string) (*outbound.Result, error)
	Forward(ctx context.Context, creds models.Credentials, d *models.Draft) (*outbound.Result, error)
	SaveDraft(ctx context.Context, creds models.Credentials, d *models.Draft) error
	SendWelcome(to string)
}

// MailHandler serves the mailbox API
type MailHandler struct {
	mailbox  MailboxService
	outbound OutboundService
}

// NewMailHandler creates a new mail handler
func NewMailHandler(mb MailboxService, ob OutboundService) *MailHandler {
	return &MailHandler{mailbox: mb, outbound: ob}
}

// Register mounts every mail route on router
func (h *MailHandler) Register(router fiber.Router) {
	router.Post("/login-fetch", h.LoginFetch)
	router.Post("/inbox-fetch", h.InboxFetch)
	router.Post("/folder-fetch", h.FolderFetch)
	router.Post("/send-mail", h.SendMail)
	router.Post("/reply-mail", h.ReplyMail)
	router.Post("/forward-mail", h.ForwardMail)
	router.Post("/mark-read", h.MarkRead)
	router.Post("/toggle-star", h.ToggleStar)
	router.Post("/toggle-important", h.ToggleImportant)
	router.Post("/delete-mail", h.DeleteMail)
	router.Post("/move-mail", h.MoveMail)
	router.Post("/save-draft", h.SaveDraft)
}

// CredentialsRequest carries the mailbox login. The email/password names
// are what older clients send.
type CredentialsRequest struct {
	Address  string `json:"address"`
	Secret   string `json:"secret"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r CredentialsRequest) credentials() models.Credentials {
	creds := models.Credentials{Address: r.Address, Secret: r.Secret}
	if creds.Address == "" {
		creds.Address = r.Email
	}
	if creds.Secret == "" {
		creds.Secret = r.Password
	}
	creds.Address = strings.TrimSpace(creds.Address)
	return creds
}

// FolderRequest selects a folder
type FolderRequest struct {
	CredentialsRequest
	Folder string `json:"folder"`
}

// MessageRequest targets one message by UID
type MessageRequest struct {
	CredentialsRequest
	UID       *uint32 `json:"uid"`
	MessageID *uint32 `json:"messageId"`
	Folder    string  `json:"folder"`
}

func (r MessageRequest) uid() (uint32, bool) {
	switch {
	case r.UID != nil && *r.UID > 0:
		return *r.UID, true
	case r.MessageID != nil && *r.MessageID > 0:
		return *r.MessageID, true
	}
	return 0, false
}

// FlagRequest sets or clears one flag
type FlagRequest struct {
	MessageRequest
	Read      *bool `json:"read"`
	Starred   *bool `json:"starred"`
	Important *bool `json:"important"`
}

// MoveRequest moves one message
type MoveRequest struct {
	MessageRequest
	DestinationFolder string `json:"destinationFolder"`
}

// AttachmentRequest is a base64 encoded file
type AttachmentRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// ComposeRequest is an outgoing message or draft
type ComposeRequest struct {
	CredentialsRequest
	To                Recipients          `json:"to"`
	Subject           string              `json:"subject"`
	Body              string              `json:"body"`
	HTML              string              `json:"html"`
	Attachments       []AttachmentRequest `json:"attachments"`
	OriginalMessageID string              `json:"originalMessageId"`
}

// Recipients accepts either a single (comma separated) string or a list
type Recipients []string

// UnmarshalJSON implements json.Unmarshaler
func (r *Recipients) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			*r = nil
		} else {
			*r = Recipients{single}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return errors.Wrap(err, "to must be a string or a list of strings")
	}
	*r = list
	return nil
}

func (r ComposeRequest) draft() (*models.Draft, error) {
	d := &models.Draft{
		To:      r.To,
		Subject: r.Subject,
		Text:    r.Body,
		HTML:    r.HTML,
	}
	for _, att := range r.Attachments {
		content, err := base64.StdEncoding.DecodeString(att.Content)
		if err != nil {
			return nil, errors.Wrapf(err, "attachment %s is not base64", att.Filename)
		}
		d.Attachments = append(d.Attachments, models.OutboundAttachment{
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Content:     content,
		})
	}
	return d, nil
}

// LoginFetch checks the credentials by fetching the inbox and greets the user
func (h *MailHandler) LoginFetch(c *fiber.Ctx) error {
	var req CredentialsRequest
	creds, err := parseRequest(c, &req)
	if err != nil {
		return err
	}

	page, err := h.mailbox.FetchInbox(c.UserContext(), creds)
	if err != nil {
		return mailError(err, "error_fetch_inbox")
	}

	h.outbound.SendWelcome(creds.Address)

	return c.JSON(fiber.Map{"success": true, "data": page})
}

// InboxFetch returns the newest inbox messages
func (h *MailHandler) InboxFetch(c *fiber.Ctx) error {
	var req CredentialsRequest
	creds, err := parseRequest(c, &req)
	if err != nil {
		return err
	}

	page, err := h.mailbox.FetchInbox(c.UserContext(), creds)
	if err != nil {
		return mailError(err, "error_fetch_inbox")
	}

	return c.JSON(fiber.Map{"success": true, "data": page})
}

// FolderFetch returns the newest messages of a folder
func (h *MailHandler) FolderFetch(c *fiber.Ctx) error {
	var req FolderRequest
	creds, err := parseRequest(c, &req)
	if err != nil {
		return err
	}
	folder := strings.TrimSpace(req.Folder)
	if folder == "" {
		return badRequest("folder is required")
	}

	page, err := h.mailbox.FetchFolder(c.UserContext(), creds, folder)
	if err != nil {
		return mailError(err, "error_fetch_folder")
	}

	return c.JSON(fiber.Map{"success": true, "data": page})
}

// SendMail sends a new message
func (h *MailHandler) SendMail(c *fiber.Ctx) error {
	return h.deliver(c, "error_send", "message_sent", func(ctx context.Context, creds models.Credentials, d *models.Draft, req *ComposeRequest) (*outbound.Result, error) {
		return h.outbound.Send(ctx, creds, d)
	})
}

// ReplyMail sends a reply
func (h *MailHandler) ReplyMail(c *fiber.Ctx) error {
	return h.deliver(c, "error_reply", "message_reply_sent", func(ctx context.Context, creds models.Credentials, d *models.Draft, req *ComposeRequest) (*outbound.Result, error) {
		return h.outbound.Reply(ctx, creds, d, req.OriginalMessageID)
	})
}

// ForwardMail forwards a message
func (h *MailHandler) ForwardMail(c *fiber.Ctx) error {
	return h.deliver(c, "error_forward", "message_forwarded", func(ctx context.Context, creds models.Credentials, d *models.Draft, req *ComposeRequest) (*outbound.Result, error) {
		return h.outbound.Forward(ctx, creds, d)
	})
}

type deliverFunc func(ctx context.Context, creds models.Credentials, d *models.Draft, req *ComposeRequest) (*outbound.Result, error)

func (h *MailHandler) deliver(c *fiber.Ctx, failureID, successID string, send deliverFunc) error {
	var req ComposeRequest
	creds, err := parseRequest(c, &req)
	if err != nil {
		return err
	}
	d, err := req.draft()
	if err != nil {
		return badRequest(err.Error())
	}

	result, err := send(c.UserContext(), creds, d, &req)
	if err != nil {
		return mailError(err, failureID)
	}

	utils.Log.Debug("Delivered %s, archived to %q", result.MessageID, result.ArchiveFolder)
	return h.success(c, successID)
}

// MarkRead marks a message read or unread
func (h *MailHandler) MarkRead(c *fiber.Ctx) error {
	return h.flag(c, func(req *FlagRequest) (*bool, string, string) {
		return req.Read, "message_marked_read", "message_marked_unread"
	}, h.mailbox.SetSeen)
}

// ToggleStar stars or unstars a message
func (h *MailHandler) ToggleStar(c *fiber.Ctx) error {
	return h.flag(c, func(req *FlagRequest) (*bool, string, string) {
		return req.Starred, "message_starred", "message_unstarred"
	}, h.mailbox.SetStarred)
}

// ToggleImportant marks a message important or not
func (h *MailHandler) ToggleImportant(c *fiber.Ctx) error {
	return h.flag(c, func(req *FlagRequest) (*bool, string, string) {
		return req.Important, "message_important", "message_unimportant"
	}, h.mailbox.SetImportant)
}

type flagSetter func(ctx context.Context, creds models.Credentials, folder string, uid uint32, on bool) error

func (h *MailHandler) flag(c *fiber.Ctx, pick func(*FlagRequest) (*bool, string, string), set flagSetter) error {
	var req FlagRequest
	creds, err := parseRequest(c, &req)
	if err != nil {
		return err
	}
	uid, ok := req.uid()
	if !ok {
		return badRequest("uid is required")
	}
	value, onID, offID := pick(&req)
	if value == nil {
		return badRequest("flag value is required")
	}

	if err := set(c.UserContext(), creds, req.Folder, uid, *value); err != nil {
		return mailError(err, "error_mark")
	}

	if *value {
		return h.success(c, onID)
	}
	return h.success(c, offID)
}

// DeleteMail permanently removes a message
func (h *MailHandler) DeleteMail(c *fiber.Ctx) error {
	var req MessageRequest
	creds, err := parseRequest(c, &req)
	if err != nil {
		return err
	}
	uid, ok := req.uid()
	if !ok {
		return badRequest("uid is required")
	}

	if err := h.mailbox.Delete(c.UserContext(), creds, req.Folder, uid); err != nil {
		return mailError(err, "error_delete")
	}
	return h.success(c, "message_deleted")
}

// MoveMail moves a message to another folder
func (h *MailHandler) MoveMail(c *fiber.Ctx) error {
	var req MoveRequest
	creds, err := parseRequest(c, &req)
	if err != nil {
		return err
	}
	uid, ok := req.uid()
	if !ok {
		return badRequest("uid is required")
	}
	dest := strings.TrimSpace(req.DestinationFolder)
	if dest == "" {
		return badRequest("destinationFolder is required")
	}

	if err := h.mailbox.Move(c.UserContext(), creds, req.Folder, uid, dest); err != nil {
		return mailError(err, "error_move")
	}
	return h.success(c, "message_moved")
}

// SaveDraft stores a draft in the Drafts folder
func (h *MailHandler) SaveDraft(c *fiber.Ctx) error {
	var req ComposeRequest
	creds, err := parseRequest(c, &req)
	if err != nil {
		return err
	}
	d, err := req.draft()
	if err != nil {
		return badRequest(err.Error())
	}

	if err := h.outbound.SaveDraft(c.UserContext(), creds, d); err != nil {
		return mailError(err, "error_save_draft")
	}
	return h.success(c, "message_draft_saved")
}

func (h *MailHandler) success(c *fiber.Ctx, messageID string) error {
	return c.JSON(fiber.Map{
		"success": true,
		"message": utils.T(localizer(c), messageID),
	})
}

type credentialed interface {
	credentials() models.Credentials
}

// parseRequest decodes the body into req and returns the login it carries
func parseRequest(c *fiber.Ctx, req credentialed) (models.Credentials, error) {
	if err := c.BodyParser(req); err != nil {
		return models.Credentials{}, badRequest(err.Error())
	}
	creds := req.credentials()
	if !creds.Valid() {
		return models.Credentials{}, utils.BadRequestError("missing credentials", nil).
			WithMessageID("error_missing_credentials")
	}
	return creds, nil
}

func badRequest(reason string) error {
	return utils.BadRequestError("invalid request", errors.New(reason)).
		WithMessageID("error_bad_request")
}

// mailError maps mailbox and outbound failures onto HTTP errors. Clients
// only ever see the localized messageID, never protocol text.
func mailError(err error, messageID string) error {
	switch {
	case mailbox.IsAuthError(err):
		return utils.UnauthorizedError("authentication failed", err).WithMessageID("error_auth")
	case errors.Is(err, outbound.ErrInvalidDraft):
		return utils.BadRequestError("invalid draft", err).WithMessageID("error_bad_request")
	default:
		return utils.InternalServerError(messageID, err).WithMessageID(messageID)
	}
}
