package outbound

import (
	"bytes"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
	"golang.org/x/net/html"

	"shooramail/models"
	"shooramail/utils"
)

// ErrInvalidDraft means the draft can't be turned into a message
var ErrInvalidDraft = errors.New("invalid draft")

// Composed is a wire-ready RFC 5322 message
type Composed struct {
	MessageID  string
	Recipients []string
	Raw        []byte
}

// Composer builds RFC 5322 messages from drafts
type Composer struct {
	now func() time.Time
}

// NewComposer creates a new Composer
func NewComposer() *Composer {
	return &Composer{now: time.Now}
}

// Compose encodes d as multipart/mixed holding a text/html alternative
// and any attachments. When only HTML is given a plain text copy is
// derived from it.
func (c *Composer) Compose(d *models.Draft) (*Composed, error) {
	if d == nil {
		return nil, errors.Wrap(ErrInvalidDraft, "nil draft")
	}

	from, err := mail.ParseAddress(d.From)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidDraft, "from %q: %v", d.From, err)
	}
	if d.FromName != "" {
		from.Name = d.FromName
	}

	to, err := parseRecipients(d.To)
	if err != nil {
		return nil, err
	}

	text := d.Text
	if text == "" && d.HTML != "" {
		// StrictPolicy re-escapes the text it keeps
		text = html.UnescapeString(utils.StripHTML(d.HTML))
	}

	messageID := utils.GenerateMessageID(domainOf(from.Address))

	var h mail.Header
	h.SetDate(c.now())
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", to)
	h.SetSubject(d.Subject)
	h.Set("Message-Id", messageID)
	if d.InReplyTo != "" {
		h.Set("In-Reply-To", bracketID(d.InReplyTo))
	}
	if refs := references(d); len(refs) > 0 {
		h.Set("References", strings.Join(refs, " "))
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, errors.Wrap(err, "creating message writer")
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, errors.Wrap(err, "creating inline part")
	}
	if err := writeInline(tw, "text/plain", text); err != nil {
		return nil, err
	}
	if d.HTML != "" {
		if err := writeInline(tw, "text/html", d.HTML); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, errors.Wrap(err, "closing inline part")
	}

	for _, att := range d.Attachments {
		if err := writeAttachment(mw, att); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, errors.Wrap(err, "closing message")
	}

	recipients := make([]string, 0, len(to))
	for _, a := range to {
		recipients = append(recipients, a.Address)
	}

	return &Composed{
		MessageID:  messageID,
		Recipients: recipients,
		Raw:        buf.Bytes(),
	}, nil
}

func writeInline(tw *mail.InlineWriter, contentType, body string) error {
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := tw.CreatePart(h)
	if err != nil {
		return errors.Wrapf(err, "creating %s part", contentType)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return errors.Wrapf(err, "writing %s part", contentType)
	}
	return w.Close()
}

func writeAttachment(mw *mail.Writer, att models.OutboundAttachment) error {
	contentType := att.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(extension(att.Filename))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var h mail.AttachmentHeader
	h.Set("Content-Type", contentType)
	h.SetFilename(att.Filename)

	w, err := mw.CreateAttachment(h)
	if err != nil {
		return errors.Wrapf(err, "creating attachment %s", att.Filename)
	}
	if _, err := w.Write(att.Content); err != nil {
		return errors.Wrapf(err, "writing attachment %s", att.Filename)
	}
	return w.Close()
}

func parseRecipients(to []string) ([]*mail.Address, error) {
	var out []*mail.Address
	for _, raw := range to {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		list, err := mail.ParseAddressList(raw)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidDraft, "recipient %q: %v", raw, err)
		}
		out = append(out, list...)
	}
	if len(out) == 0 {
		return nil, errors.Wrap(ErrInvalidDraft, "no recipients")
	}
	return out, nil
}

func references(d *models.Draft) []string {
	refs := make([]string, 0, len(d.References)+1)
	for _, r := range d.References {
		if r = strings.TrimSpace(r); r != "" {
			refs = append(refs, bracketID(r))
		}
	}
	if d.InReplyTo != "" {
		id := bracketID(d.InReplyTo)
		for _, r := range refs {
			if r == id {
				return refs
			}
		}
		refs = append(refs, id)
	}
	return refs
}

func bracketID(id string) string {
	id = strings.TrimSpace(id)
	if !strings.HasPrefix(id, "<") {
		id = "<" + id
	}
	if !strings.HasSuffix(id, ">") {
		id += ">"
	}
	return id
}

func domainOf(address string) string {
	if i := strings.LastIndex(address, "@"); i >= 0 {
		return address[i+1:]
	}
	return "localhost"
}

func extension(filename string) string {
	if i := strings.LastIndex(filename, "."); i >= 0 {
		return filename[i:]
	}
	return ""
}
