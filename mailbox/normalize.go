package mailbox

import (
	"bytes"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-imap"
	"github.com/jhillyerd/enmime"
	"github.com/pkg/errors"
	"golang.org/x/net/html"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"shooramail/models"
	"shooramail/utils"
)

// PreviewLength is the number of characters kept in Message.Preview
const PreviewLength = 100

var (
	quotedNameRe  = regexp.MustCompile(`"([^"]*)"`)
	bracketAddrRe = regexp.MustCompile(`<([^>]*)>`)
	blankLineRe   = regexp.MustCompile(`\n[ \t]*\n\s*`)
)

// Normalizer turns a fetched IMAP message into a models.Message
type Normalizer struct {
	importantFlag string
	sanitize      bool
}

// NewNormalizer creates a Normalizer. importantFlag is the server-specific
// keyword marking important mail; sanitize runs HTML bodies through bluemonday.
func NewNormalizer(importantFlag string, sanitize bool) *Normalizer {
	if importantFlag == "" {
		importantFlag = "Important"
	}
	return &Normalizer{importantFlag: importantFlag, sanitize: sanitize}
}

// Normalize parses source (the full RFC 5322 message) and combines it with
// the UID, flags and dates from raw. Folder is left for the caller to stamp.
func (n *Normalizer) Normalize(raw *imap.Message, source []byte) (*models.Message, error) {
	if raw == nil {
		return nil, errors.New("nil message")
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(source))
	if err != nil {
		return nil, errors.Wrapf(err, "parsing message %d", raw.Uid)
	}

	fromText := env.GetHeader("From")
	if fromText == "" && raw.Envelope != nil {
		fromText = formatAddressList(raw.Envelope.From)
	}
	toText := env.GetHeader("To")
	if toText == "" && raw.Envelope != nil {
		toText = formatAddressList(raw.Envelope.To)
	}

	senderName, senderEmail := parseSender(fromText)
	toName, toEmail := parseRecipient(toText)

	subject := env.GetHeader("Subject")
	if subject == "" && raw.Envelope != nil {
		subject = raw.Envelope.Subject
	}

	textAsHTML := textToHTML(env.Text)

	htmlBody := env.HTML
	if htmlBody != "" && n.sanitize {
		htmlBody = utils.SanitizeHTML(htmlBody)
	}

	msg := &models.Message{
		UID:         raw.Uid,
		Sender:      senderName,
		SenderEmail: senderEmail,
		To:          toName,
		ToEmail:     toEmail,
		Subject:     subject,
		Preview:     preview(textAsHTML, env.Text),
		Body:        firstNonEmpty(htmlBody, textAsHTML, env.Text),
		Date:        messageDate(raw, env),
		Unread:      !hasFlag(raw.Flags, imap.SeenFlag),
		Flagged:     hasFlag(raw.Flags, imap.FlaggedFlag),
		Important:   hasFlag(raw.Flags, n.importantFlag),
		Attachments: attachments(env),
	}

	return msg, nil
}

// parseSender prefers a quoted display name, then the text before '<'.
func parseSender(text string) (name, address string) {
	if m := quotedNameRe.FindStringSubmatch(text); m != nil {
		name = m[1]
	} else {
		name = strings.TrimSpace(strings.SplitN(text, "<", 2)[0])
	}
	if name == "" {
		name = "Unknown"
	}

	if m := bracketAddrRe.FindStringSubmatch(text); m != nil {
		address = m[1]
	} else {
		address = text
	}
	return name, address
}

// parseRecipient prefers the bracketed address even for the display name,
// falling back to the local part of the raw header.
func parseRecipient(text string) (name, address string) {
	if m := bracketAddrRe.FindStringSubmatch(text); m != nil {
		return m[1], m[1]
	}
	name = strings.TrimSpace(strings.SplitN(text, "@", 2)[0])
	if name == "" {
		name = "Unknown"
	}
	return name, text
}

// textToHTML renders plain text as escaped HTML paragraphs
func textToHTML(text string) string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	if text == "" {
		return ""
	}

	var b strings.Builder
	for _, para := range blankLineRe.Split(text, -1) {
		lines := strings.Split(para, "\n")
		for i, line := range lines {
			lines[i] = html.EscapeString(line)
		}
		b.WriteString("<p>")
		b.WriteString(strings.Join(lines, "<br/>"))
		b.WriteString("</p>")
	}
	return b.String()
}

func preview(textAsHTML, text string) string {
	return truncate(firstNonEmpty(textAsHTML, text), PreviewLength)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

func messageDate(raw *imap.Message, env *enmime.Envelope) time.Time {
	if d, err := mail.ParseDate(env.GetHeader("Date")); err == nil {
		return d
	}
	if raw.Envelope != nil && !raw.Envelope.Date.IsZero() {
		return raw.Envelope.Date
	}
	return raw.InternalDate
}

func attachments(env *enmime.Envelope) []models.Attachment {
	parts := make([]*enmime.Part, 0, len(env.Attachments)+len(env.Inlines))
	parts = append(parts, env.Attachments...)
	parts = append(parts, env.Inlines...)

	out := make([]models.Attachment, 0, len(parts))
	for _, p := range parts {
		out = append(out, models.Attachment{
			Filename:    p.FileName,
			ContentType: p.ContentType,
			ContentID:   p.ContentID,
			Size:        len(p.Content),
			Content:     p.Content,
		})
	}
	return out
}

func formatAddressList(addrs []*imap.Address) string {
	list := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a == nil {
			continue
		}
		ma := mail.Address{Name: a.PersonalName, Address: a.Address()}
		list = append(list, ma.String())
	}
	return strings.Join(list, ", ")
}

// UserNameFromAddress turns "john.doe@host" into "John Doe"
func UserNameFromAddress(address string) string {
	local := address
	if i := strings.Index(local, "@"); i >= 0 {
		local = local[:i]
	}

	upper := cases.Upper(language.Und) // a Caser is not safe for concurrent use
	parts := strings.Split(local, ".")
	for i, p := range parts {
		if p == "" {
			continue
		}
		r, size := utf8.DecodeRuneInString(p)
		parts[i] = upper.String(string(r)) + p[size:]
	}
	return strings.Join(parts, " ")
}
