package mailbox

import (
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSender(t *testing.T) {
	tests := []struct {
		in       string
		wantName string
		wantAddr string
	}{
		{`"Alice Example" <alice@example.com>`, "Alice Example", "alice@example.com"},
		{`Bob Smith <bob@example.com>`, "Bob Smith", "bob@example.com"},
		{`carol@example.com`, "carol@example.com", "carol@example.com"},
		{`<dave@example.com>`, "Unknown", "dave@example.com"},
		{``, "Unknown", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			name, addr := parseSender(tt.in)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantAddr, addr)
		})
	}
}

func TestParseRecipient(t *testing.T) {
	tests := []struct {
		in       string
		wantName string
		wantAddr string
	}{
		// the bracketed address wins over the display name
		{`"Alice Example" <alice@example.com>`, "alice@example.com", "alice@example.com"},
		{`john.doe@example.com`, "john.doe", "john.doe@example.com"},
		{``, "Unknown", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			name, addr := parseRecipient(tt.in)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantAddr, addr)
		})
	}
}

func TestTextToHTML(t *testing.T) {
	assert.Equal(t, "", textToHTML("  \r\n "))
	assert.Equal(t, "<p>Hello &lt;world&gt;</p>", textToHTML("Hello <world>"))
	assert.Equal(t,
		"<p>line one<br/>line two</p><p>second paragraph</p>",
		textToHTML("line one\r\nline two\r\n\r\nsecond paragraph\r\n"),
	)
}

func TestUserNameFromAddress(t *testing.T) {
	assert.Equal(t, "John Doe", UserNameFromAddress("john.doe@example.com"))
	assert.Equal(t, "Admin", UserNameFromAddress("admin@example.com"))
	assert.Equal(t, "Élodie Martin", UserNameFromAddress("élodie.martin@example.com"))
	assert.Equal(t, "", UserNameFromAddress(""))
}

const multipartSource = "From: \"Alice Example\" <alice@example.com>\r\n" +
	"To: John Doe <john.doe@example.com>\r\n" +
	"Subject: Quarterly report\r\n" +
	"Date: Mon, 04 Mar 2024 10:30:00 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"outer\"\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: multipart/alternative; boundary=\"inner\"\r\n" +
	"\r\n" +
	"--inner\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Numbers attached.\r\n" +
	"--inner\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p onclick=\"steal()\">Numbers <b>attached</b>.</p><script>alert(1)</script>\r\n" +
	"--inner--\r\n" +
	"--outer\r\n" +
	"Content-Type: text/csv; name=\"report.csv\"\r\n" +
	"Content-Disposition: attachment; filename=\"report.csv\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"YSxiLGMKMSwyLDMK\r\n" +
	"--outer--\r\n"

func TestNormalize_Multipart(t *testing.T) {
	n := NewNormalizer("Important", true)
	raw := &imap.Message{
		SeqNum:       4,
		Uid:          42,
		Flags:        []string{imap.SeenFlag, imap.FlaggedFlag, "important"},
		InternalDate: time.Date(2024, 3, 4, 10, 31, 0, 0, time.UTC),
	}

	msg, err := n.Normalize(raw, []byte(multipartSource))
	require.NoError(t, err)

	assert.Equal(t, uint32(42), msg.UID)
	assert.Equal(t, "Alice Example", msg.Sender)
	assert.Equal(t, "alice@example.com", msg.SenderEmail)
	assert.Equal(t, "john.doe@example.com", msg.To)
	assert.Equal(t, "john.doe@example.com", msg.ToEmail)
	assert.Equal(t, "Quarterly report", msg.Subject)
	assert.True(t, msg.Date.Equal(time.Date(2024, 3, 4, 10, 30, 0, 0, time.UTC)))

	assert.False(t, msg.Unread)
	assert.True(t, msg.Flagged)
	assert.True(t, msg.Important)
	assert.Empty(t, msg.Folder)

	assert.Contains(t, msg.Body, "<b>attached</b>")
	assert.NotContains(t, msg.Body, "<script>")
	assert.NotContains(t, msg.Body, "onclick")
	assert.Equal(t, "<p>Numbers attached.</p>", msg.Preview)

	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "report.csv", msg.Attachments[0].Filename)
	assert.Equal(t, "text/csv", msg.Attachments[0].ContentType)
	assert.Equal(t, len("a,b,c\n1,2,3\n"), msg.Attachments[0].Size)
}

func TestNormalize_PlainTextFallbacks(t *testing.T) {
	n := NewNormalizer("", false)
	internal := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	source := "From: carol@example.com\r\n" +
		"To: team@example.com\r\n" +
		"Subject: Notes\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		strings.Repeat("x", 150) + "\r\n"

	msg, err := n.Normalize(&imap.Message{Uid: 7, InternalDate: internal}, []byte(source))
	require.NoError(t, err)

	assert.True(t, msg.Unread)
	assert.False(t, msg.Flagged)
	assert.False(t, msg.Important)
	assert.Equal(t, "team", msg.To)
	assert.Equal(t, "team@example.com", msg.ToEmail)
	assert.Equal(t, "<p>"+strings.Repeat("x", 150)+"</p>", msg.Body)
	assert.Equal(t, PreviewLength, len([]rune(msg.Preview)))
	assert.True(t, msg.Date.Equal(internal))
	assert.Empty(t, msg.Attachments)
}

func TestNormalize_EnvelopeFallback(t *testing.T) {
	n := NewNormalizer("Important", true)
	envDate := time.Date(2023, 12, 24, 18, 0, 0, 0, time.UTC)
	raw := &imap.Message{
		Uid: 9,
		Envelope: &imap.Envelope{
			Date:    envDate,
			Subject: "From the envelope",
			From:    []*imap.Address{{PersonalName: "Eve", MailboxName: "eve", HostName: "example.com"}},
			To:      []*imap.Address{{MailboxName: "frank", HostName: "example.com"}},
		},
	}

	msg, err := n.Normalize(raw, []byte("Content-Type: text/plain\r\n\r\nhi\r\n"))
	require.NoError(t, err)

	assert.Equal(t, "From the envelope", msg.Subject)
	assert.Equal(t, "Eve", msg.Sender)
	assert.Equal(t, "eve@example.com", msg.SenderEmail)
	assert.Equal(t, "frank@example.com", msg.ToEmail)
	assert.True(t, msg.Date.Equal(envDate))
}

func TestNormalize_NilMessage(t *testing.T) {
	_, err := NewNormalizer("Important", true).Normalize(nil, nil)
	assert.Error(t, err)
}
