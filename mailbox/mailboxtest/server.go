// Package mailboxtest provides an in-memory IMAP backend for tests. It
// implements mailbox.Conn with the same NO replies a real server gives for
// bad logins and unknown folders.
package mailboxtest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/pkg/errors"

	"shooramail/mailbox"
)

// Message is a stored message
type Message struct {
	UID          uint32
	Flags        []string
	Raw          []byte
	InternalDate time.Time
}

type folder struct {
	messages []*Message
	uidNext  uint32
}

// Server holds users and folders shared by every connection it dials
type Server struct {
	mu         sync.Mutex
	users      map[string]string
	folders    map[string]*folder
	failAppend map[string]bool

	// DialErr, when set, is returned by every Dial
	DialErr error
	// LogoutDelay stalls LOGOUT, for exercising the logout timeout
	LogoutDelay time.Duration

	dials   int
	logins  int
	logouts int
	selects []string
}

// NewServer returns a server with an empty INBOX
func NewServer() *Server {
	s := &Server{
		users:      make(map[string]string),
		folders:    make(map[string]*folder),
		failAppend: make(map[string]bool),
	}
	s.CreateFolder("INBOX")
	return s
}

// AddUser registers a login
func (s *Server) AddUser(address, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[address] = secret
}

// CreateFolder creates an empty folder if it does not exist
func (s *Server) CreateFolder(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.folders[name]; !ok {
		s.folders[name] = &folder{uidNext: 1}
	}
}

// FailAppendTo makes APPEND to name answer NO
func (s *Server) FailAppendTo(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAppend[name] = true
}

// Deliver stores raw in name and returns its UID
func (s *Server) Deliver(name string, raw []byte, flags ...string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[name]
	if !ok {
		f = &folder{uidNext: 1}
		s.folders[name] = f
	}
	return f.add(raw, flags, time.Now())
}

// Messages returns a copy of the messages in name, oldest first
func (s *Server) Messages(name string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[name]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(f.messages))
	for _, m := range f.messages {
		out = append(out, Message{
			UID:          m.UID,
			Flags:        append([]string(nil), m.Flags...),
			Raw:          append([]byte(nil), m.Raw...),
			InternalDate: m.InternalDate,
		})
	}
	return out
}

// Flags returns the flags of uid in name, or nil if it does not exist
func (s *Server) Flags(name string, uid uint32) []string {
	for _, m := range s.Messages(name) {
		if m.UID == uid {
			return m.Flags
		}
	}
	return nil
}

// Dials is the number of connections opened so far
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Logouts is the number of LOGOUT commands received so far
func (s *Server) Logouts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logouts
}

// Selected lists every SELECT in order
func (s *Server) Selected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.selects...)
}

// Dial satisfies mailbox.DialFunc
func (s *Server) Dial(ctx context.Context, addr string) (mailbox.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DialErr != nil {
		return nil, s.DialErr
	}
	s.dials++
	return &conn{srv: s}, nil
}

// Factory returns a session factory backed by s
func (s *Server) Factory() *mailbox.Factory {
	return mailbox.NewFactoryWithDialer("mailboxtest:993", s.Dial, time.Second)
}

// RawMessage builds a minimal text/plain message
func RawMessage(from, to, subject, body string, date time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", date.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return b.Bytes()
}

func (f *folder) add(raw []byte, flags []string, date time.Time) uint32 {
	uid := f.uidNext
	f.uidNext++
	f.messages = append(f.messages, &Message{
		UID:          uid,
		Flags:        append([]string(nil), flags...),
		Raw:          append([]byte(nil), raw...),
		InternalDate: date,
	})
	return uid
}

func no(info string) error {
	return &imap.ErrStatusResp{Resp: &imap.StatusResp{Type: imap.StatusRespNo, Info: info}}
}

type conn struct {
	srv      *Server
	user     string
	selected string
	loggedIn bool
}

func (c *conn) Login(username, password string) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	secret, ok := c.srv.users[username]
	if !ok || secret != password {
		return no("[AUTHENTICATIONFAILED] Invalid credentials")
	}
	c.srv.logins++
	c.user = username
	c.loggedIn = true
	return nil
}

func (c *conn) Logout() error {
	if c.srv.LogoutDelay > 0 {
		time.Sleep(c.srv.LogoutDelay)
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.srv.logouts++
	c.loggedIn = false
	return nil
}

func (c *conn) Select(name string, readOnly bool) (*imap.MailboxStatus, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if !c.loggedIn {
		return nil, errors.New("not authenticated")
	}
	c.srv.selects = append(c.srv.selects, name)
	f, ok := c.srv.folders[name]
	if !ok {
		return nil, no("Mailbox doesn't exist: " + name)
	}
	c.selected = name
	return &imap.MailboxStatus{
		Name:     name,
		ReadOnly: readOnly,
		Messages: uint32(len(f.messages)),
		UidNext:  f.uidNext,
	}, nil
}

func (c *conn) current() (*folder, error) {
	if !c.loggedIn {
		return nil, errors.New("not authenticated")
	}
	f, ok := c.srv.folders[c.selected]
	if !ok {
		return nil, errors.New("no mailbox selected")
	}
	return f, nil
}

func (c *conn) Fetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error {
	defer close(ch)

	c.srv.mu.Lock()
	f, err := c.current()
	if err != nil {
		c.srv.mu.Unlock()
		return err
	}

	var out []*imap.Message
	total := uint32(len(f.messages))
	for _, seq := range seqset.Set {
		lo, hi := seq.Start, seq.Stop
		if lo == 0 {
			lo = total
		}
		if hi == 0 {
			hi = total
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		for n := lo; n <= hi && n >= 1 && n <= total; n++ {
			m := f.messages[n-1]
			out = append(out, &imap.Message{
				SeqNum:       n,
				Uid:          m.UID,
				Flags:        append([]string(nil), m.Flags...),
				InternalDate: m.InternalDate,
				Body: map[*imap.BodySectionName]imap.Literal{
					{}: bytes.NewBuffer(append([]byte(nil), m.Raw...)),
				},
			})
		}
	}
	c.srv.mu.Unlock()

	for _, msg := range out {
		ch <- msg
	}
	return nil
}

func (c *conn) UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error {
	if ch != nil {
		defer close(ch)
	}

	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	f, err := c.current()
	if err != nil {
		return err
	}

	values, _ := value.([]interface{})
	flags := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			flags = append(flags, s)
		}
	}

	for _, m := range f.messages {
		if !seqset.Contains(m.UID) {
			continue
		}
		switch item {
		case imap.FormatFlagsOp(imap.AddFlags, true), imap.FormatFlagsOp(imap.AddFlags, false):
			for _, flag := range flags {
				if !hasFlag(m.Flags, flag) {
					m.Flags = append(m.Flags, flag)
				}
			}
		case imap.FormatFlagsOp(imap.RemoveFlags, true), imap.FormatFlagsOp(imap.RemoveFlags, false):
			kept := m.Flags[:0]
			for _, existing := range m.Flags {
				if !hasFlag(flags, existing) {
					kept = append(kept, existing)
				}
			}
			m.Flags = kept
		default:
			return errors.Errorf("unsupported store item %s", item)
		}
	}
	return nil
}

func (c *conn) UidMove(seqset *imap.SeqSet, dest string) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	f, err := c.current()
	if err != nil {
		return err
	}
	target, ok := c.srv.folders[dest]
	if !ok {
		return no("[TRYCREATE] Mailbox doesn't exist: " + dest)
	}

	kept := f.messages[:0]
	for _, m := range f.messages {
		if seqset.Contains(m.UID) {
			target.add(m.Raw, m.Flags, m.InternalDate)
			continue
		}
		kept = append(kept, m)
	}
	f.messages = kept
	return nil
}

func (c *conn) UidExpunge(seqset *imap.SeqSet) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	f, err := c.current()
	if err != nil {
		return err
	}

	kept := f.messages[:0]
	for _, m := range f.messages {
		if seqset.Contains(m.UID) && hasFlag(m.Flags, imap.DeletedFlag) {
			continue
		}
		kept = append(kept, m)
	}
	f.messages = kept
	return nil
}

func (c *conn) Append(mbox string, flags []string, date time.Time, msg imap.Literal) error {
	raw, err := io.ReadAll(msg)
	if err != nil {
		return err
	}

	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if !c.loggedIn {
		return errors.New("not authenticated")
	}
	f, ok := c.srv.folders[mbox]
	if !ok {
		return no("[TRYCREATE] Mailbox doesn't exist: " + mbox)
	}
	if c.srv.failAppend[mbox] {
		return no("APPEND failed")
	}
	f.add(raw, flags, date)
	return nil
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}
