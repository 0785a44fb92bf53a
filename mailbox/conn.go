package mailbox

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/commands"
	"github.com/pkg/errors"

	"shooramail/utils"
)

// Conn is the part of an IMAP client the session relies on. *client.Client
// provides all of it except UidExpunge, which imapConn adds.
type Conn interface {
	Login(username, password string) error
	Logout() error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	Fetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error
	UidMove(seqset *imap.SeqSet, dest string) error
	UidExpunge(seqset *imap.SeqSet) error
	Append(mbox string, flags []string, date time.Time, msg imap.Literal) error
}

// DialFunc opens an unauthenticated connection to addr
type DialFunc func(ctx context.Context, addr string) (Conn, error)

type imapConn struct {
	*client.Client
}

// uidExpunge is EXPUNGE with a sequence set, sent wrapped in UID (RFC 4315)
type uidExpunge struct {
	SeqSet *imap.SeqSet
}

func (cmd *uidExpunge) Command() *imap.Command {
	return &imap.Command{
		Name:      "EXPUNGE",
		Arguments: []interface{}{cmd.SeqSet},
	}
}

// UidExpunge permanently removes the \Deleted messages in seqset.
// Without UIDPLUS the server only offers a plain EXPUNGE of the whole folder.
func (c *imapConn) UidExpunge(seqset *imap.SeqSet) error {
	ok, err := c.Support("UIDPLUS")
	if err != nil {
		return err
	}
	if !ok {
		return c.Expunge(nil)
	}

	status, err := c.Execute(&commands.Uid{Cmd: &uidExpunge{SeqSet: seqset}}, nil)
	if err != nil {
		return err
	}
	return status.Err()
}

// NewDialer returns a DialFunc for go-imap using the given TLS policy.
// tlsConfig nil means a plain connection.
func NewDialer(tlsConfig *tls.Config, dialTimeout, commandTimeout time.Duration) DialFunc {
	return func(ctx context.Context, addr string) (Conn, error) {
		netDialer := &net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}

		var (
			conn net.Conn
			err  error
		)
		if tlsConfig != nil {
			tlsDialer := &tls.Dialer{NetDialer: netDialer, Config: tlsConfig}
			conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
		} else {
			conn, err = netDialer.DialContext(ctx, "tcp", addr)
		}
		if err != nil {
			return nil, err
		}

		// the greeting and the initial CAPABILITY share the dial budget
		if deadline := greetingDeadline(ctx, dialTimeout); !deadline.IsZero() {
			conn.SetDeadline(deadline)
		}
		stop := context.AfterFunc(ctx, func() { conn.Close() })

		c, err := client.New(conn)
		if !stop() {
			err = errors.Wrap(ctx.Err(), "greeting")
		}
		if err != nil {
			conn.Close()
			return nil, err
		}
		conn.SetDeadline(time.Time{})
		c.Timeout = commandTimeout
		c.ErrorLog = utils.Log.StdLog("imap")

		return &imapConn{Client: c}, nil
	}
}

// greetingDeadline is the earlier of now+dialTimeout and the ctx deadline
func greetingDeadline(ctx context.Context, dialTimeout time.Duration) time.Time {
	var deadline time.Time
	if dialTimeout > 0 {
		deadline = time.Now().Add(dialTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return deadline
}
