package outbound

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/pkg/errors"

	"shooramail/config"
	"shooramail/models"
	"shooramail/utils"
)

// ErrTransport wraps every failure to hand a message to the relay
var ErrTransport = errors.New("mail transport failed")

// Transport delivers a composed message. It is independent of any IMAP session.
type Transport interface {
	Send(ctx context.Context, creds models.Credentials, from string, to []string, msg []byte) error
}

// SMTPTransport submits mail through the configured relay with PLAIN auth
type SMTPTransport struct {
	cfg config.SMTPConfig
}

// NewSMTPTransport creates a new SMTP transport
func NewSMTPTransport(cfg config.SMTPConfig) *SMTPTransport {
	return &SMTPTransport{cfg: cfg}
}

// Send opens a fresh connection, authenticates as creds and submits msg
func (t *SMTPTransport) Send(ctx context.Context, creds models.Credentials, from string, to []string, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}

	addr := fmt.Sprintf("%s:%d", t.cfg.Server, t.cfg.GetPort())
	utils.Log.Debug("Connecting to %s for %s", addr, creds)

	tlsConfig := &tls.Config{
		ServerName:         t.cfg.Server,
		InsecureSkipVerify: t.cfg.InsecureSkipVerify,
	}

	client, err := t.dial(ctx, addr, tlsConfig)
	if err != nil {
		return errors.Wrapf(ErrTransport, "dial %s: %v", addr, err)
	}
	defer client.Close()

	// a cancelled ctx aborts whatever command is in flight
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	timeout := t.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); timeout <= 0 || left < timeout {
			timeout = left
		}
	}
	if timeout > 0 {
		client.CommandTimeout = timeout
		client.SubmissionTimeout = timeout
	}

	helo := creds.Domain()
	if helo == "" {
		helo = "localhost"
	}
	if err := client.Hello(helo); err != nil {
		return errors.Wrapf(ErrTransport, "hello: %v", err)
	}

	if t.cfg.UseSTARTTLS {
		if err := client.StartTLS(tlsConfig); err != nil {
			return errors.Wrapf(ErrTransport, "starttls: %v", err)
		}
	}

	if err := client.Auth(sasl.NewPlainClient("", creds.Address, creds.Secret)); err != nil {
		return errors.Wrapf(ErrTransport, "auth: %v", err)
	}

	if err := client.SendMail(from, to, bytes.NewReader(msg)); err != nil {
		return errors.Wrapf(ErrTransport, "send: %v", err)
	}

	if err := client.Quit(); err != nil {
		// the message was accepted at the final dot
		utils.Log.Debug("SMTP quit: %v", err)
	}

	utils.Log.Info("Submitted %s to %d recipient(s) via %s", humanize.Bytes(uint64(len(msg))), len(to), t.cfg.Server)
	return nil
}

// dial connects and reads the greeting, bounded by the configured timeout
// and the ctx deadline
func (t *SMTPTransport) dial(ctx context.Context, addr string, tlsConfig *tls.Config) (*smtp.Client, error) {
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	netDialer := &net.Dialer{}
	var (
		conn net.Conn
		err  error
	)
	if t.cfg.UseSTARTTLS {
		conn, err = netDialer.DialContext(ctx, "tcp", addr)
	} else {
		tlsDialer := &tls.Dialer{NetDialer: netDialer, Config: tlsConfig}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	client, err := smtp.NewClient(conn, t.cfg.Server)
	if !stop() {
		err = errors.Wrap(ctx.Err(), "greeting")
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return client, nil
}
