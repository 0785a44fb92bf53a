package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap"
	"github.com/pkg/errors"

	"shooramail/config"
	"shooramail/models"
	"shooramail/utils"
)

// Factory opens authenticated single-use sessions against one IMAP host.
// There is no pooling: every Open dials a new connection.
type Factory struct {
	addr          string
	dial          DialFunc
	logoutTimeout time.Duration
}

// NewFactory builds a Factory from the IMAP config
func NewFactory(cfg config.IMAPConfig) *Factory {
	var tlsConfig *tls.Config
	if cfg.TLS {
		tlsConfig = &tls.Config{
			ServerName:         cfg.Server,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		}
	}
	return NewFactoryWithDialer(
		fmt.Sprintf("%s:%d", cfg.Server, cfg.Port),
		NewDialer(tlsConfig, cfg.DialTimeout, cfg.CommandTimeout),
		cfg.LogoutTimeout,
	)
}

// NewFactoryWithDialer lets callers (and tests) supply the transport
func NewFactoryWithDialer(addr string, dial DialFunc, logoutTimeout time.Duration) *Factory {
	if logoutTimeout <= 0 {
		logoutTimeout = 5 * time.Second
	}
	return &Factory{addr: addr, dial: dial, logoutTimeout: logoutTimeout}
}

// Open dials and logs in. The caller must Close the returned session.
func (f *Factory) Open(ctx context.Context, creds models.Credentials) (*Session, error) {
	if !creds.Valid() {
		return nil, errors.Wrap(ErrAuthentication, "missing credentials")
	}

	conn, err := f.dial(ctx, f.addr)
	if err != nil {
		utils.Log.Warn("IMAP dial %s failed: %v", f.addr, err)
		return nil, errors.Wrapf(ErrConnection, "dial %s: %v", f.addr, err)
	}

	if err := conn.Login(creds.Address, creds.Secret); err != nil {
		_ = conn.Logout()
		if isNoResponse(err) || isBadResponse(err) {
			return nil, errors.Wrap(ErrAuthentication, err.Error())
		}
		return nil, errors.Wrapf(ErrConnection, "login: %v", err)
	}

	return &Session{conn: conn, logoutTimeout: f.logoutTimeout}, nil
}

// Session is one authenticated connection used for a single unit of work.
// It holds at most one folder lock at a time and must be closed exactly once.
type Session struct {
	conn          Conn
	mu            sync.Mutex
	logoutTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
	closed    bool
	stateMu   sync.Mutex
}

// Lock selects folder and grants exclusive use of it until Release.
// A NO reply to SELECT is reported as ErrFolderNotFound.
func (s *Session) Lock(folder string) (*Lock, error) {
	s.mu.Lock()

	if s.isClosed() {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}

	status, err := s.conn.Select(folder, false)
	if err != nil {
		s.mu.Unlock()
		if isNoResponse(err) {
			return nil, errors.Wrapf(ErrFolderNotFound, "%s: %v", folder, err)
		}
		return nil, errors.Wrapf(err, "select %s", folder)
	}

	return &Lock{session: s, folder: folder, status: status}, nil
}

// Close logs out, bounded by the logout timeout. Repeated calls are no-ops.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.stateMu.Lock()
		s.closed = true
		s.stateMu.Unlock()

		done := make(chan error, 1)
		go func() {
			done <- s.conn.Logout()
		}()

		timer := time.NewTimer(s.logoutTimeout)
		defer timer.Stop()

		select {
		case err := <-done:
			if err != nil {
				utils.Log.Debug("IMAP logout error: %v", err)
			}
			s.closeErr = err
		case <-timer.C:
			utils.Log.Warn("IMAP logout timed out after %s", s.logoutTimeout)
			s.closeErr = errors.New("logout timed out")
		}
	})
	return s.closeErr
}

func (s *Session) isClosed() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.closed
}

// Lock is exclusive access to one selected folder. Every protocol action on
// the folder is a method of Lock and fails with ErrLockReleased after Release.
type Lock struct {
	session     *Session
	folder      string
	status      *imap.MailboxStatus
	releaseOnce sync.Once
	released    atomic.Bool
}

// Folder returns the locked folder name
func (l *Lock) Folder() string { return l.folder }

// Total is the message count reported by SELECT
func (l *Lock) Total() uint32 {
	if l.status == nil {
		return 0
	}
	return l.status.Messages
}

// Release gives the folder back. Safe to call more than once.
func (l *Lock) Release() {
	l.releaseOnce.Do(func() {
		l.released.Store(true)
		l.session.mu.Unlock()
	})
}

func (l *Lock) held() error {
	if l.released.Load() {
		return ErrLockReleased
	}
	return nil
}

// Fetch streams the messages in seqset
func (l *Lock) Fetch(seqset *imap.SeqSet, items []imap.FetchItem) ([]*imap.Message, error) {
	if err := l.held(); err != nil {
		return nil, err
	}
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- l.session.conn.Fetch(seqset, items, messages)
	}()

	var out []*imap.Message
	for msg := range messages {
		out = append(out, msg)
	}

	if err := <-done; err != nil {
		return out, err
	}
	return out, nil
}

// AddFlags sets flags on the message with the given UID
func (l *Lock) AddFlags(uid uint32, flags ...string) error {
	return l.storeFlags(uid, imap.AddFlags, flags)
}

// RemoveFlags clears flags on the message with the given UID
func (l *Lock) RemoveFlags(uid uint32, flags ...string) error {
	return l.storeFlags(uid, imap.RemoveFlags, flags)
}

func (l *Lock) storeFlags(uid uint32, op imap.FlagsOp, flags []string) error {
	if err := l.held(); err != nil {
		return err
	}
	item := imap.FormatFlagsOp(op, true)
	values := make([]interface{}, len(flags))
	for i, f := range flags {
		values[i] = f
	}
	return l.session.conn.UidStore(uidSet(uid), item, values, nil)
}

// Expunge permanently removes the message with the given UID
func (l *Lock) Expunge(uid uint32) error {
	if err := l.held(); err != nil {
		return err
	}
	return l.session.conn.UidExpunge(uidSet(uid))
}

// Move moves the message with the given UID to dest in one command
func (l *Lock) Move(uid uint32, dest string) error {
	if err := l.held(); err != nil {
		return err
	}
	return l.session.conn.UidMove(uidSet(uid), dest)
}

// Append stores msg in the locked folder
func (l *Lock) Append(msg imap.Literal, flags []string, date time.Time) error {
	if err := l.held(); err != nil {
		return err
	}
	return l.session.conn.Append(l.folder, flags, date, msg)
}

func uidSet(uid uint32) *imap.SeqSet {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	return seqSet
}

func isBadResponse(err error) bool {
	var statusErr *imap.ErrStatusResp
	if errors.As(err, &statusErr) && statusErr.Resp != nil {
		return statusErr.Resp.Type == imap.StatusRespBad
	}
	return false
}
