package mailbox

import (
	"bytes"
	"context"
	"io"
	"sort"
	"time"

	"github.com/emersion/go-imap"
	"github.com/pkg/errors"

	"shooramail/config"
	"shooramail/models"
	"shooramail/utils"
)

// Inbox is the folder every non folder-scoped operation targets
const Inbox = "INBOX"

// Opener opens authenticated sessions; *Factory implements it
type Opener interface {
	Open(ctx context.Context, creds models.Credentials) (*Session, error)
}

// Executor runs exactly one folder operation per session:
// open, lock, act, release, close.
type Executor struct {
	sessions      Opener
	normalizer    *Normalizer
	inboxLimit    uint32
	folderLimit   uint32
	importantFlag string
}

// NewExecutor creates an Executor using the mail conventions in cfg
func NewExecutor(sessions Opener, cfg config.MailConfig) *Executor {
	return &Executor{
		sessions:      sessions,
		normalizer:    NewNormalizer(cfg.ImportantFlag, cfg.SanitizeHTML),
		inboxLimit:    cfg.InboxLimit,
		folderLimit:   cfg.FolderLimit,
		importantFlag: cfg.ImportantFlag,
	}
}

// WithMailbox opens a session, locks folder and runs fn while holding the
// lock. The lock is released and the session closed on every exit path.
func (e *Executor) WithMailbox(ctx context.Context, creds models.Credentials, folder string, fn func(*Lock) error) error {
	session, err := e.sessions.Open(ctx, creds)
	if err != nil {
		return err
	}
	defer session.Close()

	lock, err := session.Lock(folder)
	if err != nil {
		return err
	}
	defer lock.Release()

	return fn(lock)
}

// FetchInbox returns the newest inbox messages, newest first
func (e *Executor) FetchInbox(ctx context.Context, creds models.Credentials) (*models.InboxPage, error) {
	var messages []models.Message
	err := e.WithMailbox(ctx, creds, Inbox, func(l *Lock) error {
		var err error
		messages, err = e.fetchNewest(l, e.inboxLimit)
		return err
	})
	if err != nil {
		return nil, opError("fetch inbox", Inbox, err)
	}

	return &models.InboxPage{
		UserName: UserNameFromAddress(creds.Address),
		Messages: messages,
	}, nil
}

// FetchFolder returns the newest messages of folder, newest first.
// A folder the server does not know yields an empty page, not an error.
func (e *Executor) FetchFolder(ctx context.Context, creds models.Credentials, folder string) (*models.FolderPage, error) {
	var messages []models.Message
	err := e.WithMailbox(ctx, creds, folder, func(l *Lock) error {
		var err error
		messages, err = e.fetchNewest(l, e.folderLimit)
		return err
	})
	if errors.Is(err, ErrFolderNotFound) {
		utils.Log.Debug("Folder %q not found, returning no messages", folder)
		err = nil
		messages = nil
	}
	if err != nil {
		return nil, opError("fetch folder", folder, err)
	}

	if messages == nil {
		messages = []models.Message{}
	}
	return &models.FolderPage{Folder: folder, Messages: messages}, nil
}

// fetchNewest fetches max(1, total-limit+1):* from the locked folder
func (e *Executor) fetchNewest(l *Lock, limit uint32) ([]models.Message, error) {
	total := l.Total()
	if total == 0 {
		return []models.Message{}, nil
	}

	from := uint32(1)
	if total > limit {
		from = total - limit + 1
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(from, 0) // 0 is '*'

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchUid,
		imap.FetchInternalDate,
		section.FetchItem(),
	}

	raw, err := l.Fetch(seqSet, items)
	if err != nil {
		return nil, errors.Wrap(err, "fetch")
	}

	// newest first
	sort.SliceStable(raw, func(i, j int) bool {
		return raw[i].SeqNum > raw[j].SeqNum
	})
	// '*' always matches the last message even when the range starts past it
	if len(raw) > int(limit) {
		raw = raw[:limit]
	}

	messages := make([]models.Message, 0, len(raw))
	for _, msg := range raw {
		source, err := readSource(msg, section)
		if err != nil {
			utils.Log.Warn("Skipping message %d in %s: %v", msg.Uid, l.Folder(), err)
			continue
		}

		parsed, err := e.normalizer.Normalize(msg, source)
		if err != nil {
			utils.Log.Warn("Error processing message %d in %s: %v", msg.Uid, l.Folder(), err)
			continue
		}
		parsed.Folder = l.Folder()
		messages = append(messages, *parsed)
	}

	return messages, nil
}

func readSource(msg *imap.Message, section *imap.BodySectionName) ([]byte, error) {
	body := msg.GetBody(section)
	if body == nil {
		// only one body section is requested, take whatever came back
		for _, literal := range msg.Body {
			body = literal
			break
		}
	}
	if body == nil {
		return nil, errors.New("no message source in fetch response")
	}
	return io.ReadAll(body)
}

// SetSeen marks a message read (seen=true) or unread
func (e *Executor) SetSeen(ctx context.Context, creds models.Credentials, folder string, uid uint32, seen bool) error {
	return e.setFlag(ctx, creds, folder, uid, imap.SeenFlag, seen, "mark read")
}

// SetStarred adds or removes \Flagged
func (e *Executor) SetStarred(ctx context.Context, creds models.Credentials, folder string, uid uint32, starred bool) error {
	return e.setFlag(ctx, creds, folder, uid, imap.FlaggedFlag, starred, "toggle star")
}

// SetImportant adds or removes the server's Important keyword
func (e *Executor) SetImportant(ctx context.Context, creds models.Credentials, folder string, uid uint32, important bool) error {
	return e.setFlag(ctx, creds, folder, uid, e.importantFlag, important, "toggle important")
}

func (e *Executor) setFlag(ctx context.Context, creds models.Credentials, folder string, uid uint32, flag string, on bool, op string) error {
	folder = orInbox(folder)
	err := e.WithMailbox(ctx, creds, folder, func(l *Lock) error {
		if on {
			return l.AddFlags(uid, flag)
		}
		return l.RemoveFlags(uid, flag)
	})
	return opError(op, folder, err)
}

// Delete flags the message \Deleted and expunges it by UID right away
// instead of relying on the server to expunge at logout.
func (e *Executor) Delete(ctx context.Context, creds models.Credentials, folder string, uid uint32) error {
	folder = orInbox(folder)
	err := e.WithMailbox(ctx, creds, folder, func(l *Lock) error {
		if err := l.AddFlags(uid, imap.DeletedFlag); err != nil {
			return errors.Wrap(err, "mark deleted")
		}
		if err := l.Expunge(uid); err != nil {
			return errors.Wrap(err, "expunge")
		}
		return nil
	})
	return opError("delete", folder, err)
}

// Move moves a message to dest with a single UID MOVE
func (e *Executor) Move(ctx context.Context, creds models.Credentials, folder string, uid uint32, dest string) error {
	folder = orInbox(folder)
	if dest == "" {
		return opError("move", folder, errors.New("destination folder is required"))
	}
	err := e.WithMailbox(ctx, creds, folder, func(l *Lock) error {
		return l.Move(uid, dest)
	})
	return opError("move", folder, err)
}

// Append stores a complete RFC 5322 message in folder with the given flags
func (e *Executor) Append(ctx context.Context, creds models.Credentials, folder string, msg []byte, flags []string) error {
	err := e.WithMailbox(ctx, creds, folder, func(l *Lock) error {
		return l.Append(bytes.NewBuffer(msg), flags, time.Now())
	})
	return opError("append", folder, err)
}

func orInbox(folder string) string {
	if folder == "" {
		return Inbox
	}
	return folder
}
