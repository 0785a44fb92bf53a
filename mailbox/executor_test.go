package mailbox_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shooramail/config"
	"shooramail/mailbox"
	"shooramail/mailbox/mailboxtest"
	"shooramail/models"
)

var testCreds = models.Credentials{Address: "john.doe@example.com", Secret: "hunter2"}

func newTestExecutor(t *testing.T) (*mailboxtest.Server, *mailbox.Executor) {
	t.Helper()
	srv := mailboxtest.NewServer()
	srv.AddUser(testCreds.Address, testCreds.Secret)
	srv.CreateFolder("Archive")
	return srv, mailbox.NewExecutor(srv.Factory(), config.Default().Mail)
}

func deliver(srv *mailboxtest.Server, folder string, n int, flags ...string) []uint32 {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	uids := make([]uint32, 0, n)
	for i := 1; i <= n; i++ {
		raw := mailboxtest.RawMessage(
			`"Alice Example" <alice@example.com>`,
			"John Doe <john.doe@example.com>",
			fmt.Sprintf("Message %d", i),
			fmt.Sprintf("Body of message %d", i),
			base.Add(time.Duration(i)*time.Hour),
		)
		uids = append(uids, srv.Deliver(folder, raw, flags...))
	}
	return uids
}

func uidsOf(messages []models.Message) []uint32 {
	out := make([]uint32, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.UID)
	}
	return out
}

// every test ends with all sessions logged out
func assertAllClosed(t *testing.T, srv *mailboxtest.Server) {
	t.Helper()
	assert.Equal(t, srv.Dials(), srv.Logouts(), "every dialled session must be logged out")
}

func TestFetchInbox_ThreeMessagesNewestFirst(t *testing.T) {
	srv, exec := newTestExecutor(t)
	uids := deliver(srv, "INBOX", 2)
	seen := srv.Deliver("INBOX", mailboxtest.RawMessage("bob@example.com", "john.doe@example.com", "Seen", "Already read", time.Now()), imap.SeenFlag)

	page, err := exec.FetchInbox(context.Background(), testCreds)
	require.NoError(t, err)

	assert.Equal(t, "John Doe", page.UserName)
	require.Len(t, page.Messages, 3)
	assert.Equal(t, []uint32{seen, uids[1], uids[0]}, uidsOf(page.Messages))

	assert.False(t, page.Messages[0].Unread)
	assert.Equal(t, "Seen", page.Messages[0].Subject)
	for _, m := range page.Messages[1:] {
		assert.True(t, m.Unread)
		assert.Equal(t, "Alice Example", m.Sender)
		assert.Equal(t, "alice@example.com", m.SenderEmail)
	}
	for _, m := range page.Messages {
		assert.Equal(t, "INBOX", m.Folder)
	}
	assert.Equal(t, "Message 2", page.Messages[1].Subject)
	assertAllClosed(t, srv)
}

func TestFetch_ReturnsAtMostLimit(t *testing.T) {
	tests := []struct {
		name   string
		count  int
		folder string
		want   int
	}{
		{"empty inbox", 0, "INBOX", 0},
		{"one in inbox", 1, "INBOX", 1},
		{"exactly inbox limit", 10, "INBOX", 10},
		{"over inbox limit", 11, "INBOX", 10},
		{"empty folder", 0, "Archive", 0},
		{"folder below limit", 15, "Archive", 15},
		{"folder over limit", 25, "Archive", 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, exec := newTestExecutor(t)
			uids := deliver(srv, tt.folder, tt.count)

			var messages []models.Message
			if tt.folder == "INBOX" {
				page, err := exec.FetchInbox(context.Background(), testCreds)
				require.NoError(t, err)
				messages = page.Messages
			} else {
				page, err := exec.FetchFolder(context.Background(), testCreds, tt.folder)
				require.NoError(t, err)
				assert.Equal(t, tt.folder, page.Folder)
				messages = page.Messages
			}

			require.Len(t, messages, tt.want)
			for i, m := range messages {
				// newest first: the last delivered UID leads
				assert.Equal(t, uids[len(uids)-1-i], m.UID)
			}
			assertAllClosed(t, srv)
		})
	}
}

func TestFetchFolder_UnknownFolderIsEmpty(t *testing.T) {
	srv, exec := newTestExecutor(t)

	page, err := exec.FetchFolder(context.Background(), testCreds, "Does Not Exist")
	require.NoError(t, err)
	assert.Equal(t, "Does Not Exist", page.Folder)
	assert.NotNil(t, page.Messages)
	assert.Empty(t, page.Messages)
	assertAllClosed(t, srv)
}

func TestSetStarred_Idempotent(t *testing.T) {
	srv, exec := newTestExecutor(t)
	uid := deliver(srv, "INBOX", 1)[0]
	ctx := context.Background()

	require.NoError(t, exec.SetStarred(ctx, testCreds, "", uid, true))
	require.NoError(t, exec.SetStarred(ctx, testCreds, "", uid, true))

	count := 0
	for _, f := range srv.Flags("INBOX", uid) {
		if f == imap.FlaggedFlag {
			count++
		}
	}
	assert.Equal(t, 1, count)

	require.NoError(t, exec.SetStarred(ctx, testCreds, "", uid, false))
	require.NoError(t, exec.SetStarred(ctx, testCreds, "", uid, false))
	assert.NotContains(t, srv.Flags("INBOX", uid), imap.FlaggedFlag)
	assertAllClosed(t, srv)
}

func TestSetSeen_MarkUnreadShowsOnNextFetch(t *testing.T) {
	srv, exec := newTestExecutor(t)
	uid := deliver(srv, "INBOX", 1, imap.SeenFlag)[0]
	ctx := context.Background()

	page, err := exec.FetchInbox(ctx, testCreds)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.False(t, page.Messages[0].Unread)

	require.NoError(t, exec.SetSeen(ctx, testCreds, "INBOX", uid, false))

	page, err = exec.FetchInbox(ctx, testCreds)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.True(t, page.Messages[0].Unread)
	assertAllClosed(t, srv)
}

func TestSetImportant_UsesServerKeyword(t *testing.T) {
	srv, exec := newTestExecutor(t)
	uid := deliver(srv, "INBOX", 1)[0]
	ctx := context.Background()

	require.NoError(t, exec.SetImportant(ctx, testCreds, "", uid, true))
	assert.Contains(t, srv.Flags("INBOX", uid), "Important")

	page, err := exec.FetchInbox(ctx, testCreds)
	require.NoError(t, err)
	assert.True(t, page.Messages[0].Important)

	require.NoError(t, exec.SetImportant(ctx, testCreds, "", uid, false))
	assert.NotContains(t, srv.Flags("INBOX", uid), "Important")
}

func TestSetFlag_TargetsFolder(t *testing.T) {
	srv, exec := newTestExecutor(t)
	inboxUID := deliver(srv, "INBOX", 1)[0]
	archiveUID := deliver(srv, "Archive", 1)[0]
	require.Equal(t, inboxUID, archiveUID)

	require.NoError(t, exec.SetStarred(context.Background(), testCreds, "Archive", archiveUID, true))
	assert.Contains(t, srv.Flags("Archive", archiveUID), imap.FlaggedFlag)
	assert.NotContains(t, srv.Flags("INBOX", inboxUID), imap.FlaggedFlag)
}

func TestDelete_RemovesFromNextFetch(t *testing.T) {
	srv, exec := newTestExecutor(t)
	uids := deliver(srv, "INBOX", 3)
	ctx := context.Background()

	require.NoError(t, exec.Delete(ctx, testCreds, "", uids[1]))

	page, err := exec.FetchInbox(ctx, testCreds)
	require.NoError(t, err)
	assert.Equal(t, []uint32{uids[2], uids[0]}, uidsOf(page.Messages))
	assertAllClosed(t, srv)
}

func TestMove_ToDestination(t *testing.T) {
	srv, exec := newTestExecutor(t)
	uids := deliver(srv, "INBOX", 2)
	ctx := context.Background()

	require.NoError(t, exec.Move(ctx, testCreds, "", uids[0], "Archive"))

	inbox, err := exec.FetchInbox(ctx, testCreds)
	require.NoError(t, err)
	assert.Equal(t, []uint32{uids[1]}, uidsOf(inbox.Messages))

	archive, err := exec.FetchFolder(ctx, testCreds, "Archive")
	require.NoError(t, err)
	require.Len(t, archive.Messages, 1)
	assert.Equal(t, "Message 1", archive.Messages[0].Subject)
	assert.Equal(t, "Archive", archive.Messages[0].Folder)
	assertAllClosed(t, srv)
}

func TestMove_UnknownDestinationFails(t *testing.T) {
	srv, exec := newTestExecutor(t)
	uid := deliver(srv, "INBOX", 1)[0]

	err := exec.Move(context.Background(), testCreds, "", uid, "Nowhere")
	require.Error(t, err)

	var opErr *mailbox.OperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "move", opErr.Op)
	assert.Equal(t, "INBOX", opErr.Folder)
	assert.False(t, mailbox.IsAuthError(err))
	assert.Len(t, srv.Messages("INBOX"), 1)
	assertAllClosed(t, srv)
}

func TestMove_RequiresDestination(t *testing.T) {
	srv, exec := newTestExecutor(t)

	err := exec.Move(context.Background(), testCreds, "", 1, "")
	require.Error(t, err)
	assert.Zero(t, srv.Dials())
}

func TestAppend_StoresFlags(t *testing.T) {
	srv, exec := newTestExecutor(t)
	srv.CreateFolder("Drafts")
	raw := mailboxtest.RawMessage("john.doe@example.com", "a@b.com", "x", "y", time.Now())

	err := exec.Append(context.Background(), testCreds, "Drafts", raw, []string{imap.SeenFlag, imap.DraftFlag})
	require.NoError(t, err)

	stored := srv.Messages("Drafts")
	require.Len(t, stored, 1)
	assert.ElementsMatch(t, []string{imap.SeenFlag, imap.DraftFlag}, stored[0].Flags)
	assert.Equal(t, raw, stored[0].Raw)
}

func TestAppend_UnknownFolderIsOperationError(t *testing.T) {
	srv, exec := newTestExecutor(t)

	err := exec.Append(context.Background(), testCreds, "Sent", []byte("x"), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, mailbox.ErrFolderNotFound))

	var opErr *mailbox.OperationError
	assert.True(t, errors.As(err, &opErr))
	assertAllClosed(t, srv)
}

func TestOperations_BadCredentials(t *testing.T) {
	srv, exec := newTestExecutor(t)
	bad := models.Credentials{Address: testCreds.Address, Secret: "wrong"}
	ctx := context.Background()

	_, err := exec.FetchInbox(ctx, bad)
	assert.True(t, errors.Is(err, mailbox.ErrAuthentication))
	assert.True(t, mailbox.IsAuthError(err))

	_, err = exec.FetchFolder(ctx, bad, "Archive")
	assert.True(t, errors.Is(err, mailbox.ErrAuthentication))

	err = exec.SetSeen(ctx, bad, "", 1, true)
	assert.True(t, errors.Is(err, mailbox.ErrAuthentication))

	assertAllClosed(t, srv)
}

func TestOperations_MissingCredentialsNeverDial(t *testing.T) {
	srv, exec := newTestExecutor(t)

	_, err := exec.FetchInbox(context.Background(), models.Credentials{Address: testCreds.Address})
	assert.True(t, errors.Is(err, mailbox.ErrAuthentication))
	assert.Zero(t, srv.Dials())
}

func TestOperations_ConnectionFailure(t *testing.T) {
	srv, exec := newTestExecutor(t)
	srv.DialErr = errors.New("connection refused")

	_, err := exec.FetchInbox(context.Background(), testCreds)
	assert.True(t, errors.Is(err, mailbox.ErrConnection))
	assert.True(t, mailbox.IsAuthError(err))
	assert.NotContains(t, err.Error(), testCreds.Secret)
}

func TestWithMailbox_ReleasesOnError(t *testing.T) {
	srv, exec := newTestExecutor(t)
	boom := errors.New("boom")

	err := exec.WithMailbox(context.Background(), testCreds, "INBOX", func(l *mailbox.Lock) error {
		return boom
	})
	assert.Equal(t, boom, err)
	assertAllClosed(t, srv)
}

func TestWithMailbox_ReleasesOnPanic(t *testing.T) {
	srv, exec := newTestExecutor(t)

	assert.Panics(t, func() {
		_ = exec.WithMailbox(context.Background(), testCreds, "INBOX", func(l *mailbox.Lock) error {
			panic("unexpected")
		})
	})
	assertAllClosed(t, srv)
}

func TestWithMailbox_OneSessionPerCall(t *testing.T) {
	srv, exec := newTestExecutor(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := exec.FetchInbox(ctx, testCreds)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, srv.Dials())
	assert.Equal(t, []string{"INBOX", "INBOX", "INBOX"}, srv.Selected())
	assertAllClosed(t, srv)
}
