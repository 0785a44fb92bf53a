package mailbox

import (
	"fmt"

	"github.com/emersion/go-imap"
	"github.com/pkg/errors"
)

var (
	// ErrAuthentication means the server rejected the credentials
	ErrAuthentication = errors.New("authentication failed")
	// ErrConnection means the mail host could not be reached
	ErrConnection = errors.New("connection to mail server failed")
	// ErrFolderNotFound means SELECT was refused for the folder
	ErrFolderNotFound = errors.New("folder not found")
	// ErrSessionClosed is returned when a closed session is used again
	ErrSessionClosed = errors.New("session already closed")
	// ErrLockReleased is returned when a released folder lock is used again
	ErrLockReleased = errors.New("folder lock already released")
)

// OperationError is a failure after a successful login.
// Err keeps the protocol diagnostics for logs; clients only see a generic message.
type OperationError struct {
	Op     string
	Folder string
	Err    error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s on %q: %v", e.Op, e.Folder, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// Cause supports github.com/pkg/errors.Cause
func (e *OperationError) Cause() error { return e.Err }

func opError(op, folder string, err error) error {
	if err == nil {
		return nil
	}
	// session-level failures keep their own identity
	if errors.Is(err, ErrAuthentication) || errors.Is(err, ErrConnection) {
		return err
	}
	var oe *OperationError
	if errors.As(err, &oe) {
		return err
	}
	return &OperationError{Op: op, Folder: folder, Err: err}
}

// IsAuthError reports whether err happened while opening the session
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthentication) || errors.Is(err, ErrConnection)
}

// isNoResponse reports whether the server answered a command with NO
func isNoResponse(err error) bool {
	var statusErr *imap.ErrStatusResp
	if errors.As(err, &statusErr) && statusErr.Resp != nil {
		return statusErr.Resp.Type == imap.StatusRespNo
	}
	return false
}
