package download

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/pothabooks/potha/pkg/offline"
	"github.com/pothabooks/potha/pkg/remote"
)

// ErrCancelled is returned by Handle.Wait when the download was cancelled.
var ErrCancelled = errors.New("download cancelled")

type ErrorKind string

const (
	ErrorKindAccessDenied  ErrorKind = "access_denied"
	ErrorKindNotFound      ErrorKind = "not_found"
	ErrorKindNetwork       ErrorKind = "network_unreachable"
	ErrorKindQuotaExceeded ErrorKind = "quota_exceeded"
	ErrorKindRejected      ErrorKind = "server_rejected"
	ErrorKindStorage       ErrorKind = "storage"
)

// Error reports a chapter failure that stopped a download. Chapters saved
// before the failure stay in the store.
type Error struct {
	BookID        string
	ChapterNumber int
	Completed     int
	Kind          ErrorKind
	Err           error
}

func (e *Error) Error() string {
	return fmt.Sprintf("download of book %s stopped at chapter %d after %d chapters (%s): %v",
		e.BookID, e.ChapterNumber, e.Completed, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether retrying the same download could succeed.
func (e *Error) Retryable() bool {
	return e.Kind == ErrorKindNetwork
}

func kindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, remote.ErrAccessDenied):
		return ErrorKindAccessDenied
	case errors.Is(err, remote.ErrNotFound):
		return ErrorKindNotFound
	case remote.IsTransient(err):
		return ErrorKindNetwork
	case errors.Is(err, offline.ErrQuotaExceeded):
		return ErrorKindQuotaExceeded
	case errors.Is(err, remote.ErrRejected):
		return ErrorKindRejected
	default:
		return ErrorKindStorage
	}
}
