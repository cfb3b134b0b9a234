package documents

import (
	"errors"

	"storyforge/pkg/docstore"
)

// ErrNotAuthenticated is returned by owner-scoped operations without a
// signed-in identity.
var ErrNotAuthenticated = errors.New("User not authenticated")

const (
	offlineMessage    = "You are offline. Reconnect to sync your latest documents."
	permissionMessage = "Permission denied while accessing documents. Check your store's access rules."
	notFoundMessage   = "Document not found."

	cachedNotice  = "You are offline. Showing cached documents."
	noCacheNotice = "You are offline and no cached documents are available yet."
)

// SyncError is a document store failure reported by a one-shot operation.
type SyncError struct {
	Op      string
	Message string
	Offline bool
	Err     error
}

func (e *SyncError) Error() string {
	return e.Message
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Transient reports connectivity failures that resolve on reconnect.
func (e *SyncError) Transient() bool {
	return e.Offline
}

func newSyncError(op string, err error) *SyncError {
	var serr *SyncError
	if errors.As(err, &serr) {
		return serr
	}
	return &SyncError{Op: op, Message: errorMessage(err, "Failed to "+op+" document"), Offline: docstore.IsOffline(err), Err: err}
}

// errorMessage is the user-facing text for a store failure.
func errorMessage(err error, fallback string) string {
	switch {
	case err == nil:
		return ""
	case docstore.IsOffline(err):
		return offlineMessage
	case docstore.IsPermissionDenied(err):
		return permissionMessage
	case errors.Is(err, docstore.ErrNotFound):
		return notFoundMessage
	case err.Error() != "":
		return err.Error()
	default:
		return fallback
	}
}
