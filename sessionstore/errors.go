package sessionstore

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotFound is returned for unknown sessions or entries.
var ErrNotFound = errors.New("sessionstore: not found")

// CorruptionError reports persisted history that cannot be trusted. Stores
// refuse to read or resume such sessions rather than guess at a repair.
type CorruptionError struct {
	SessionID string
	EntryID   string
	Line      int
	Reason    string
}

func (e *CorruptionError) Error() string {
	loc := e.SessionID
	if e.EntryID != "" {
		loc += "/" + e.EntryID
	}
	if e.Line > 0 {
		loc += fmt.Sprintf(" line %d", e.Line)
	}
	return fmt.Sprintf("session %s corrupt: %s", loc, e.Reason)
}

func corrupt(sessionID, entryID, format string, args ...interface{}) *CorruptionError {
	return &CorruptionError{SessionID: sessionID, EntryID: entryID, Reason: fmt.Sprintf(format, args...)}
}
