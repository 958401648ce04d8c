package sessionstore

import (
	"context"
	"time"
)

// Log is a storage backend. Implementations keep entries of one session in
// append order and must make Append atomic with respect to other appends to
// the same session: next is called with the current head id and the entry it
// returns is written whole or not at all.
type Log interface {
	Append(ctx context.Context, sessionID string, next func(head string) (Entry, error)) (Entry, error)
	Load(ctx context.Context, sessionID string) ([]Entry, error)
	Sessions(ctx context.Context) ([]SessionInfo, error)
	// Locate returns the session that holds entryID.
	Locate(ctx context.Context, entryID string) (string, error)
}

// SessionInfo summarizes a stored session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
	Entries   int       `json:"entries"`
	Head      string    `json:"head"`
	BranchOf  string    `json:"branch_of,omitempty"`
	FirstText string    `json:"first_text,omitempty"`
}
