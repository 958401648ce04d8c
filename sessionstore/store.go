package sessionstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/martinemde/harness/unifiedllm"
)

// Store is the single writer of persisted entries. Append is the only
// mutation; nothing is rewritten or deleted.
type Store struct {
	log Log
	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a store over the given backend.
func New(l Log) *Store {
	return &Store{log: l, now: time.Now, locks: map[string]*sync.Mutex{}}
}

// Log returns the backend.
func (s *Store) Log() Log { return s.log }

func (s *Store) lock(sessionID string) func() {
	s.mu.Lock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Create starts a new root session and returns its id.
func (s *Store) Create(ctx context.Context, h Header) (string, error) {
	h.Version = CurrentVersion
	h.BranchFrom = ""
	h.ParentSession = ""
	sid := uuid.NewString()
	if _, err := s.write(ctx, sid, TypeSession, h, ""); err != nil {
		return "", err
	}
	log.Debug().Str("session", sid).Msg("sessionstore: created session")
	return sid, nil
}

// Append records payload as the new head of the session.
func (s *Store) Append(ctx context.Context, sessionID string, typ EntryType, payload interface{}) (Entry, error) {
	if typ == TypeSession {
		return Entry{}, errors.New("sessionstore: session headers are written by Create and Branch")
	}
	return s.write(ctx, sessionID, typ, payload, "")
}

// AppendMessage records a conversation message.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg unifiedllm.Message) (Entry, error) {
	return s.Append(ctx, sessionID, TypeMessage, msg)
}

// AppendCompaction records a compaction marker.
func (s *Store) AppendCompaction(ctx context.Context, sessionID string, c Compaction) (Entry, error) {
	return s.Append(ctx, sessionID, TypeCompaction, c)
}

// AppendEvent records a system event.
func (s *Store) AppendEvent(ctx context.Context, sessionID string, ev SystemEvent) (Entry, error) {
	return s.Append(ctx, sessionID, TypeSystemEvent, ev)
}

// write appends one entry. headerParent is the parent of a session header;
// every other entry's parent is the current head.
func (s *Store) write(ctx context.Context, sessionID string, typ EntryType, payload interface{}, headerParent string) (Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, errors.Wrapf(err, "marshal %s payload", typ)
	}
	unlock := s.lock(sessionID)
	defer unlock()

	return s.log.Append(ctx, sessionID, func(head string) (Entry, error) {
		e := Entry{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Timestamp: s.now().UTC(),
			Type:      typ,
			Payload:   raw,
		}
		switch {
		case typ == TypeSession && head != "":
			return Entry{}, errors.Errorf("sessionstore: session %s already exists", sessionID)
		case typ == TypeSession:
			e.ParentID = headerParent
		case head == "":
			return Entry{}, errors.Wrapf(ErrNotFound, "session %s", sessionID)
		default:
			e.ParentID = head
		}
		return e, nil
	})
}

// Read returns the entries on the path from the session's root to its
// head, in order. For a branch the path starts in the ancestor sessions and
// stops at the branch point before continuing with the branch's own entries.
func (s *Store) Read(ctx context.Context, sessionID string) ([]Entry, error) {
	var segments [][]Entry
	visited := map[string]bool{}
	cur, cutAt := sessionID, ""

	for {
		if visited[cur] {
			return nil, corrupt(sessionID, "", "branch cycle through session %s", cur)
		}
		visited[cur] = true

		entries, err := s.log.Load(ctx, cur)
		if err != nil {
			if errors.Is(err, ErrNotFound) && cur != sessionID {
				return nil, corrupt(sessionID, cutAt, "branch source session %s missing", cur)
			}
			return nil, err
		}
		header, err := validate(cur, entries)
		if err != nil {
			return nil, err
		}
		if cutAt != "" {
			idx := indexOf(entries, cutAt)
			if idx < 0 {
				return nil, corrupt(sessionID, cutAt, "branch source entry missing from session %s", cur)
			}
			entries = entries[:idx+1]
		}
		segments = append(segments, entries)

		if header.BranchFrom == "" {
			break
		}
		parent := header.ParentSession
		if parent == "" {
			if parent, err = s.log.Locate(ctx, header.BranchFrom); err != nil {
				return nil, corrupt(sessionID, header.BranchFrom, "branch source entry missing")
			}
		}
		cur, cutAt = parent, header.BranchFrom
	}

	var path []Entry
	for i := len(segments) - 1; i >= 0; i-- {
		path = append(path, segments[i]...)
	}
	return path, nil
}

// validate checks one session's entries and returns its header.
func validate(sessionID string, entries []Entry) (Header, error) {
	if len(entries) == 0 {
		return Header{}, corrupt(sessionID, "", "no entries")
	}
	first := entries[0]
	if first.Type != TypeSession {
		return Header{}, corrupt(sessionID, first.ID, "first entry is %q, not a session header", first.Type)
	}
	header, err := first.DecodeHeader()
	if err != nil {
		return Header{}, corrupt(sessionID, first.ID, "unreadable header: %v", err)
	}
	if first.ParentID != header.BranchFrom {
		return Header{}, corrupt(sessionID, first.ID, "header parent %q does not match branch point %q", first.ParentID, header.BranchFrom)
	}

	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		if e.ID == "" {
			return Header{}, corrupt(sessionID, "", "entry %d has no id", i)
		}
		if seen[e.ID] {
			return Header{}, corrupt(sessionID, e.ID, "duplicate entry id")
		}
		if e.SessionID != sessionID {
			return Header{}, corrupt(sessionID, e.ID, "entry belongs to session %q", e.SessionID)
		}
		if i > 0 {
			if e.Type == TypeSession {
				return Header{}, corrupt(sessionID, e.ID, "duplicate session header")
			}
			if !seen[e.ParentID] {
				return Header{}, corrupt(sessionID, e.ID, "parent %q was not persisted earlier", e.ParentID)
			}
			if e.ParentID != entries[i-1].ID {
				return Header{}, corrupt(sessionID, e.ID, "parent %q is not the previous entry", e.ParentID)
			}
		}
		seen[e.ID] = true
	}
	return header, nil
}

func indexOf(entries []Entry, id string) int {
	for i, e := range entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// Branch starts a new session continuing from entry fromEntryID. The source
// session is not modified.
func (s *Store) Branch(ctx context.Context, fromEntryID string) (string, error) {
	source, err := s.log.Locate(ctx, fromEntryID)
	if err != nil {
		return "", errors.Wrapf(err, "branch point %s", fromEntryID)
	}
	path, err := s.Read(ctx, source)
	if err != nil {
		return "", err
	}
	if indexOf(path, fromEntryID) < 0 {
		return "", errors.Wrapf(ErrNotFound, "branch point %s", fromEntryID)
	}
	header, err := path[0].DecodeHeader()
	if err != nil {
		return "", corrupt(source, path[0].ID, "unreadable header: %v", err)
	}
	header.Version = CurrentVersion
	header.BranchFrom = fromEntryID
	header.ParentSession = source

	sid := uuid.NewString()
	if _, err := s.write(ctx, sid, TypeSession, header, fromEntryID); err != nil {
		return "", err
	}
	log.Debug().Str("session", sid).Str("from", fromEntryID).Msg("sessionstore: branched session")
	return sid, nil
}

// Sessions lists stored sessions, oldest first.
func (s *Store) Sessions(ctx context.Context) ([]SessionInfo, error) {
	return s.log.Sessions(ctx)
}
