package sessionstore

import (
	"context"
	"sort"
	"sync"
	"unicode/utf8"
)

// MemoryLog keeps sessions in memory.
type MemoryLog struct {
	mu       sync.Mutex
	sessions map[string][]Entry
	index    map[string]string
}

// NewMemoryLog returns an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{sessions: map[string][]Entry{}, index: map[string]string{}}
}

func (m *MemoryLog) Append(ctx context.Context, sessionID string, next func(head string) (Entry, error)) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	head := ""
	if entries := m.sessions[sessionID]; len(entries) > 0 {
		head = entries[len(entries)-1].ID
	}
	e, err := next(head)
	if err != nil {
		return Entry{}, err
	}
	m.sessions[sessionID] = append(m.sessions[sessionID], e)
	m.index[e.ID] = sessionID
	return e, nil
}

func (m *MemoryLog) Load(ctx context.Context, sessionID string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]Entry(nil), entries...), nil
}

func (m *MemoryLog) Sessions(ctx context.Context) ([]SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for id, entries := range m.sessions {
		out = append(out, summarize(id, entries))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

func (m *MemoryLog) Locate(ctx context.Context, entryID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sid, ok := m.index[entryID]
	if !ok {
		return "", ErrNotFound
	}
	return sid, nil
}

// inject appends a raw entry without any checks. Tests use it to build
// corrupt sessions.
func (m *MemoryLog) inject(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[e.SessionID] = append(m.sessions[e.SessionID], e)
	m.index[e.ID] = e.SessionID
}

// summarize builds a SessionInfo from a session's entries.
func summarize(id string, entries []Entry) SessionInfo {
	info := SessionInfo{ID: id, Entries: len(entries)}
	if len(entries) == 0 {
		return info
	}
	info.Created = entries[0].Timestamp
	info.Updated = entries[len(entries)-1].Timestamp
	info.Head = entries[len(entries)-1].ID
	if h, err := entries[0].DecodeHeader(); err == nil {
		info.BranchOf = h.ParentSession
	}
	for _, e := range entries {
		if e.Type != TypeMessage {
			continue
		}
		if m, err := e.DecodeMessage(); err == nil && m.Role == "user" {
			info.FirstText = firstLine(m.TextContent(), 80)
			break
		}
	}
	return info
}

func firstLine(s string, max int) string {
	for i, r := range s {
		if r == '\n' {
			s = s[:i]
			break
		}
	}
	if len(s) > max {
		for max > 0 && !utf8.RuneStart(s[max]) {
			max--
		}
		return s[:max] + "..."
	}
	return s
}
