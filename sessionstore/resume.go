package sessionstore

import (
	"context"

	"github.com/martinemde/harness/unifiedllm"
)

// RunState is the loop state reconstructed from a session.
type RunState struct {
	SessionID string
	Head      string
	Model     string
	Mode      string
	CWD       string
	Agent     string

	// Messages is the conversation as the model should see it: compacted
	// prefixes are replaced by their summary message.
	Messages []unifiedllm.Message
	// MessageIDs holds the entry id of each message; summaries have "".
	MessageIDs []string

	Turns       int
	Usage       unifiedllm.Usage
	Compactions int
	LastReason  string
}

// LastMessage returns the final message of the conversation, if any.
func (r *RunState) LastMessage() (unifiedllm.Message, bool) {
	if len(r.Messages) == 0 {
		return unifiedllm.Message{}, false
	}
	return r.Messages[len(r.Messages)-1], true
}

// Resume rebuilds run state from a session without writing anything.
func (s *Store) Resume(ctx context.Context, sessionID string) (*RunState, error) {
	path, err := s.Read(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return Replay(sessionID, path)
}

// Replay folds a root-to-head path into a RunState. Entries of unknown type
// are skipped.
func Replay(sessionID string, path []Entry) (*RunState, error) {
	st := &RunState{SessionID: sessionID}
	for _, e := range path {
		st.Head = e.ID
		switch e.Type {
		case TypeSession:
			h, err := e.DecodeHeader()
			if err != nil {
				return nil, corrupt(e.SessionID, e.ID, "unreadable header: %v", err)
			}
			if st.Model == "" {
				st.Model = h.Model
			}
			if st.CWD == "" {
				st.CWD = h.CWD
			}
			if h.Mode != "" {
				st.Mode = h.Mode
			}
			if h.Agent != "" {
				st.Agent = h.Agent
			}
		case TypeMessage:
			m, err := e.DecodeMessage()
			if err != nil {
				return nil, corrupt(e.SessionID, e.ID, "unreadable message: %v", err)
			}
			st.Messages = append(st.Messages, m)
			st.MessageIDs = append(st.MessageIDs, e.ID)
			if m.Role == unifiedllm.RoleAssistant {
				st.Turns++
				if m.Usage != nil {
					st.Usage = st.Usage.Add(*m.Usage)
				}
			}
		case TypeCompaction:
			c, err := e.DecodeCompaction()
			if err != nil {
				return nil, corrupt(e.SessionID, e.ID, "unreadable compaction: %v", err)
			}
			k := -1
			for i, id := range st.MessageIDs {
				if id != "" && id == c.FirstKeptEntryID {
					k = i
					break
				}
			}
			if k < 0 {
				return nil, corrupt(e.SessionID, e.ID, "compaction keeps unknown entry %q", c.FirstKeptEntryID)
			}
			st.Messages = append([]unifiedllm.Message{SummaryMessage(c.Summary)}, st.Messages[k:]...)
			st.MessageIDs = append([]string{""}, st.MessageIDs[k:]...)
			st.Compactions++
		case TypeSystemEvent:
			ev, err := e.DecodeEvent()
			if err != nil {
				return nil, corrupt(e.SessionID, e.ID, "unreadable event: %v", err)
			}
			switch ev.Kind {
			case EventRunStart, EventModeChange:
				if ev.Mode != "" {
					st.Mode = ev.Mode
				}
			case EventRunEnd:
				st.LastReason = ev.Reason
			}
		}
	}
	return st, nil
}
