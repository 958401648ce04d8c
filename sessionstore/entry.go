// Package sessionstore persists agent sessions as an append-only DAG of
// entries. Each session is a linear chain of records; a branch is a new
// session whose header entry points at an entry in another session, so the
// path from any head back to its root may cross sessions but never visits a
// sibling branch.
package sessionstore

import (
	"encoding/json"
	"time"

	"github.com/martinemde/harness/unifiedllm"
)

// EntryType discriminates entry payloads.
type EntryType string

const (
	TypeSession     EntryType = "session"
	TypeMessage     EntryType = "message"
	TypeCompaction  EntryType = "compaction"
	TypeSystemEvent EntryType = "system_event"
)

// Entry is one persisted record. ParentID is empty only for the header of
// a root session.
type Entry struct {
	ID        string          `json:"id"`
	ParentID  string          `json:"parent_id"`
	SessionID string          `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	Type      EntryType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// Header is the payload of a session entry.
type Header struct {
	Version       int    `json:"version"`
	CWD           string `json:"cwd,omitempty"`
	Model         string `json:"model,omitempty"`
	Mode          string `json:"mode,omitempty"`
	Agent         string `json:"agent,omitempty"`
	BranchFrom    string `json:"branch_from,omitempty"`
	ParentSession string `json:"parent_session,omitempty"`
}

// Compaction is the payload of a compaction marker. Messages recorded
// before FirstKeptEntryID are represented by Summary from here on.
type Compaction struct {
	Summary          string `json:"summary"`
	FirstKeptEntryID string `json:"first_kept_entry_id"`
	TokensBefore     int    `json:"tokens_before"`
	TokensAfter      int    `json:"tokens_after,omitempty"`
}

// System event kinds.
const (
	EventRunStart   = "run_start"
	EventRunEnd     = "run_end"
	EventPermission = "permission"
	EventModeChange = "mode_change"
	EventSteering   = "steering"
	EventHook       = "hook"
	EventLoop       = "loop_detected"
	EventSubAgent   = "subagent"
)

// SystemEvent is the payload of a system_event entry.
type SystemEvent struct {
	Kind   string          `json:"kind"`
	Tool   string          `json:"tool,omitempty"`
	CallID string          `json:"call_id,omitempty"`
	Mode   string          `json:"mode,omitempty"`
	Reason string          `json:"reason,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// CurrentVersion is written into new session headers.
const CurrentVersion = 1

// DecodeMessage returns the message carried by a message entry.
func (e Entry) DecodeMessage() (unifiedllm.Message, error) {
	var m unifiedllm.Message
	err := json.Unmarshal(e.Payload, &m)
	return m, err
}

// DecodeHeader returns the header carried by a session entry.
func (e Entry) DecodeHeader() (Header, error) {
	var h Header
	err := json.Unmarshal(e.Payload, &h)
	return h, err
}

// DecodeCompaction returns the marker carried by a compaction entry.
func (e Entry) DecodeCompaction() (Compaction, error) {
	var c Compaction
	err := json.Unmarshal(e.Payload, &c)
	return c, err
}

// DecodeEvent returns the event carried by a system_event entry.
func (e Entry) DecodeEvent() (SystemEvent, error) {
	var ev SystemEvent
	err := json.Unmarshal(e.Payload, &ev)
	return ev, err
}

// SummaryPrefix opens the synthetic message that stands in for compacted
// history.
const SummaryPrefix = "[Summary of earlier conversation]\n"

// SummaryMessage builds the synthetic message for a compaction summary.
func SummaryMessage(summary string) unifiedllm.Message {
	return unifiedllm.UserMessage(SummaryPrefix + summary)
}
