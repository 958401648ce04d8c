package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/harness/agentloop"
	"github.com/martinemde/harness/permission"
	"github.com/martinemde/harness/sessionstore"
	"github.com/martinemde/harness/unifiedllm"
)

func feed(events ...agentloop.Event) <-chan agentloop.Event {
	ch := make(chan agentloop.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func TestPrinterSeparatesTextFromActivity(t *testing.T) {
	var out, status bytes.Buffer
	p := &printer{out: &out, status: &status}
	p.consume(feed(
		agentloop.Event{Kind: agentloop.EventTextDelta, Text: "Looking"},
		agentloop.Event{Kind: agentloop.EventToolCall, ToolCall: &unifiedllm.ToolCall{Name: "read_file", Arguments: json.RawMessage(`{"path":"a.go"}`)}},
		agentloop.Event{Kind: agentloop.EventPermission, Decision: &permission.Decision{Behavior: permission.Deny, Stage: permission.StageDeny, Reason: "no"}},
		agentloop.Event{Kind: agentloop.EventToolResult, Result: &agentloop.ToolCallResult{Name: "read_file", Content: "boom\nmore", IsError: true}},
		agentloop.Event{Kind: agentloop.EventTextDelta, Text: "done"},
		agentloop.Event{Kind: agentloop.EventFinal, Final: &agentloop.Result{Reason: agentloop.ReasonCompleted, SessionID: "s1", Turns: 2}},
	))

	assert.Equal(t, "Looking\ndone\n", out.String())
	s := status.String()
	assert.Contains(t, s, `→ read_file {"path":"a.go"}`)
	assert.Contains(t, s, "denied (deny_rule): no")
	assert.Contains(t, s, "error: boom\n")
	assert.NotContains(t, s, "more")
	assert.Contains(t, s, "[completed] session=s1 turns=2")
}

func TestPrinterJSONLines(t *testing.T) {
	var out, status bytes.Buffer
	p := &printer{out: &out, status: &status, json: true}
	p.consume(feed(
		agentloop.Event{Kind: agentloop.EventTextDelta, Text: "hi"},
		agentloop.Event{Kind: agentloop.EventFinal, Final: &agentloop.Result{Reason: agentloop.ReasonMaxTurns}},
	))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	var ev agentloop.Event
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &ev))
	assert.Equal(t, agentloop.EventFinal, ev.Kind)
	assert.Equal(t, agentloop.ReasonMaxTurns, ev.Final.Reason)
	assert.Empty(t, status.String())
}

func entryOf(t *testing.T, typ sessionstore.EntryType, payload interface{}) sessionstore.Entry {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return sessionstore.Entry{ID: "e1", Type: typ, Timestamp: time.Now(), Payload: raw}
}

func TestDescribeEntry(t *testing.T) {
	tests := []struct {
		name  string
		entry sessionstore.Entry
		want  string
	}{
		{
			name:  "header",
			entry: entryOf(t, sessionstore.TypeSession, sessionstore.Header{Model: "m", Mode: "plan", BranchFrom: "x"}),
			want:  "session model=m mode=plan branch_from=x",
		},
		{
			name:  "user message",
			entry: entryOf(t, sessionstore.TypeMessage, unifiedllm.UserMessage("fix it\nplease")),
			want:  "user: fix it",
		},
		{
			name:  "compaction",
			entry: entryOf(t, sessionstore.TypeCompaction, sessionstore.Compaction{FirstKeptEntryID: "k", TokensBefore: 900, TokensAfter: 100}),
			want:  "compaction keep_from=k tokens=900→100",
		},
		{
			name:  "event",
			entry: entryOf(t, sessionstore.TypeSystemEvent, sessionstore.SystemEvent{Kind: sessionstore.EventPermission, Tool: "shell", Reason: "denied"}),
			want:  "event permission tool=shell reason=denied",
		},
		{
			name:  "unreadable",
			entry: sessionstore.Entry{Type: sessionstore.TypeMessage, Payload: json.RawMessage(`"nope"`)},
			want:  "message (unreadable)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, describeEntry(tt.entry))
		})
	}
}

func TestAbbreviate(t *testing.T) {
	assert.Equal(t, "abc", abbreviate("abc", 3))
	assert.Equal(t, "ab...", abbreviate("abcd", 2))
	assert.Equal(t, "a...", abbreviate("aéb", 2))
}
