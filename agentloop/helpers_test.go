package agentloop

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/martinemde/harness/permission"
	"github.com/martinemde/harness/sessionstore"
	"github.com/martinemde/harness/unifiedllm"
)

// turn produces the stream for one model call.
type turn func(req unifiedllm.Request) []unifiedllm.StreamEvent

// scriptedModel is a provider adapter that plays one turn per request and
// answers "done" once the script runs out.
type scriptedModel struct {
	mu       sync.Mutex
	turns    []turn
	requests []unifiedllm.Request
	err      error
}

func (m *scriptedModel) Name() string { return "fake" }

func (m *scriptedModel) Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	i := len(m.requests) - 1
	err := m.err
	var next turn
	if i < len(m.turns) {
		next = m.turns[i]
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	events := reply("done")
	if next != nil {
		events = next(req)
	}
	ch := make(chan unifiedllm.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (m *scriptedModel) seen() []unifiedllm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]unifiedllm.Request(nil), m.requests...)
}

var turnUsage = unifiedllm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}

func finish(msg unifiedllm.Message, reason string) unifiedllm.StreamEvent {
	resp := &unifiedllm.Response{
		Message:      msg,
		FinishReason: unifiedllm.FinishReason{Reason: reason},
		Usage:        turnUsage,
	}
	return unifiedllm.StreamEvent{Type: unifiedllm.StreamFinish, FinishReason: &resp.FinishReason, Usage: &resp.Usage, Response: resp}
}

func reply(text string) []unifiedllm.StreamEvent {
	return []unifiedllm.StreamEvent{
		{Type: unifiedllm.StreamTextDelta, Delta: text},
		finish(unifiedllm.AssistantMessage(text), "stop"),
	}
}

func say(text string) turn {
	return func(unifiedllm.Request) []unifiedllm.StreamEvent { return reply(text) }
}

func callTools(calls ...unifiedllm.ToolCall) turn {
	return func(unifiedllm.Request) []unifiedllm.StreamEvent {
		var events []unifiedllm.StreamEvent
		for i := range calls {
			tc := calls[i]
			events = append(events, unifiedllm.StreamEvent{Type: unifiedllm.StreamToolCall, ToolCall: &tc})
		}
		return append(events, finish(unifiedllm.AssistantMessage("", calls...), "tool_calls"))
	}
}

func tc(id, name, args string) unifiedllm.ToolCall {
	return unifiedllm.NewToolCall(id, name, args)
}

// stubTool is a Tool built from a definition and a function.
type stubTool struct {
	def ToolDefinition
	fn  func(ctx context.Context, args json.RawMessage) (string, error)
}

func (s *stubTool) Definition() ToolDefinition { return s.def }

func (s *stubTool) Execute(ctx context.Context, args json.RawMessage, rc RunContext) (ToolCallResult, error) {
	out, err := s.fn(ctx, args)
	return ToolCallResult{Content: out}, err
}

func readTool(name string, fn func(ctx context.Context, args json.RawMessage) (string, error)) *stubTool {
	return &stubTool{
		def: ToolDefinition{
			Name:         name,
			Description:  name + " tool",
			Parameters:   map[string]interface{}{"type": "object"},
			Category:     permission.CategoryRead,
			ParallelSafe: true,
		},
		fn: fn,
	}
}

func echoTool(t *testing.T) Tool {
	t.Helper()
	type echoArgs struct {
		Text string `json:"text"`
	}
	tool, err := NewFuncTool(ToolDefinition{Name: "echo", Description: "Echo text back.", Category: permission.CategoryRead, ParallelSafe: true},
		func(ctx context.Context, args echoArgs, rc RunContext) (string, error) {
			return args.Text, nil
		})
	require.NoError(t, err)
	return tool
}

type harness struct {
	t     *testing.T
	model *scriptedModel
	store *sessionstore.Store
	cfg   Config
	opts  []Option
}

func newHarness(t *testing.T, turns ...turn) *harness {
	t.Helper()
	model := &scriptedModel{turns: turns}
	cfg := DefaultConfig()
	cfg.Client = unifiedllm.NewClient(unifiedllm.WithProvider("fake", model))
	cfg.Model = "test-model"
	cfg.Store = sessionstore.New(sessionstore.NewMemoryLog())
	cfg.Tools = NewToolRegistry()
	cfg.CWD = t.TempDir()
	cfg.Instructions = "You are a test agent."
	return &harness{t: t, model: model, store: cfg.Store, cfg: cfg}
}

func (h *harness) register(tools ...Tool) {
	h.t.Helper()
	for _, tool := range tools {
		require.NoError(h.t, h.cfg.Tools.Register(tool))
	}
}

func (h *harness) agent() *Agent {
	h.t.Helper()
	a, err := New(h.cfg, h.opts...)
	require.NoError(h.t, err)
	return a
}

func (h *harness) start(prompt string) *Run {
	h.t.Helper()
	run, err := h.agent().Start(context.Background(), prompt)
	require.NoError(h.t, err)
	return run
}

// collect consumes every event of run and returns them with the result.
func collect(run *Run) ([]Event, Result) {
	var events []Event
	for ev := range run.Events() {
		events = append(events, ev)
	}
	return events, run.Wait()
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, 0, len(events))
	for _, ev := range events {
		if ev.Kind == EventStateChange || ev.Kind == EventTextDelta || ev.Kind == EventUsage {
			continue
		}
		out = append(out, ev.Kind)
	}
	return out
}

func eventsOf(events []Event, kind EventKind) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func lastToolResults(t *testing.T, req unifiedllm.Request) []unifiedllm.ToolResultData {
	t.Helper()
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == unifiedllm.RoleTool {
			return req.Messages[i].ToolResults()
		}
	}
	t.Fatal("request has no tool results")
	return nil
}

func systemEvents(t *testing.T, store *sessionstore.Store, sessionID, kind string) []sessionstore.SystemEvent {
	t.Helper()
	entries, err := store.Read(context.Background(), sessionID)
	require.NoError(t, err)
	var out []sessionstore.SystemEvent
	for _, e := range entries {
		if e.Type != sessionstore.TypeSystemEvent || e.SessionID != sessionID {
			continue
		}
		ev, err := e.DecodeEvent()
		require.NoError(t, err)
		if kind == "" || ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
