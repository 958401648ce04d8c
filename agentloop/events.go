package agentloop

import (
	"context"
	"sync"
	"time"

	"github.com/martinemde/harness/permission"
	"github.com/martinemde/harness/sessionstore"
	"github.com/martinemde/harness/unifiedllm"
)

// EventKind identifies the type of run event.
type EventKind string

const (
	EventSessionStart     EventKind = "session_start"
	EventStateChange      EventKind = "state_change"
	EventTextDelta        EventKind = "text_delta"
	EventToolCall         EventKind = "tool_call"
	EventPermission       EventKind = "permission"
	EventToolResult       EventKind = "tool_result"
	EventSteeringInjected EventKind = "steering_injected"
	EventCompaction       EventKind = "compaction"
	EventUsage            EventKind = "usage"
	EventLoopDetected     EventKind = "loop_detected"
	EventWarning          EventKind = "warning"
	EventFinal            EventKind = "final"
)

// State is a node of the loop's state machine.
type State string

const (
	StateAwaitingModel  State = "awaiting_model"
	StateModelStreaming State = "model_streaming"
	StateToolExecuting  State = "tool_executing"
	StateTerminated     State = "terminated"
)

// Event is a typed event emitted by a run. Only the fields relevant to Kind
// are set.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	RunID     string    `json:"run_id"`
	Turn      int       `json:"turn"`

	State      State                    `json:"state,omitempty"`
	Text       string                   `json:"text,omitempty"`
	ToolCall   *unifiedllm.ToolCall     `json:"tool_call,omitempty"`
	Decision   *permission.Decision     `json:"decision,omitempty"`
	Result     *ToolCallResult          `json:"result,omitempty"`
	Compaction *sessionstore.Compaction `json:"compaction,omitempty"`
	Usage      *unifiedllm.Usage        `json:"usage,omitempty"`
	Final      *Result                  `json:"final,omitempty"`
}

// emitter delivers events to the host. Regular events block until received
// or the run context ends; the final event is always delivered, after which
// the channel is closed.
type emitter struct {
	sessionID string
	runID     string
	ch        chan Event
	closed    bool
	mu        sync.Mutex
}

func newEmitter(sessionID, runID string, bufferSize int) *emitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &emitter{
		sessionID: sessionID,
		runID:     runID,
		ch:        make(chan Event, bufferSize),
	}
}

func (e *emitter) stamp(ev Event) Event {
	ev.Timestamp = time.Now()
	ev.SessionID = e.sessionID
	ev.RunID = e.runID
	return ev
}

// emit reports whether the event was delivered.
func (e *emitter) emit(ctx context.Context, ev Event) bool {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return false
	}
	select {
	case e.ch <- e.stamp(ev):
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *emitter) finish(res Result) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	r := res
	e.ch <- e.stamp(Event{Kind: EventFinal, Turn: res.Turns, Text: res.Text, Final: &r})
	close(e.ch)
}

func (e *emitter) events() <-chan Event {
	return e.ch
}
