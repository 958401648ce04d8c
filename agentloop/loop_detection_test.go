package agentloop

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/martinemde/harness/unifiedllm"
)

func historyOf(calls ...unifiedllm.ToolCall) []unifiedllm.Message {
	msgs := []unifiedllm.Message{unifiedllm.UserMessage("go")}
	for _, c := range calls {
		msgs = append(msgs,
			unifiedllm.AssistantMessage("", c),
			unifiedllm.ToolResultsMessage(unifiedllm.ToolResultData{ToolCallID: c.ID, Name: c.Name, Content: "ok"}),
		)
	}
	return msgs
}

func TestDetectLoop(t *testing.T) {
	a := tc("1", "read_file", `{"path":"a.go"}`)
	b := tc("2", "read_file", `{"path":"b.go"}`)
	c := tc("3", "grep", `{"pattern":"x"}`)

	cases := []struct {
		name   string
		calls  []unifiedllm.ToolCall
		window int
		want   bool
	}{
		{"same call repeated", []unifiedllm.ToolCall{a, a, a}, 3, true},
		{"alternating pair", []unifiedllm.ToolCall{a, b, a, b, a, b}, 6, true},
		{"cycle of three", []unifiedllm.ToolCall{c, a, b, c, a, b}, 6, true},
		{"varied calls", []unifiedllm.ToolCall{a, b, c, b, a, c}, 6, false},
		{"too few calls", []unifiedllm.ToolCall{a, a}, 3, false},
		{"disabled", []unifiedllm.ToolCall{a, a, a}, 1, false},
		{"only the tail counts", []unifiedllm.ToolCall{b, c, a, a, a}, 3, true},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectLoop(historyOf(tt.calls...), tt.window))
		})
	}
}

func TestSignatureIgnoresCallID(t *testing.T) {
	assert.Equal(t,
		toolCallSignature(tc("x", "shell", `{"command":"ls"}`)),
		toolCallSignature(tc("y", "shell", `{"command":"ls"}`)))
	assert.NotEqual(t,
		toolCallSignature(tc("x", "shell", `{"command":"ls"}`)),
		toolCallSignature(tc("x", "shell", `{"command":"pwd"}`)))
}
