package unifiedllm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewToolCall(t *testing.T) {
	tc := NewToolCall("c1", "read_file", `{"path":"a.go"}`)
	assert.JSONEq(t, `{"path":"a.go"}`, string(tc.Arguments))
	assert.Empty(t, tc.RawArguments)

	empty := NewToolCall("c2", "list_dir", "  ")
	assert.Equal(t, `{}`, string(empty.Arguments))

	bad := NewToolCall("c3", "shell", `{"command": "ls"`)
	assert.Nil(t, bad.Arguments)
	assert.Equal(t, `{"command": "ls"`, bad.RawArguments)
	assert.Equal(t, `{"command": "ls"`, bad.ArgumentsText())
}

func TestMessageAccessors(t *testing.T) {
	a := NewToolCall("c1", "read_file", `{"path":"x"}`)
	b := NewToolCall("c2", "grep", `{"pattern":"y"}`)
	msg := AssistantMessage("looking", a, b)

	assert.Equal(t, RoleAssistant, msg.Role)
	assert.Equal(t, "looking", msg.TextContent())
	calls := msg.ToolCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "c1", calls[0].ID)
	assert.Equal(t, "c2", calls[1].ID)

	results := ToolResultsMessage(
		ToolResultData{ToolCallID: "c1", Name: "read_file", Content: "one"},
		ToolResultData{ToolCallID: "c2", Name: "grep", Content: "boom", IsError: true},
	)
	assert.Equal(t, RoleTool, results.Role)
	got := results.ToolResults()
	require.Len(t, got, 2)
	assert.Equal(t, "c1", got[0].ToolCallID)
	assert.True(t, got[1].IsError)
	assert.Empty(t, results.TextContent())
}

func TestMessageJSONRoundTripKeepsParts(t *testing.T) {
	msg := AssistantMessage("hi", NewToolCall("c1", "shell", `{"command":"ls"}`))
	msg.Content = append([]ContentPart{ThinkingPart("hmm", "sig")}, msg.Content...)

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var back Message
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, msg, back)
}

func TestUsageAdd(t *testing.T) {
	a := Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15, CacheReadTokens: 2}
	b := Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3, CacheWriteTokens: 4}
	sum := a.Add(b)
	assert.Equal(t, Usage{InputTokens: 11, OutputTokens: 7, TotalTokens: 18, CacheReadTokens: 2, CacheWriteTokens: 4}, sum)
	assert.True(t, Usage{}.IsZero())
	assert.False(t, sum.IsZero())
}

func TestResponseAccessors(t *testing.T) {
	resp := Response{Message: Message{Role: RoleAssistant, Content: []ContentPart{
		ThinkingPart("step one", ""),
		TextPart("done"),
		ToolCallPart(NewToolCall("c1", "read_file", `{}`)),
	}}}
	assert.Equal(t, "done", resp.Text())
	assert.Equal(t, "step one", resp.Reasoning())
	assert.Len(t, resp.ToolCalls(), 1)
}
