package unifiedllm

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEmbeddedToolCalls(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantNames []string
		wantText  string
	}{
		{
			name:      "envelope",
			text:      `I will read it. {"tool_calls":[{"name":"read_file","arguments":{"path":"a.go"}}]}`,
			wantNames: []string{"read_file"},
			wantText:  "I will read it.",
		},
		{
			name:      "bare array",
			text:      `[{"name":"grep","arguments":{"pattern":"x"}},{"name":"list_dir","arguments":{}}]`,
			wantNames: []string{"grep", "list_dir"},
			wantText:  "",
		},
		{
			name:      "string encoded arguments",
			text:      `{"tool_calls":[{"name":"shell","arguments":"{\"command\":\"ls\"}"}]}`,
			wantNames: []string{"shell"},
		},
		{
			name:     "plain text",
			text:     "nothing to call",
			wantText: "nothing to call",
		},
		{
			name:     "broken json left alone",
			text:     `{"tool_calls":[{"name":`,
			wantText: `{"tool_calls":[{"name":`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls, text := parseEmbeddedToolCalls(tt.text)
			var names []string
			for _, c := range calls {
				names = append(names, c.Name)
				assert.NotEmpty(t, c.ID)
				assert.NotNil(t, c.Arguments, "arguments for %s", c.Name)
			}
			assert.Equal(t, tt.wantNames, names)
			assert.Equal(t, tt.wantText, text)
		})
	}
}

func TestGollmStringArgumentsDecoded(t *testing.T) {
	calls, _ := parseEmbeddedToolCalls(`{"tool_calls":[{"name":"shell","arguments":"{\"command\":\"ls\"}"}]}`)
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"command":"ls"}`, string(calls[0].Arguments))
}

func TestGollmTranslateError(t *testing.T) {
	a := &GollmAdapter{provider: "anthropic"}
	tests := []struct {
		msg    string
		target interface{}
	}{
		{"401 unauthorized", new(*AuthenticationError)},
		{"rate limit exceeded", new(*RateLimitError)},
		{"server overloaded", new(*ServerError)},
		{"prompt exceeds context length", new(*ContextLengthError)},
		{"request timeout", new(*RequestTimeoutError)},
		{"blocked by safety system", new(*ContentFilterError)},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			err := a.translateError(errors.New(tt.msg))
			assert.ErrorAs(t, err, tt.target)
		})
	}

	var abort *AbortError
	assert.ErrorAs(t, a.translateError(context.Canceled), &abort)
	assert.Nil(t, a.translateError(nil))
}

func TestGollmBuildResponseCountsTokens(t *testing.T) {
	a := &GollmAdapter{provider: "anthropic", model: "m", counter: CharCounter{}}
	resp := a.buildResponse(Request{Messages: []Message{UserMessage("12345678")}}, "abcd")
	assert.Equal(t, 2, resp.Usage.InputTokens)
	assert.Equal(t, 1, resp.Usage.OutputTokens)
	assert.Equal(t, "stop", resp.FinishReason.Reason)
	assert.Equal(t, "m", resp.Model)
}

func TestTokenCounterFallsBack(t *testing.T) {
	c := NewTokenCounter("definitely-not-a-model")
	assert.Greater(t, c.Count("hello world, this is a sentence"), 0)
	assert.Zero(t, c.Count(""))
	assert.Equal(t, 3, CharCounter{}.Count("123456789"))
}
