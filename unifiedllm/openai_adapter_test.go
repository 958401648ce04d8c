package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, chunks []string, captured *map[string]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, captured)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestOpenAIAdapterStreamsTextAndToolCalls(t *testing.T) {
	chunks := []string{
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"role":"assistant","content":"Let me "}}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":"look."}}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"grep","arguments":"{\"pattern\":"}}]}}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"read_file","arguments":"{\"path\":\"go.mod\"}"}}]}}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"function":{"arguments":"\"TODO\"}"}}]}}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o-mini","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o-mini","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":7,"total_tokens":19}}`,
	}
	var body map[string]interface{}
	srv := sseServer(t, chunks, &body)
	defer srv.Close()

	adapter := NewOpenAIAdapter("test-key", WithOpenAIBaseURL(srv.URL))
	ch, err := adapter.Stream(context.Background(), Request{
		Messages: []Message{SystemMessage("sys"), UserMessage("find todos")},
		Tools:    []ToolDefinition{{Name: "grep", Description: "search", Parameters: map[string]interface{}{"type": "object"}}},
	})
	require.NoError(t, err)

	var deltas []string
	var calls []ToolCall
	var final *Response
	for ev := range ch {
		switch ev.Type {
		case StreamTextDelta:
			deltas = append(deltas, ev.Delta)
		case StreamToolCall:
			calls = append(calls, *ev.ToolCall)
		case StreamFinish:
			final = ev.Response
		case StreamError:
			t.Fatalf("unexpected error: %v", ev.Err)
		}
	}

	assert.Equal(t, []string{"Let me ", "look."}, deltas)
	require.Len(t, calls, 2)
	assert.Equal(t, "call_a", calls[0].ID)
	assert.Equal(t, "read_file", calls[0].Name)
	assert.Equal(t, "call_b", calls[1].ID)
	assert.JSONEq(t, `{"pattern":"TODO"}`, string(calls[1].Arguments))

	require.NotNil(t, final)
	assert.Equal(t, "tool_calls", final.FinishReason.Reason)
	assert.Equal(t, 19, final.Usage.TotalTokens)
	assert.Equal(t, "Let me look.", final.Text())
	assert.Equal(t, "gpt-4o-mini", body["model"])
	assert.Len(t, body["tools"], 1)
}

func TestOpenAIAdapterMapsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down","type":"rate_limit_error","code":"rate_limit"}}`)
	}))
	defer srv.Close()

	adapter := NewOpenAIAdapter("test-key", WithOpenAIBaseURL(srv.URL))
	_, err := adapter.Stream(context.Background(), Request{Messages: []Message{UserMessage("hi")}})
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.True(t, IsRetryable(err))
}

func TestOpenAITranslateRequestSplitsToolResults(t *testing.T) {
	adapter := NewOpenAIAdapter("k", WithOpenAIModel("gpt-4o"))
	call := NewToolCall("c1", "read_file", `{"path":"a"}`)
	req := adapter.translateRequest(Request{Messages: []Message{
		UserMessage("go"),
		AssistantMessage("", call, NewToolCall("c2", "grep", `{}`)),
		ToolResultsMessage(
			ToolResultData{ToolCallID: "c1", Content: "one"},
			ToolResultData{ToolCallID: "c2", Content: "two"},
		),
	}})
	assert.Equal(t, "gpt-4o", req.Model)
	require.Len(t, req.Messages, 4)
	assert.Len(t, req.Messages[1].ToolCalls, 2)
	assert.Equal(t, "c1", req.Messages[2].ToolCallID)
	assert.Equal(t, "c2", req.Messages[3].ToolCallID)
	assert.True(t, req.StreamOptions.IncludeUsage)
}
