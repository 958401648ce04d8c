package unifiedllm

import (
	"encoding/json"
	"strings"
)

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentKind is the discriminator tag for ContentPart.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentToolCall   ContentKind = "tool_call"
	ContentToolResult ContentKind = "tool_result"
	ContentThinking   ContentKind = "thinking"
)

// ToolCall is a model-issued request to invoke a tool.
//
// Arguments holds the decoded JSON object when the backend produced valid
// JSON. When it did not, Arguments is nil and RawArguments keeps the text as
// received so the registry can reject it with a useful message.
type ToolCall struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Arguments    json.RawMessage `json:"arguments,omitempty"`
	RawArguments string          `json:"raw_arguments,omitempty"`
}

// NewToolCall builds a ToolCall from raw argument text, keeping malformed
// input aside instead of failing.
func NewToolCall(id, name, rawArgs string) ToolCall {
	tc := ToolCall{ID: id, Name: name}
	trimmed := strings.TrimSpace(rawArgs)
	switch {
	case trimmed == "":
		tc.Arguments = json.RawMessage(`{}`)
	case json.Valid([]byte(trimmed)):
		tc.Arguments = json.RawMessage(trimmed)
	default:
		tc.RawArguments = rawArgs
	}
	return tc
}

// ArgumentsText returns the arguments as text, whichever form they are in.
func (tc ToolCall) ArgumentsText() string {
	if tc.Arguments != nil {
		return string(tc.Arguments)
	}
	return tc.RawArguments
}

// ToolResultData holds the model-facing result of a tool execution.
type ToolResultData struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// ThinkingData represents model reasoning content.
type ThinkingData struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

// ContentPart is a tagged union representing one part of a message.
type ContentPart struct {
	Kind       ContentKind     `json:"kind"`
	Text       string          `json:"text,omitempty"`
	ToolCall   *ToolCall       `json:"tool_call,omitempty"`
	ToolResult *ToolResultData `json:"tool_result,omitempty"`
	Thinking   *ThinkingData   `json:"thinking,omitempty"`
}

// TextPart creates a text ContentPart.
func TextPart(text string) ContentPart {
	return ContentPart{Kind: ContentText, Text: text}
}

// ToolCallPart creates a tool call ContentPart.
func ToolCallPart(tc ToolCall) ContentPart {
	return ContentPart{Kind: ContentToolCall, ToolCall: &tc}
}

// ToolResultPart creates a tool result ContentPart.
func ToolResultPart(toolCallID, name, content string, isError bool) ContentPart {
	return ContentPart{
		Kind:       ContentToolResult,
		ToolResult: &ToolResultData{ToolCallID: toolCallID, Name: name, Content: content, IsError: isError},
	}
}

// ThinkingPart creates a thinking ContentPart.
func ThinkingPart(text, signature string) ContentPart {
	return ContentPart{Kind: ContentThinking, Thinking: &ThinkingData{Text: text, Signature: signature}}
}

// Message is one turn-unit of conversation. Messages are treated as
// immutable once appended to a history.
type Message struct {
	Role    Role          `json:"role"`
	Content []ContentPart `json:"content"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// TextContent returns the concatenation of all text content parts.
func (m Message) TextContent() string {
	var sb strings.Builder
	for _, part := range m.Content {
		if part.Kind == ContentText {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// ToolCalls extracts all tool calls from the message content, in order.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, part := range m.Content {
		if part.Kind == ContentToolCall && part.ToolCall != nil {
			calls = append(calls, *part.ToolCall)
		}
	}
	return calls
}

// ToolResults extracts all tool results from the message content, in order.
func (m Message) ToolResults() []ToolResultData {
	var results []ToolResultData
	for _, part := range m.Content {
		if part.Kind == ContentToolResult && part.ToolResult != nil {
			results = append(results, *part.ToolResult)
		}
	}
	return results
}

// SystemMessage creates a system Message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: []ContentPart{TextPart(text)}}
}

// UserMessage creates a user Message with text content.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentPart{TextPart(text)}}
}

// AssistantMessage creates an assistant Message with text and tool calls.
func AssistantMessage(text string, calls ...ToolCall) Message {
	msg := Message{Role: RoleAssistant}
	if text != "" {
		msg.Content = append(msg.Content, TextPart(text))
	}
	for _, tc := range calls {
		msg.Content = append(msg.Content, ToolCallPart(tc))
	}
	return msg
}

// ToolResultsMessage creates one tool Message carrying several results in
// the order given.
func ToolResultsMessage(results ...ToolResultData) Message {
	msg := Message{Role: RoleTool}
	for _, r := range results {
		msg.Content = append(msg.Content, ToolResultPart(r.ToolCallID, r.Name, r.Content, r.IsError))
	}
	return msg
}

// FinishReason describes why generation stopped.
type FinishReason struct {
	Reason string `json:"reason"` // "stop", "length", "tool_calls", "content_filter", "error", "other"
	Raw    string `json:"raw,omitempty"`
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
}

// Add returns a new Usage that is the sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:      u.InputTokens + other.InputTokens,
		OutputTokens:     u.OutputTokens + other.OutputTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
		CacheReadTokens:  u.CacheReadTokens + other.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens + other.CacheWriteTokens,
	}
}

// IsZero reports whether no tokens were recorded.
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.TotalTokens == 0
}

// ToolDefinition declares a tool to the model: name, description and a JSON
// schema for its arguments.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Request is the input for a streaming model call.
type Request struct {
	Model           string                 `json:"model"`
	Provider        string                 `json:"provider,omitempty"`
	Messages        []Message              `json:"messages"`
	Tools           []ToolDefinition       `json:"tools,omitempty"`
	ToolChoice      string                 `json:"tool_choice,omitempty"` // "auto", "none", "required"
	MaxTokens       *int                   `json:"max_tokens,omitempty"`
	Temperature     *float64               `json:"temperature,omitempty"`
	ProviderOptions map[string]interface{} `json:"provider_options,omitempty"`
}

// Response is an assembled model response.
type Response struct {
	ID           string       `json:"id"`
	Model        string       `json:"model"`
	Provider     string       `json:"provider"`
	Message      Message      `json:"message"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
}

// Text returns the concatenated text of the response message.
func (r Response) Text() string {
	return r.Message.TextContent()
}

// ToolCalls returns the tool calls of the response message in issue order.
func (r Response) ToolCalls() []ToolCall {
	return r.Message.ToolCalls()
}

// Reasoning returns concatenated reasoning text from thinking parts.
func (r Response) Reasoning() string {
	var sb strings.Builder
	for _, part := range r.Message.Content {
		if part.Kind == ContentThinking && part.Thinking != nil {
			sb.WriteString(part.Thinking.Text)
		}
	}
	return sb.String()
}

// StreamEventType identifies the kind of stream event.
type StreamEventType string

const (
	StreamTextDelta      StreamEventType = "text_delta"
	StreamReasoningDelta StreamEventType = "reasoning_delta"
	StreamToolCall       StreamEventType = "tool_call"
	StreamUsage          StreamEventType = "usage"
	StreamFinish         StreamEventType = "finish"
	StreamError          StreamEventType = "error"
)

// StreamEvent is a single event from a streaming response. A stream always
// ends with exactly one StreamFinish or StreamError event.
type StreamEvent struct {
	Type         StreamEventType `json:"type"`
	Delta        string          `json:"delta,omitempty"`
	ToolCall     *ToolCall       `json:"tool_call,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
	FinishReason *FinishReason   `json:"finish_reason,omitempty"`
	Response     *Response       `json:"response,omitempty"`
	Err          error           `json:"-"`
}
