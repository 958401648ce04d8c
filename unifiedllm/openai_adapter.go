package unifiedllm

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIAdapter streams chat completions from OpenAI or any server speaking
// the same protocol (Ollama, vLLM, LiteLLM) when a base URL is given.
type OpenAIAdapter struct {
	name   string
	client *openai.Client
	model  string
}

// OpenAIOption configures an OpenAIAdapter.
type OpenAIOption func(*openAIConfig)

type openAIConfig struct {
	name    string
	baseURL string
	model   string
}

// WithOpenAIBaseURL points the adapter at an OpenAI-compatible server.
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(c *openAIConfig) {
		c.baseURL = url
	}
}

// WithOpenAIName overrides the provider name reported by the adapter.
func WithOpenAIName(name string) OpenAIOption {
	return func(c *openAIConfig) {
		c.name = name
	}
}

// WithOpenAIModel sets the model used when a request names none.
func WithOpenAIModel(model string) OpenAIOption {
	return func(c *openAIConfig) {
		c.model = model
	}
}

// NewOpenAIAdapter creates an adapter using the given API key.
func NewOpenAIAdapter(apiKey string, opts ...OpenAIOption) *OpenAIAdapter {
	cfg := &openAIConfig{name: "openai", model: "gpt-4o-mini"}
	for _, opt := range opts {
		opt(cfg)
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.baseURL != "" {
		clientCfg.BaseURL = cfg.baseURL
	}
	return &OpenAIAdapter{
		name:   cfg.name,
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.model,
	}
}

// Name returns the provider identifier.
func (a *OpenAIAdapter) Name() string { return a.name }

// Stream opens a chat completion stream.
func (a *OpenAIAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	oreq := a.translateRequest(req)
	stream, err := a.client.CreateChatCompletionStream(ctx, oreq)
	if err != nil {
		return nil, a.translateError(err)
	}

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		defer stream.Close()

		merger := newToolCallMerger()
		var text strings.Builder
		var usage Usage
		finish := FinishReason{Reason: "stop"}
		respID := ""

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				send(ctx, ch, StreamEvent{Type: StreamError, Err: a.translateError(err)})
				return
			}
			if respID == "" {
				respID = chunk.ID
			}
			if chunk.Usage != nil {
				usage = Usage{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
					TotalTokens:  chunk.Usage.TotalTokens,
				}
				if chunk.Usage.PromptTokensDetails != nil {
					usage.CacheReadTokens = chunk.Usage.PromptTokensDetails.CachedTokens
				}
				u := usage
				if !send(ctx, ch, StreamEvent{Type: StreamUsage, Usage: &u}) {
					return
				}
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					text.WriteString(choice.Delta.Content)
					if !send(ctx, ch, StreamEvent{Type: StreamTextDelta, Delta: choice.Delta.Content}) {
						return
					}
				}
				merger.add(choice.Delta.ToolCalls)
				if choice.FinishReason != "" {
					finish = mapOpenAIFinish(string(choice.FinishReason))
				}
			}
		}

		calls := merger.calls()
		for i := range calls {
			call := calls[i]
			if !send(ctx, ch, StreamEvent{Type: StreamToolCall, ToolCall: &call}) {
				return
			}
		}

		if respID == "" {
			respID = "resp_" + uuid.NewString()[:8]
		}
		msg := AssistantMessage(text.String(), calls...)
		u := usage
		msg.Usage = &u
		resp := &Response{
			ID:           respID,
			Model:        oreq.Model,
			Provider:     a.name,
			Message:      msg,
			FinishReason: finish,
			Usage:        usage,
		}
		send(ctx, ch, finishEvent(resp))
	}()
	return ch, nil
}

func (a *OpenAIAdapter) translateRequest(req Request) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = a.model
	}

	var msgs []openai.ChatCompletionMessage
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.TextContent()})
		case RoleUser:
			msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.TextContent()})
		case RoleAssistant:
			om := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.TextContent()}
			for _, tc := range m.ToolCalls() {
				om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.ArgumentsText(),
					},
				})
			}
			msgs = append(msgs, om)
		case RoleTool:
			// One wire message per result, in the order recorded.
			for _, r := range m.ToolResults() {
				msgs = append(msgs, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    r.Content,
					ToolCallID: r.ToolCallID,
				})
			}
		}
	}

	oreq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      msgs,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens != nil {
		oreq.MaxCompletionTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		oreq.Temperature = float32(*req.Temperature)
	}
	for _, t := range req.Tools {
		oreq.Tools = append(oreq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if len(oreq.Tools) > 0 && req.ToolChoice != "" {
		oreq.ToolChoice = req.ToolChoice
	}
	return oreq
}

func (a *OpenAIAdapter) translateError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: err}}
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ""
		if s, ok := apiErr.Code.(string); ok {
			code = s
		}
		return ErrorFromStatusCode(apiErr.HTTPStatusCode, apiErr.Message, a.name, code, err, nil)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return ErrorFromStatusCode(reqErr.HTTPStatusCode, reqErr.Error(), a.name, "", err, nil)
	}
	log.Debug().Err(err).Str("provider", a.name).Msg("unifiedllm: unclassified openai error")
	return &NetworkError{SDKError: SDKError{Message: "openai transport error", Cause: err}}
}

func mapOpenAIFinish(raw string) FinishReason {
	switch raw {
	case "stop":
		return FinishReason{Reason: "stop", Raw: raw}
	case "length":
		return FinishReason{Reason: "length", Raw: raw}
	case "tool_calls", "function_call":
		return FinishReason{Reason: "tool_calls", Raw: raw}
	case "content_filter":
		return FinishReason{Reason: "content_filter", Raw: raw}
	default:
		return FinishReason{Reason: "other", Raw: raw}
	}
}

// toolCallMerger accumulates streamed tool-call fragments keyed by their
// index and returns them in index order.
type toolCallMerger struct {
	byIndex map[int]*openai.ToolCall
}

func newToolCallMerger() *toolCallMerger {
	return &toolCallMerger{byIndex: make(map[int]*openai.ToolCall)}
}

func (m *toolCallMerger) add(deltas []openai.ToolCall) {
	for _, d := range deltas {
		index := 0
		if d.Index != nil {
			index = *d.Index
		}
		existing, ok := m.byIndex[index]
		if !ok {
			call := d
			m.byIndex[index] = &call
			continue
		}
		if d.ID != "" {
			existing.ID = d.ID
		}
		existing.Function.Name += d.Function.Name
		existing.Function.Arguments += d.Function.Arguments
	}
}

func (m *toolCallMerger) calls() []ToolCall {
	indexes := make([]int, 0, len(m.byIndex))
	for i := range m.byIndex {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]ToolCall, 0, len(indexes))
	for _, i := range indexes {
		c := m.byIndex[i]
		id := c.ID
		if id == "" {
			id = "call_" + uuid.NewString()[:8]
		}
		out = append(out, NewToolCall(id, c.Function.Name, c.Function.Arguments))
	}
	return out
}

// toolArgsObject decodes tool arguments into a map, tolerating bad input.
func toolArgsObject(tc ToolCall) map[string]interface{} {
	args := map[string]interface{}{}
	if tc.Arguments != nil {
		_ = json.Unmarshal(tc.Arguments, &args)
	}
	return args
}
