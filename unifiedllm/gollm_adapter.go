package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/teilomillet/gollm"
)

// GollmAdapter wraps a gollm.LLM instance and implements ProviderAdapter for
// any backend gollm supports. gollm exposes a single prompt string, so the
// conversation is flattened and tool calls are recovered from JSON embedded
// in the generated text.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string
	counter  TokenCounter

	// gollm options are set on the shared LLM, so calls are serialized.
	mu sync.Mutex
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithGollmModel sets the default model for the adapter.
func WithGollmModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.model = model
	}
}

// WithGollmMaxTokens sets the default max tokens.
func WithGollmMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.maxTokens = n
	}
}

// WithGollmTemperature sets the default temperature.
func WithGollmTemperature(t float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.temperature = t
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// NewGollmAdapter creates a new GollmAdapter for the given provider.
// If apiKey is empty, gollm reads it from the environment.
func NewGollmAdapter(provider string, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{
		maxTokens:   4096,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		if info := GetLatestModel(provider); info != nil {
			model = info.ID
		} else {
			model = "gpt-4o-mini"
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // retries live in RetryMiddleware
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create gollm LLM for provider %s", provider)
	}

	return NewGollmAdapterFromLLM(provider, model, llm), nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM instance.
func NewGollmAdapterFromLLM(provider, model string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{
		provider: provider,
		llm:      llm,
		model:    model,
		counter:  NewTokenCounter(model),
	}
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Stream sends a request and returns a channel of stream events. With tools
// declared the response is generated in one piece, because tool-call JSON
// must not leak into the forwarded text.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	prompt := a.translateRequest(req)
	ch := make(chan StreamEvent, 64)

	a.mu.Lock()
	a.applyRequestOptions(req)

	if len(req.Tools) > 0 || !a.llm.SupportsStreaming() {
		go func() {
			defer close(ch)
			defer a.mu.Unlock()

			text, err := a.llm.Generate(ctx, prompt)
			if err != nil {
				send(ctx, ch, StreamEvent{Type: StreamError, Err: a.translateError(err)})
				return
			}
			resp := a.buildResponse(req, text)
			if t := resp.Text(); t != "" {
				if !send(ctx, ch, StreamEvent{Type: StreamTextDelta, Delta: t}) {
					return
				}
			}
			for _, tc := range resp.ToolCalls() {
				call := tc
				if !send(ctx, ch, StreamEvent{Type: StreamToolCall, ToolCall: &call}) {
					return
				}
			}
			send(ctx, ch, finishEvent(resp))
		}()
		return ch, nil
	}

	stream, err := a.llm.Stream(ctx, prompt)
	a.mu.Unlock()
	if err != nil {
		return nil, a.translateError(err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		var fullText strings.Builder
		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				send(ctx, ch, StreamEvent{Type: StreamError, Err: a.translateError(err)})
				return
			}
			if token == nil || token.Text == "" {
				continue
			}
			if !send(ctx, ch, StreamEvent{Type: StreamTextDelta, Delta: token.Text}) {
				return
			}
			fullText.WriteString(token.Text)
		}

		resp := a.buildResponse(req, fullText.String())
		send(ctx, ch, StreamEvent{Type: StreamUsage, Usage: &resp.Usage})
		send(ctx, ch, finishEvent(resp))
	}()

	return ch, nil
}

// translateRequest converts a unified Request into a gollm Prompt.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	var systemPrompt strings.Builder
	var parts []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			systemPrompt.WriteString(msg.TextContent())
			systemPrompt.WriteString("\n")
		case RoleUser:
			parts = append(parts, msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				parts = append(parts, "[Assistant]: "+text)
			}
			for _, tc := range msg.ToolCalls() {
				parts = append(parts, fmt.Sprintf("[Tool Call %s]: %s(%s)", tc.ID, tc.Name, tc.ArgumentsText()))
			}
		case RoleTool:
			for _, r := range msg.ToolResults() {
				prefix := "[Tool Result " + r.ToolCallID + "]"
				if r.IsError {
					prefix = "[Tool Error " + r.ToolCallID + "]"
				}
				parts = append(parts, prefix+": "+r.Content)
			}
		}
	}

	promptText := strings.Join(parts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	var promptOpts []gollm.PromptOption
	if systemPrompt.Len() > 0 {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(strings.TrimSpace(systemPrompt.String()), gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
	}
	if req.ToolChoice != "" {
		promptOpts = append(promptOpts, gollm.WithToolChoice(req.ToolChoice))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

// applyRequestOptions applies request-level parameters to the gollm LLM.
// Callers hold a.mu.
func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

// buildResponse constructs a unified Response from the generated text.
func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	calls, cleaned := parseEmbeddedToolCalls(text)
	msg := AssistantMessage(cleaned, calls...)

	finishReason := FinishReason{Reason: "stop", Raw: "stop"}
	if len(calls) > 0 {
		finishReason = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}

	// gollm does not expose provider usage, so it is counted locally.
	input := 0
	for _, m := range req.Messages {
		input += a.counter.Count(m.TextContent())
	}
	output := a.counter.Count(text)
	usage := Usage{InputTokens: input, OutputTokens: output, TotalTokens: input + output}
	msg.Usage = &usage

	return &Response{
		ID:           "resp_" + uuid.NewString()[:8],
		Model:        model,
		Provider:     a.provider,
		Message:      msg,
		FinishReason: finishReason,
		Usage:        usage,
	}
}

// parseEmbeddedToolCalls extracts a JSON tool-call array from generated
// text and returns the calls plus the text preceding them.
func parseEmbeddedToolCalls(text string) ([]ToolCall, string) {
	start := strings.Index(text, `{"tool_calls"`)
	wrapped := start != -1
	if !wrapped {
		start = strings.Index(text, `[{"name"`)
	}
	if start == -1 {
		return nil, text
	}

	type rawCall struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	var rawCalls []rawCall
	dec := json.NewDecoder(strings.NewReader(text[start:]))
	if wrapped {
		var envelope struct {
			ToolCalls []rawCall `json:"tool_calls"`
		}
		if err := dec.Decode(&envelope); err != nil {
			return nil, text
		}
		rawCalls = envelope.ToolCalls
	} else if err := dec.Decode(&rawCalls); err != nil {
		return nil, text
	}

	calls := make([]ToolCall, 0, len(rawCalls))
	for _, rc := range rawCalls {
		args := string(rc.Arguments)
		// Some models encode arguments as a JSON string.
		var s string
		if json.Unmarshal(rc.Arguments, &s) == nil {
			args = s
		}
		calls = append(calls, NewToolCall("call_"+uuid.NewString()[:8], rc.Name, args))
	}
	return calls, strings.TrimSpace(text[:start])
}

// translateError converts a gollm error into the unified error hierarchy.
// gollm surfaces plain errors, so classification is by message content.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: err}}
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	status := 0
	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		status = 401
	case strings.Contains(lower, "403") || strings.Contains(lower, "forbidden"):
		status = 403
	case strings.Contains(lower, "404") || strings.Contains(lower, "not found"):
		status = 404
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		status = 429
	case strings.Contains(lower, "529") || strings.Contains(lower, "overloaded"):
		status = 529
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		status = 413
	case strings.Contains(lower, "500") || strings.Contains(lower, "internal server"):
		status = 500
	case strings.Contains(lower, "timeout"):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	case strings.Contains(lower, "content filter") || strings.Contains(lower, "safety"):
		return &ContentFilterError{ProviderError: ProviderError{
			SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider,
		}}
	}
	return ErrorFromStatusCode(status, msg, a.provider, "", err, nil)
}
