package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/genai"
)

// geminiModels is the slice of the genai client used by the adapter.
// *genai.Models satisfies it.
type geminiModels interface {
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// GeminiAdapter streams from the Gemini API. Gemini accepts only a fixed
// OpenAPI subset for function parameters and returns function calls without
// ids, so both are reconciled here.
type GeminiAdapter struct {
	models geminiModels
	model  string
}

// NewGeminiAdapter creates an adapter with a genai client for the API key.
func NewGeminiAdapter(ctx context.Context, apiKey string) (*GeminiAdapter, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create genai client")
	}
	return &GeminiAdapter{models: client.Models, model: "gemini-2.5-flash"}, nil
}

// Name returns the provider identifier.
func (a *GeminiAdapter) Name() string { return "gemini" }

// Stream opens a GenerateContentStream and maps its chunks into events.
func (a *GeminiAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	contents, config := toGeminiRequest(req)

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)

		var text string
		var calls []ToolCall
		var usage Usage
		finish := FinishReason{Reason: "stop"}

		for chunk, err := range a.models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				send(ctx, ch, StreamEvent{Type: StreamError, Err: mapGeminiError(err)})
				return
			}
			if chunk == nil {
				continue
			}
			if chunk.UsageMetadata != nil {
				usage = Usage{
					InputTokens:     int(chunk.UsageMetadata.PromptTokenCount),
					OutputTokens:    int(chunk.UsageMetadata.CandidatesTokenCount),
					TotalTokens:     int(chunk.UsageMetadata.TotalTokenCount),
					CacheReadTokens: int(chunk.UsageMetadata.CachedContentTokenCount),
				}
				u := usage
				if !send(ctx, ch, StreamEvent{Type: StreamUsage, Usage: &u}) {
					return
				}
			}
			if len(chunk.Candidates) == 0 {
				continue
			}
			cand := chunk.Candidates[0]
			if cand.FinishReason != "" {
				finish = mapGeminiFinish(cand.FinishReason)
			}
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				switch {
				case part.FunctionCall != nil:
					args, _ := json.Marshal(part.FunctionCall.Args)
					id := part.FunctionCall.ID
					if id == "" {
						id = "call_" + uuid.NewString()[:8]
					}
					calls = append(calls, NewToolCall(id, part.FunctionCall.Name, string(args)))
				case part.Thought && part.Text != "":
					if !send(ctx, ch, StreamEvent{Type: StreamReasoningDelta, Delta: part.Text}) {
						return
					}
				case part.Text != "":
					text += part.Text
					if !send(ctx, ch, StreamEvent{Type: StreamTextDelta, Delta: part.Text}) {
						return
					}
				}
			}
		}

		if finish.Reason == "content_filter" {
			send(ctx, ch, StreamEvent{Type: StreamError, Err: &ContentFilterError{ProviderError: ProviderError{
				SDKError: SDKError{Message: "content blocked by safety filters"}, Provider: "gemini",
			}}})
			return
		}

		for i := range calls {
			call := calls[i]
			if !send(ctx, ch, StreamEvent{Type: StreamToolCall, ToolCall: &call}) {
				return
			}
		}
		if len(calls) > 0 {
			finish = FinishReason{Reason: "tool_calls", Raw: finish.Raw}
		}

		msg := AssistantMessage(text, calls...)
		u := usage
		msg.Usage = &u
		send(ctx, ch, finishEvent(&Response{
			ID:           "resp_" + uuid.NewString()[:8],
			Model:        model,
			Provider:     "gemini",
			Message:      msg,
			FinishReason: finish,
			Usage:        usage,
		}))
	}()
	return ch, nil
}

// toGeminiRequest converts messages and tools into genai contents and config.
func toGeminiRequest(req Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	var system string
	var contents []*genai.Content

	// Gemini matches function responses by name, so remember call names.
	callNames := map[string]string{}

	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.TextContent()
		case RoleUser:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{genai.NewPartFromText(m.TextContent())},
			})
		case RoleAssistant:
			var parts []*genai.Part
			if t := m.TextContent(); t != "" {
				parts = append(parts, genai.NewPartFromText(t))
			}
			for _, tc := range m.ToolCalls() {
				callNames[tc.ID] = tc.Name
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Name,
					Args: toolArgsObject(tc),
				}})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: "model", Parts: parts})
			}
		case RoleTool:
			var parts []*genai.Part
			for _, r := range m.ToolResults() {
				name := r.Name
				if name == "" {
					name = callNames[r.ToolCallID]
				}
				key := "output"
				if r.IsError {
					key = "error"
				}
				parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					ID:       r.ToolCallID,
					Name:     name,
					Response: map[string]any{key: r.Content},
				}})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: "user", Parts: parts})
			}
		}
	}

	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(system)}}
	}
	if req.MaxTokens != nil {
		config.MaxOutputTokens = int32(*req.MaxTokens)
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		config.Temperature = &t
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			fd := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
			if len(t.Parameters) > 0 {
				fd.Parameters = toGeminiSchema(t.Parameters)
			}
			decls = append(decls, fd)
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return contents, config
}

// toGeminiSchema converts a JSON schema object into Gemini's schema dialect.
// Keywords the dialect lacks ($ref, additionalProperties, oneOf, ...) are
// dropped; a ["T","null"] type becomes a nullable T.
func toGeminiSchema(js map[string]interface{}) *genai.Schema {
	s := &genai.Schema{}
	switch t := js["type"].(type) {
	case string:
		s.Type = toGeminiType(t)
	case []interface{}:
		for _, v := range t {
			name, _ := v.(string)
			if name == "null" {
				nullable := true
				s.Nullable = &nullable
				continue
			}
			s.Type = toGeminiType(name)
		}
	default:
		if _, ok := js["properties"]; ok {
			s.Type = genai.TypeObject
		} else {
			s.Type = genai.TypeString
		}
	}
	if d, ok := js["description"].(string); ok {
		s.Description = d
	}
	if f, ok := js["format"].(string); ok && (f == "enum" || f == "date-time") {
		s.Format = f
	}
	if enum, ok := js["enum"].([]interface{}); ok {
		for _, e := range enum {
			s.Enum = append(s.Enum, fmt.Sprint(e))
		}
	}
	if props, ok := js["properties"].(map[string]interface{}); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if p, ok := raw.(map[string]interface{}); ok {
				s.Properties[name] = toGeminiSchema(p)
			}
		}
	}
	switch req := js["required"].(type) {
	case []string:
		s.Required = append(s.Required, req...)
	case []interface{}:
		for _, r := range req {
			if name, ok := r.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}
	if items, ok := js["items"].(map[string]interface{}); ok {
		s.Items = toGeminiSchema(items)
	} else if s.Type == genai.TypeArray {
		s.Items = &genai.Schema{Type: genai.TypeString}
	}
	return s
}

func toGeminiType(t string) genai.Type {
	switch t {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

func mapGeminiFinish(r genai.FinishReason) FinishReason {
	switch r {
	case genai.FinishReasonStop:
		return FinishReason{Reason: "stop", Raw: string(r)}
	case genai.FinishReasonMaxTokens:
		return FinishReason{Reason: "length", Raw: string(r)}
	case genai.FinishReasonSafety, genai.FinishReasonRecitation, genai.FinishReasonProhibitedContent:
		return FinishReason{Reason: "content_filter", Raw: string(r)}
	default:
		return FinishReason{Reason: "other", Raw: string(r)}
	}
}

// mapGeminiError maps genai API errors to the unified hierarchy.
func mapGeminiError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: err}}
	}
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) {
		return ErrorFromStatusCode(apiErr.Code, apiErr.Message, "gemini", apiErr.Status, err, nil)
	}
	return &NetworkError{SDKError: SDKError{Message: "gemini transport error", Cause: err}}
}
