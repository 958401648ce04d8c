package unifiedllm

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Accumulator folds stream events into a Response. The agent loop uses it
// directly so text can be forwarded while the response is assembled.
type Accumulator struct {
	text      strings.Builder
	reasoning strings.Builder
	calls     []ToolCall
	usage     Usage
	finish    *StreamEvent
}

// Add folds one event into the accumulator.
func (a *Accumulator) Add(ev StreamEvent) {
	switch ev.Type {
	case StreamTextDelta:
		a.text.WriteString(ev.Delta)
	case StreamReasoningDelta:
		a.reasoning.WriteString(ev.Delta)
	case StreamToolCall:
		if ev.ToolCall != nil {
			a.calls = append(a.calls, *ev.ToolCall)
		}
	case StreamUsage:
		if ev.Usage != nil {
			a.usage = *ev.Usage
		}
	case StreamFinish:
		e := ev
		a.finish = &e
		if ev.Usage != nil {
			a.usage = *ev.Usage
		}
	}
}

// Response returns the assembled response. When the finishing event carried
// a complete Response, that one wins.
func (a *Accumulator) Response() *Response {
	if a.finish != nil && a.finish.Response != nil {
		return a.finish.Response
	}
	msg := Message{Role: RoleAssistant}
	if a.reasoning.Len() > 0 {
		msg.Content = append(msg.Content, ThinkingPart(a.reasoning.String(), ""))
	}
	if a.text.Len() > 0 {
		msg.Content = append(msg.Content, TextPart(a.text.String()))
	}
	for _, tc := range a.calls {
		msg.Content = append(msg.Content, ToolCallPart(tc))
	}
	reason := FinishReason{Reason: "stop"}
	if a.finish != nil && a.finish.FinishReason != nil {
		reason = *a.finish.FinishReason
	} else if len(a.calls) > 0 {
		reason = FinishReason{Reason: "tool_calls"}
	}
	usage := a.usage
	msg.Usage = &usage
	return &Response{
		ID:           "resp_" + uuid.NewString()[:8],
		Message:      msg,
		FinishReason: reason,
		Usage:        usage,
	}
}

// Collect drains a stream into a Response. A StreamError event is returned
// as the error.
func Collect(ctx context.Context, events <-chan StreamEvent) (*Response, error) {
	var acc Accumulator
	for {
		select {
		case <-ctx.Done():
			drain(events)
			return nil, &AbortError{SDKError: SDKError{Message: "collect cancelled", Cause: ctx.Err()}}
		case ev, ok := <-events:
			if !ok {
				if acc.finish == nil {
					return nil, &StreamInterruptedError{SDKError: SDKError{Message: "stream ended without finish event"}}
				}
				return acc.Response(), nil
			}
			if ev.Type == StreamError {
				drain(events)
				return nil, ev.Err
			}
			acc.Add(ev)
		}
	}
}

// finishEvent builds the terminal event for a completed response.
func finishEvent(resp *Response) StreamEvent {
	return StreamEvent{
		Type:         StreamFinish,
		FinishReason: &resp.FinishReason,
		Usage:        &resp.Usage,
		Response:     resp,
	}
}
