package unifiedllm

import (
	"context"

	"github.com/rs/zerolog/log"
)

// FallbackAdapter tries a list of adapters in order. It moves to the next
// adapter only while nothing has been forwarded to the caller, so a stream
// that fails midway is reported rather than restarted elsewhere.
type FallbackAdapter struct {
	adapters []ProviderAdapter
}

// NewFallbackAdapter returns an adapter that falls back through adapters.
func NewFallbackAdapter(adapters ...ProviderAdapter) *FallbackAdapter {
	return &FallbackAdapter{adapters: adapters}
}

// Name reports the primary adapter's name.
func (f *FallbackAdapter) Name() string {
	if len(f.adapters) == 0 {
		return "fallback"
	}
	return f.adapters[0].Name()
}

// Stream opens the first adapter whose stream starts without error.
func (f *FallbackAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	if len(f.adapters) == 0 {
		return nil, NewConfigurationError("fallback adapter has no providers")
	}
	out := make(chan StreamEvent, 64)
	go func() {
		defer close(out)
		var lastErr error
		for i, adapter := range f.adapters {
			r := req
			if i > 0 {
				// The model name belongs to the primary provider.
				r.Model = ""
				r.Provider = adapter.Name()
			}
			in, err := adapter.Stream(ctx, r)
			if err != nil {
				lastErr = err
				log.Warn().Err(err).Str("provider", adapter.Name()).Msg("unifiedllm: provider failed to start, falling back")
				continue
			}
			first, ok := <-in
			if !ok {
				lastErr = &StreamInterruptedError{SDKError: SDKError{Message: "stream closed before any event"}}
				continue
			}
			if first.Type == StreamError {
				lastErr = first.Err
				drain(in)
				if ctx.Err() != nil {
					break
				}
				log.Warn().Err(first.Err).Str("provider", adapter.Name()).Msg("unifiedllm: provider failed, falling back")
				continue
			}
			if !send(ctx, out, first) {
				drain(in)
				return
			}
			for ev := range in {
				if !send(ctx, out, ev) {
					drain(in)
					return
				}
			}
			return
		}
		send(ctx, out, StreamEvent{Type: StreamError, Err: abortOr(ctx, lastErr)})
	}()
	return out, nil
}
