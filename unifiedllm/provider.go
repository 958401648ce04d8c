package unifiedllm

import "context"

// ProviderAdapter is the interface every provider backend implements. Stream
// translates the backend's wire format into the common event vocabulary.
//
// Adapters return an error from Stream only when the request could not be
// started; failures after that are delivered as a StreamError event. The
// returned channel is always closed by the adapter.
type ProviderAdapter interface {
	// Name returns the provider identifier (e.g. "openai", "gemini").
	Name() string

	// Stream sends a request and returns a channel of stream events.
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// Closer is implemented by adapters that hold resources.
type Closer interface {
	Close() error
}

// send delivers ev unless ctx is done first. It reports whether the event
// was delivered.
func send(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// FailedStream returns a closed stream holding a single error event.
func FailedStream(err error) <-chan StreamEvent {
	ch := make(chan StreamEvent, 1)
	ch <- StreamEvent{Type: StreamError, Err: err}
	close(ch)
	return ch
}
