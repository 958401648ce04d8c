package unifiedllm

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryPolicy configures bounded retry with exponential backoff.
type RetryPolicy struct {
	MaxAttempts       int     // total attempts including the first
	BaseDelay         float64 // initial delay in seconds
	MaxDelay          float64 // maximum delay between attempts, in seconds
	BackoffMultiplier float64
	Jitter            bool
	OnRetry           func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy returns the default policy: three attempts, one second
// base delay doubling up to thirty seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         1.0,
		MaxDelay:          30.0,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Delay calculates the delay after failed attempt n (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := p.BaseDelay * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 {
		delay = math.Min(delay, p.MaxDelay)
	}
	if p.Jitter {
		// +/- 50% jitter
		delay = delay * (0.5 + rand.Float64())
	}
	return time.Duration(delay * float64(time.Second))
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// wait sleeps before the next attempt. It returns false when ctx ends first
// or when a server-suggested delay exceeds MaxDelay.
func (p RetryPolicy) wait(ctx context.Context, err error, attempt int) bool {
	delay := p.Delay(attempt)
	if after := retryAfter(err); after != nil {
		suggested := time.Duration(*after * float64(time.Second))
		if p.MaxDelay > 0 && suggested > time.Duration(p.MaxDelay*float64(time.Second)) {
			return false
		}
		delay = suggested
	}
	if p.OnRetry != nil {
		p.OnRetry(err, attempt+1, delay)
	}
	log.Warn().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("unifiedllm: retrying transient failure")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Retry executes fn up to MaxAttempts times. Only retryable errors are
// retried.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var err error
	for attempt := 0; attempt < policy.attempts(); attempt++ {
		var result T
		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
		if !IsRetryable(err) || attempt == policy.attempts()-1 {
			return zero, err
		}
		if !policy.wait(ctx, err, attempt) {
			if ctx.Err() != nil {
				return zero, &AbortError{SDKError: SDKError{Message: "request cancelled during retry", Cause: ctx.Err()}}
			}
			return zero, err
		}
	}
	return zero, err
}

// RetryMiddleware retries a stream while nothing has been forwarded to the
// caller yet. A stream that fails after its first event cannot be replayed
// without duplicating output, so such failures pass through untouched.
func RetryMiddleware(policy RetryPolicy) StreamMiddleware {
	return func(ctx context.Context, req Request, next StreamHandler) (<-chan StreamEvent, error) {
		out := make(chan StreamEvent, 64)
		go func() {
			defer close(out)
			for attempt := 0; attempt < policy.attempts(); attempt++ {
				last := attempt == policy.attempts()-1

				in, err := next(ctx, req)
				if err != nil {
					if !IsRetryable(err) || last || !policy.wait(ctx, err, attempt) {
						send(ctx, out, StreamEvent{Type: StreamError, Err: abortOr(ctx, err)})
						return
					}
					continue
				}

				first, ok := <-in
				if !ok {
					send(ctx, out, StreamEvent{Type: StreamError, Err: &StreamInterruptedError{SDKError: SDKError{Message: "stream closed before any event"}}})
					return
				}
				if first.Type == StreamError && IsRetryable(first.Err) && !last {
					drain(in)
					if !policy.wait(ctx, first.Err, attempt) {
						send(ctx, out, StreamEvent{Type: StreamError, Err: abortOr(ctx, first.Err)})
						return
					}
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
		}()
		return out, nil
	}
}

func abortOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: ctx.Err()}}
	}
	return err
}

// drain discards the remainder of a stream so its producer can exit.
func drain(ch <-chan StreamEvent) {
	go func() {
		for range ch {
		}
	}()
}
