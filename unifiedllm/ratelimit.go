package unifiedllm

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware waits on limiter before every stream is opened. Placed
// inside RetryMiddleware, retried attempts are limited too.
func RateLimitMiddleware(limiter *rate.Limiter) StreamMiddleware {
	return func(ctx context.Context, req Request, next StreamHandler) (<-chan StreamEvent, error) {
		if err := limiter.Wait(ctx); err != nil {
			return nil, abortOr(ctx, &RateLimitError{ProviderError: ProviderError{
				SDKError: SDKError{Message: "local rate limit", Cause: err},
				Provider: req.Provider,
			}})
		}
		return next(ctx, req)
	}
}

// NewLimiter builds a limiter for requestsPerSecond with the given burst. A
// non-positive rate means unlimited.
func NewLimiter(requestsPerSecond float64, burst int) *rate.Limiter {
	if requestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}
