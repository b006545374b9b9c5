package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"procbridge/message"
)

// RetryMiddleware re-invokes next while it fails with an error for which
// retryable returns true, sleeping baseDelay, 2*baseDelay, 4*baseDelay, ...
// between attempts. It is meant for the client side (see client.Client.Handler);
// nothing in the server or client retries on its own.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, retryable func(error) bool, logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, api string, body message.Body) (message.Body, error) {
			result, err := next(ctx, api, body)
			for i := 0; i < maxRetries; i++ {
				if err == nil || retryable == nil || !retryable(err) {
					return result, err
				}
				logger.Debug().Str("api", api).Int("attempt", i+1).Err(err).Msg("retrying request")

				timer := time.NewTimer(baseDelay * time.Duration(1<<i))
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, ctx.Err()
				case <-timer.C:
				}
				result, err = next(ctx, api, body)
			}
			return result, err
		}
	}
}
