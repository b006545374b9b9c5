package middleware

import (
	"context"
	"errors"
	"time"

	"procbridge/message"
)

var ErrTimeout = errors.New("request timed out")

// TimeoutMiddleware answers with ErrTimeout if next does not return within
// timeout. The handler keeps running in the background; it sees ctx canceled.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, api string, body message.Body) (message.Body, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				body message.Body
				err  error
			}
			done := make(chan result, 1)
			go func() {
				b, err := next(ctx, api, body)
				done <- result{b, err}
			}()

			select {
			case r := <-done:
				return r.body, r.err
			case <-ctx.Done():
				return nil, ErrTimeout
			}
		}
	}
}
