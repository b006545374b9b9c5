// Package middleware wraps handler functions with cross-cutting behavior.
//
// The same HandlerFunc shape serves both sides: the server dispatches decoded
// requests through a chain ending at the application handler, and
// client.Client.Handler exposes a remote call so callers can wrap it too.
package middleware

import (
	"context"

	"procbridge/message"
)

// HandlerFunc computes a response body for an api call, or fails. A nil body
// with a nil error is answered as {}.
//
// A HandlerFunc given to the server is called concurrently from one goroutine
// per connection; it must be safe for concurrent use.
type HandlerFunc func(ctx context.Context, api string, body message.Body) (message.Body, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one added is the outermost:
// Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
