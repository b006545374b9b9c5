package middleware

import (
	"context"
	"time"

	"procbridge/message"
	"procbridge/metrics"
)

// MetricsMiddleware records per-api request counts and handler latency.
func MetricsMiddleware(m *metrics.Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, api string, body message.Body) (message.Body, error) {
			start := time.Now()
			result, err := next(ctx, api, body)
			m.ObserveRequest(api, err, time.Since(start))
			return result, err
		}
	}
}
