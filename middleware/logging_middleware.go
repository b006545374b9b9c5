package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"procbridge/message"
)

func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, api string, body message.Body) (message.Body, error) {
			start := time.Now()
			result, err := next(ctx, api, body)
			duration := time.Since(start)
			if err != nil {
				logger.Warn().Str("api", api).Dur("duration", duration).Err(err).Msg("request failed")
				return result, err
			}
			logger.Debug().Str("api", api).Dur("duration", duration).Msg("request handled")
			return result, nil
		}
	}
}
