package middleware

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"procbridge/message"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware applies one token bucket to every request.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, api string, body message.Body) (message.Body, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, api, body)
		}
	}
}

// PerAPIRateLimitMiddleware keeps a separate token bucket for each api name,
// so one hot api cannot starve the others.
func PerAPIRateLimitMiddleware(r float64, burst int) Middleware {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)
	limiterFor := func(api string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[api]
		if !ok {
			l = rate.NewLimiter(rate.Limit(r), burst)
			limiters[api] = l
		}
		return l
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, api string, body message.Body) (message.Body, error) {
			if !limiterFor(api).Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, api, body)
		}
	}
}
