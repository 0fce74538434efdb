package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-hub/message"
)

const ErrTextRateLimited = "rate limit exceeded"

// RateLimit 创建一个基于令牌桶算法的限流中间件, shared by every connection
// of the server.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.HubMessage) *message.HubMessage {
			if !limiter.Allow() {
				return failure(req, ErrTextRateLimited)
			}
			return next(ctx, req)
		}
	}
}
