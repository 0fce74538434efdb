package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mini-hub/message"
)

// Recover turns a panicking handler into a failed completion so one bad call
// cannot take down the connection's server goroutine.
func Recover(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.HubMessage) (resp *message.HubMessage) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panicked", zap.String("target", req.Target), zap.Any("panic", r), zap.Stack("stack"))
					resp = failure(req, fmt.Sprintf("internal error in %s", req.Target))
				}
			}()
			return next(ctx, req)
		}
	}
}
