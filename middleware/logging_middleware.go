package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mini-hub/message"
)

// Logging logs every invocation with its duration. Failed invocations are
// logged at warn level.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.HubMessage) *message.HubMessage {
			start := time.Now()
			resp := next(ctx, req)

			fields := []zap.Field{
				zap.String("target", req.Target),
				zap.Int("args", len(req.Arguments)),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Failed() {
				logger.Warn("invocation failed", append(fields, zap.String("error", resp.Error))...)
			} else {
				logger.Debug("invocation", fields...)
			}
			return resp
		}
	}
}
