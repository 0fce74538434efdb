package middleware

import (
	"context"
	"time"

	"mini-hub/message"
	"mini-hub/metrics"
)

// Metrics records the outcome and duration of every invocation.
func Metrics(m *metrics.Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.HubMessage) *message.HubMessage {
			start := time.Now()
			resp := next(ctx, req)
			m.ObserveInvocation(req.Target, !resp.Failed(), time.Since(start))
			return resp
		}
	}
}
