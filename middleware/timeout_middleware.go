package middleware

import (
	"context"
	"time"

	"mini-hub/message"
)

const ErrTextTimeout = "request timed out"

// Timeout bounds the handler's run time. The handler keeps its context and
// sees it canceled when the deadline passes; the caller gets a timeout
// completion right away. A Tracker on ctx (see WithTracker) holds one count
// until the handler actually returns.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.HubMessage) *message.HubMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			tracker := trackerFrom(ctx)
			if tracker != nil {
				tracker.Add(1)
			}
			done := make(chan *message.HubMessage, 1)
			go func() {
				if tracker != nil {
					defer tracker.Done()
				}
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return failure(req, ErrTextTimeout)
			}
		}
	}
}
