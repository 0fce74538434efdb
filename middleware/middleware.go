// Package middleware wraps the server's invocation handler.
//
// Middlewares see the decoded envelope (target and still-encoded arguments)
// and return the completion envelope, so they work the same for every hub
// method regardless of its signature.
package middleware

import (
	"context"

	"mini-hub/message"
)

// HandlerFunc handles one inbound invocation and returns its completion.
type HandlerFunc func(ctx context.Context, req *message.HubMessage) *message.HubMessage

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Tracker counts work that outlives the handler call, such as a handler
// Timeout gave up waiting for. *sync.WaitGroup satisfies it.
type Tracker interface {
	Add(delta int)
	Done()
}

type trackerKey struct{}

// WithTracker attaches t to ctx for middlewares that detach handlers.
func WithTracker(ctx context.Context, t Tracker) context.Context {
	return context.WithValue(ctx, trackerKey{}, t)
}

func trackerFrom(ctx context.Context) Tracker {
	t, _ := ctx.Value(trackerKey{}).(Tracker)
	return t
}

func failure(req *message.HubMessage, text string) *message.HubMessage {
	return &message.HubMessage{Target: req.Target, Error: text}
}
