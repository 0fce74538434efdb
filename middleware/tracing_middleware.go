package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mini-hub/message"
)

const tracerName = "mini-hub/server"

// Tracing wraps every invocation in a server span named after its target.
// A nil provider uses the global one.
func Tracing(tp trace.TracerProvider) Middleware {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer(tracerName)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.HubMessage) *message.HubMessage {
			ctx, span := tracer.Start(ctx, "hub/"+req.Target, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			span.SetAttributes(
				attribute.String("hub.target", req.Target),
				attribute.Int("hub.args", len(req.Arguments)),
			)
			resp := next(ctx, req)
			if resp.Failed() {
				span.SetStatus(codes.Error, resp.Error)
			}
			return resp
		}
	}
}
