// Package hub turns typed contracts into named, positional invocations and
// routes named inbound messages back to typed callbacks.
//
// Outbound, a contract is a struct of func fields. Bind fills those fields
// with forwarders, so calling a field sends one invocation whose target is the
// method name and whose arguments are the call's arguments in order:
//
//	type ChatServer struct {
//		Broadcast func(ctx context.Context, user, text string) error
//		GetCount  func(ctx context.Context) (int, error)
//	}
//
//	srv, _ := hub.NewProxy[ChatServer](hub.NewInvoker(conn))
//	srv.Broadcast(ctx, "ann", "hello")   // → Send("Broadcast", ["ann", "hello"])
//	n, _ := srv.GetCount(ctx)           // → Invoke("GetCount", [], int)
//
// Inbound, Subscribe binds the message name of a struct type (its Go name by
// default) to a callback. Arguments arriving for that name are decoded into
// the struct's fields in declaration order (see package shape).
//
// The package never touches bytes or sockets. Everything goes through the
// Transport interface; package transport provides a framed TCP implementation.
package hub

import (
	"context"
	"reflect"
)

// Sender dispatches a named invocation without waiting for a result.
type Sender interface {
	Send(ctx context.Context, target string, args []any) error
}

// Handler receives the arguments of one inbound invocation. A Handler may
// block; the transport waits for it before dispatching the next message.
type Handler func(ctx context.Context, args []any) error

// HandlerID identifies a handler registered with a Transport.
type HandlerID uint64

// Transport is the connection the hub layer runs on.
//
// Invoke asks for a result of resultType. A resultType of []any asks for the
// raw positional values. On registers h for target; paramTypes are decoding
// hints for the incoming positions and may be shorter or longer than what
// actually arrives. Several handlers may be registered for the same target.
// Remove unregisters exactly the handler identified by id and ignores unknown
// ids.
type Transport interface {
	Sender
	Invoke(ctx context.Context, target string, args []any, resultType reflect.Type) (any, error)
	On(target string, paramTypes []reflect.Type, h Handler) (HandlerID, error)
	Remove(id HandlerID)
}
