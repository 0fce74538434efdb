package hub

import (
	"context"
	"fmt"
	"reflect"

	"mini-hub/shape"
)

// Invoker sends named invocations outward.
type Invoker interface {
	// InvokeFireAndForget returns once the transport has dispatched the
	// invocation.
	InvokeFireAndForget(ctx context.Context, target string, args []any) error
	// InvokeForResult waits for the remote result and returns it as a value
	// of resultType.
	InvokeForResult(ctx context.Context, target string, args []any, resultType reflect.Type) (any, error)
}

var positionalType = reflect.TypeFor[[]any]()

// TransportInvoker is the Invoker backed by a Transport.
type TransportInvoker struct {
	transport Transport
}

func NewInvoker(t Transport) *TransportInvoker {
	return &TransportInvoker{transport: t}
}

func (i *TransportInvoker) InvokeFireAndForget(ctx context.Context, target string, args []any) error {
	return i.transport.Send(ctx, target, args)
}

// InvokeForResult asks the transport for positional values when resultType is
// a message struct and decodes them through its shape. Any other type is
// requested directly and coerced when the transport hands back something
// else. Transport errors are returned unchanged.
func (i *TransportInvoker) InvokeForResult(ctx context.Context, target string, args []any, resultType reflect.Type) (any, error) {
	if resultType == nil {
		return nil, fmt.Errorf("hub: invoke %s: result type is nil", target)
	}

	if shape.IsMessage(resultType) {
		s, err := shape.For(resultType)
		if err != nil {
			return nil, err
		}
		raw, err := i.transport.Invoke(ctx, target, args, positionalType)
		if err != nil {
			return nil, err
		}
		switch v := raw.(type) {
		case nil:
			return reflect.Zero(resultType).Interface(), nil
		case []any:
			return s.Decode(v)
		default:
			if reflect.TypeOf(raw) == resultType {
				return raw, nil
			}
			return s.Decode([]any{raw})
		}
	}

	raw, err := i.transport.Invoke(ctx, target, args, resultType)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return reflect.Zero(resultType).Interface(), nil
	}
	if reflect.TypeOf(raw) == resultType {
		return raw, nil
	}
	return shape.Coerce(raw, resultType)
}

// Invoke calls target and returns its result as an R.
func Invoke[R any](ctx context.Context, inv Invoker, target string, args ...any) (R, error) {
	var zero R
	if inv == nil {
		return zero, ErrNilInvoker
	}
	if args == nil {
		args = []any{}
	}
	res, err := inv.InvokeForResult(ctx, target, args, reflect.TypeFor[R]())
	if err != nil || res == nil {
		return zero, err
	}
	r, ok := res.(R)
	if !ok {
		return zero, fmt.Errorf("%w: %s returned %T, want %s", ErrPayloadMismatch, target, res, reflect.TypeFor[R]())
	}
	return r, nil
}
