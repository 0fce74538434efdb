package hub

import (
	"context"
	"fmt"
	"reflect"
)

// Bind fills the func fields of the contract struct pointed to by target with
// forwarders. Each call of a bound field issues exactly one invocation through
// inv, with the call's arguments in declaration order and the leading context,
// if any, used as the invocation context. A nil context falls back to
// context.Background.
//
// Bind validates the whole contract before touching target, so a violation
// leaves target unchanged.
func Bind(target any, inv Invoker) error {
	if inv == nil {
		return ErrNilInvoker
	}
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return &ContractViolationError{Contract: fmt.Sprintf("%T", target), Reason: "bind target must be a non-nil pointer to a struct"}
	}
	c, err := InspectContract(v.Elem().Type())
	if err != nil {
		return err
	}

	elem := v.Elem()
	for _, m := range c.Methods {
		f := elem.Field(m.field)
		f.Set(reflect.MakeFunc(f.Type(), forwarder(m, inv)))
	}
	return nil
}

// NewProxy returns a new T with every method bound to inv.
func NewProxy[T any](inv Invoker) (*T, error) {
	p := new(T)
	if err := Bind(p, inv); err != nil {
		return nil, err
	}
	return p, nil
}

func forwarder(m Method, inv Invoker) func([]reflect.Value) []reflect.Value {
	return func(in []reflect.Value) []reflect.Value {
		ctx := context.Background()
		if m.HasContext {
			if c, ok := in[0].Interface().(context.Context); ok && c != nil {
				ctx = c
			}
			in = in[1:]
		}
		args := make([]any, len(in))
		for i, a := range in {
			args[i] = a.Interface()
		}

		if m.Kind == FireAndForget {
			return []reflect.Value{errorValue(inv.InvokeFireAndForget(ctx, m.Name, args))}
		}

		out := reflect.New(m.Result).Elem()
		res, err := inv.InvokeForResult(ctx, m.Name, args, m.Result)
		if err == nil && res != nil {
			rv := reflect.ValueOf(res)
			if rv.Type().AssignableTo(m.Result) {
				out.Set(rv)
			} else {
				err = fmt.Errorf("%w: %s returned %T, want %s", ErrPayloadMismatch, m.Name, res, m.Result)
			}
		}
		return []reflect.Value{out, errorValue(err)}
	}
}

func errorValue(err error) reflect.Value {
	v := reflect.New(errorType).Elem()
	if err != nil {
		v.Set(reflect.ValueOf(err))
	}
	return v
}
