package hub

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// Kind tells whether a method waits for a result.
type Kind int

const (
	FireAndForget Kind = iota + 1
	ValueReturning
)

func (k Kind) String() string {
	switch k {
	case FireAndForget:
		return "fire-and-forget"
	case ValueReturning:
		return "value-returning"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Method describes one callable entry of a contract.
type Method struct {
	Name       string
	Params     []reflect.Type // context excluded
	Kind       Kind
	Result     reflect.Type // nil for FireAndForget
	HasContext bool

	field int
}

// Contract is the inspected form of a contract struct type. Contracts are
// immutable and cached per type.
type Contract struct {
	Name    string
	Type    reflect.Type
	Methods []Method
}

// Method looks up a method by its invocation name.
func (c *Contract) Method(name string) (Method, bool) {
	for _, m := range c.Methods {
		if m.Name == name {
			return m, true
		}
	}
	return Method{}, false
}

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()

	contracts sync.Map // reflect.Type -> *Contract
)

// InspectContract validates a contract struct type. Every exported field must
// be a func with a valid hub signature (see InspectMethod) unless tagged
// `hub:"-"`. The invocation name is the field name, or the value of the hub
// tag when present.
func InspectContract(t reflect.Type) (*Contract, error) {
	if t == nil {
		return nil, &ContractViolationError{Contract: "<nil>", Reason: "contract type is nil"}
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, &ContractViolationError{Contract: t.String(), Reason: "contract must be a struct of func fields"}
	}
	if c, ok := contracts.Load(t); ok {
		return c.(*Contract), nil
	}

	c := &Contract{Name: t.Name(), Type: t}
	if c.Name == "" {
		c.Name = t.String()
	}
	seen := make(map[string]string)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("hub")
		if tag == "-" {
			continue
		}
		name := f.Name
		if tag != "" {
			name = tag
		}
		if f.Type.Kind() != reflect.Func {
			return nil, &ContractViolationError{Contract: c.Name, Method: f.Name, Reason: fmt.Sprintf("field of type %s is not a func", f.Type)}
		}
		if prev, dup := seen[name]; dup {
			return nil, &ContractViolationError{Contract: c.Name, Method: f.Name, Reason: fmt.Sprintf("name %q already used by field %s", name, prev)}
		}
		seen[name] = f.Name

		m, err := InspectMethod(name, f.Type, false)
		if err != nil {
			err.(*ContractViolationError).Contract = c.Name
			return nil, err
		}
		m.field = i
		c.Methods = append(c.Methods, m)
	}

	actual, _ := contracts.LoadOrStore(t, c)
	return actual.(*Contract), nil
}

// InspectMethod validates a single hub method signature:
//
//	func([ctx context.Context,] params...) error
//	func([ctx context.Context,] params...) (R, error)
//
// Variadic funcs, a context in any position but the first, and params or
// results that cannot travel (funcs, channels, unsafe pointers) are rejected.
// With skipReceiver set, the first input is ignored, which is what
// reflect.Type.Method reports for methods.
//
// A failure is always a *ContractViolationError.
func InspectMethod(name string, fn reflect.Type, skipReceiver bool) (Method, error) {
	violation := func(format string, args ...any) (Method, error) {
		return Method{}, &ContractViolationError{Method: name, Reason: fmt.Sprintf(format, args...)}
	}
	if fn == nil || fn.Kind() != reflect.Func {
		return violation("%v is not a func", fn)
	}
	if fn.IsVariadic() {
		return violation("variadic parameters are not supported")
	}

	m := Method{Name: name}
	in := 0
	if skipReceiver {
		in = 1
	}
	if fn.NumIn() > in && fn.In(in) == contextType {
		m.HasContext = true
		in++
	}
	for i := in; i < fn.NumIn(); i++ {
		p := fn.In(i)
		if p == contextType {
			return violation("context.Context must be the first parameter")
		}
		if !transferable(p) {
			return violation("parameter %d of type %s cannot be sent", i-in, p)
		}
		m.Params = append(m.Params, p)
	}

	switch {
	case fn.NumOut() == 1 && fn.Out(0) == errorType:
		m.Kind = FireAndForget
	case fn.NumOut() == 2 && fn.Out(1) == errorType:
		if !transferable(fn.Out(0)) {
			return violation("result of type %s cannot be sent", fn.Out(0))
		}
		m.Kind = ValueReturning
		m.Result = fn.Out(0)
	default:
		return violation("must return error or (T, error), got %s", fn)
	}
	return m, nil
}

func transferable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return false
	}
	return true
}
