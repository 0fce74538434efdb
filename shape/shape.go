// Package shape maps struct values to and from positional argument lists.
//
// A Shape is the ordered list of a struct type's exported fields, in
// declaration order. That order is the only compatibility contract between
// the two ends of a connection: no field names travel on the wire, so both
// sides must declare the same fields in the same order for a message name.
//
//	type Ping struct {
//		ID   int
//		Text string
//	}
//
//	Ping{1, "hi"}  ──Encode──►  []any{1, "hi"}  ──Decode──►  Ping{1, "hi"}
//
// Fields tagged `hub:"-"` are left out of the shape. A type can override its
// message name (the Go type name by default) by implementing Namer with a
// value receiver.
package shape

import (
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

var (
	ErrNotStruct       = errors.New("shape: type must be a struct")
	ErrWrongType       = errors.New("shape: value does not match shape type")
	ErrPayloadMismatch = errors.New("shape: payload mismatch")
)

// Namer overrides the message name derived from a type.
type Namer interface {
	MessageName() string
}

var namerType = reflect.TypeFor[Namer]()

// Field is one positional slot of a Shape.
type Field struct {
	Name  string
	Type  reflect.Type
	Index int // index in the struct type, not the position in the shape
}

// Shape is the ordered field schema of a message type. Shapes are immutable
// and cached per type.
type Shape struct {
	Name   string
	Type   reflect.Type
	Fields []Field
}

var cache sync.Map // reflect.Type -> *Shape

// For returns the shape of struct type t.
func For(t reflect.Type) (*Shape, error) {
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w, got %v", ErrNotStruct, t)
	}
	if s, ok := cache.Load(t); ok {
		return s.(*Shape), nil
	}

	s := &Shape{Name: nameOf(t), Type: t}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Tag.Get("hub") == "-" {
			continue
		}
		s.Fields = append(s.Fields, Field{Name: f.Name, Type: f.Type, Index: i})
	}

	actual, _ := cache.LoadOrStore(t, s)
	return actual.(*Shape), nil
}

// Of returns the shape of T.
func Of[T any]() (*Shape, error) {
	return For(reflect.TypeFor[T]())
}

// NameOf returns the message name of T without building its shape.
func NameOf[T any]() string {
	return nameOf(reflect.TypeFor[T]())
}

func nameOf(t reflect.Type) string {
	if t.Implements(namerType) {
		return reflect.Zero(t).Interface().(Namer).MessageName()
	}
	return t.Name()
}

// Len returns the number of positional slots.
func (s *Shape) Len() int { return len(s.Fields) }

// FieldTypes returns the field types in wire order. Transports use them as
// decoding hints for incoming arguments.
func (s *Shape) FieldTypes() []reflect.Type {
	types := make([]reflect.Type, len(s.Fields))
	for i, f := range s.Fields {
		types[i] = f.Type
	}
	return types
}

// Encode reads the shape's fields from instance, in order. instance may be a
// value of the shape's type or a non-nil pointer to one. Field values are
// returned as-is; encoding them further is the transport's job.
func (s *Shape) Encode(instance any) ([]any, error) {
	v := reflect.ValueOf(instance)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, fmt.Errorf("%w: nil %s", ErrWrongType, s.Type)
		}
		v = v.Elem()
	}
	if !v.IsValid() || v.Type() != s.Type {
		return nil, fmt.Errorf("%w: want %s, got %T", ErrWrongType, s.Type, instance)
	}

	values := make([]any, len(s.Fields))
	for i, f := range s.Fields {
		values[i] = v.Field(f.Index).Interface()
	}
	return values, nil
}

// Decode builds a new instance of the shape's type from positional values.
// Missing trailing values leave their fields at the zero value and extra
// values are ignored; only a value that cannot be converted to its field's
// type fails, with a *MismatchError.
func (s *Shape) Decode(values []any) (any, error) {
	v, err := s.decode(values)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

func (s *Shape) decode(values []any) (reflect.Value, error) {
	out := reflect.New(s.Type).Elem()
	for i, f := range s.Fields {
		if i >= len(values) {
			break
		}
		if err := assign(out.Field(f.Index), values[i]); err != nil {
			return reflect.Value{}, &MismatchError{
				Shape: s.Name,
				Field: f.Name,
				Index: i,
				Value: values[i],
				Err:   err,
			}
		}
	}
	return out, nil
}

// Encode returns the positional values of msg.
func Encode[T any](msg T) ([]any, error) {
	s, err := Of[T]()
	if err != nil {
		return nil, err
	}
	return s.Encode(msg)
}

// Decode builds a T from positional values.
func Decode[T any](values []any) (T, error) {
	var zero T
	s, err := Of[T]()
	if err != nil {
		return zero, err
	}
	v, err := s.decode(values)
	if err != nil {
		return zero, err
	}
	return v.Interface().(T), nil
}

// MismatchError reports a value that could not be converted to its target.
type MismatchError struct {
	Shape string // empty when coercing a standalone value
	Field string
	Index int
	Value any
	Err   error
}

func (e *MismatchError) Error() string {
	if e.Shape == "" {
		return fmt.Sprintf("shape: cannot use %T as %s: %v", e.Value, e.Field, e.Err)
	}
	return fmt.Sprintf("shape: %s.%s (position %d): cannot use %T: %v", e.Shape, e.Field, e.Index, e.Value, e.Err)
}

func (e *MismatchError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPayloadMismatch}
	}
	return []error{ErrPayloadMismatch, e.Err}
}

var (
	textUnmarshalerType = reflect.TypeFor[encoding.TextUnmarshaler]()
	jsonUnmarshalerType = reflect.TypeFor[json.Unmarshaler]()
)

// IsMessage reports whether values of t travel positionally. Structs that
// carry their own text or JSON encoding (time.Time, for instance) and structs
// without exported fields are treated as opaque values instead.
func IsMessage(t reflect.Type) bool {
	if t == nil || t.Kind() != reflect.Struct {
		return false
	}
	ptr := reflect.PointerTo(t)
	if ptr.Implements(textUnmarshalerType) || ptr.Implements(jsonUnmarshalerType) {
		return false
	}
	s, err := For(t)
	return err == nil && s.Len() > 0
}
