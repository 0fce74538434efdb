package transport

import (
	"fmt"
	"reflect"

	"mini-hub/codec"
)

// EncodeArgs encodes each argument on its own.
func EncodeArgs(c codec.Codec, args []any) ([][]byte, error) {
	if len(args) == 0 {
		return nil, nil
	}
	raw := make([][]byte, len(args))
	for i, a := range args {
		b, err := c.Encode(a)
		if err != nil {
			return nil, fmt.Errorf("transport: encode argument %d: %w", i, err)
		}
		raw[i] = b
	}
	return raw, nil
}

// DecodeArgs decodes each position into its hinted type. Positions without a
// hint, and positions whose bytes do not fit the hint, are decoded generically
// (numbers, strings, []any, map[string]any) so the caller can still report
// which value was wrong. Only bytes the codec cannot parse at all fail.
func DecodeArgs(c codec.Codec, raw [][]byte, types []reflect.Type) ([]any, error) {
	args := make([]any, len(raw))
	for i, b := range raw {
		var hint reflect.Type
		if i < len(types) {
			hint = types[i]
		}
		v, err := DecodeValue(c, b, hint)
		if err != nil {
			return nil, fmt.Errorf("transport: decode argument %d: %w", i, err)
		}
		args[i] = v
	}
	return args, nil
}

// DecodeValue decodes b into a value of type hint, falling back to a generic
// value when hint is nil or does not fit.
func DecodeValue(c codec.Codec, b []byte, hint reflect.Type) (any, error) {
	if hint != nil {
		v := reflect.New(hint)
		if err := c.Decode(b, v.Interface()); err == nil {
			return v.Elem().Interface(), nil
		}
	}
	var generic any
	if err := c.Decode(b, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}
