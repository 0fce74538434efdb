package shape

import (
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Coerce converts value to type t using the same rules Decode applies to a
// single field.
func Coerce(value any, t reflect.Type) (any, error) {
	out := reflect.New(t).Elem()
	if err := assign(out, value); err != nil {
		return nil, &MismatchError{Field: t.String(), Index: -1, Value: value, Err: err}
	}
	return out.Interface(), nil
}

// assign stores value in dst. Values that are directly assignable are stored
// unchanged; anything else (generic wire numbers, maps for structs, RFC 3339
// strings for time.Time) goes through mapstructure.
func assign(dst reflect.Value, value any) error {
	if value == nil {
		return nil
	}
	src := reflect.ValueOf(value)
	if src.Type().AssignableTo(dst.Type()) {
		dst.Set(src)
		return nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.DecodeHookFuncType(checkNumeric),
		),
		Result:  dst.Addr().Interface(),
		TagName: "json",
	})
	if err != nil {
		return err
	}
	return dec.Decode(value)
}

// checkNumeric rejects numeric conversions mapstructure would otherwise
// perform lossily: fractional floats into integers, negative values into
// unsigned integers, and anything that overflows the target.
func checkNumeric(from, to reflect.Type, data any) (any, error) {
	v := reflect.ValueOf(data)
	target := reflect.New(to).Elem()

	switch to.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch from.Kind() {
		case reflect.Float32, reflect.Float64:
			f := v.Float()
			if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 || target.OverflowInt(int64(f)) {
				return nil, fmt.Errorf("%v does not fit %s", f, to)
			}
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			u := v.Uint()
			if u > math.MaxInt64 || target.OverflowInt(int64(u)) {
				return nil, fmt.Errorf("%d does not fit %s", u, to)
			}
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if target.OverflowInt(v.Int()) {
				return nil, fmt.Errorf("%d does not fit %s", v.Int(), to)
			}
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		switch from.Kind() {
		case reflect.Float32, reflect.Float64:
			f := v.Float()
			if f != math.Trunc(f) || f < 0 || f >= math.MaxUint64 || target.OverflowUint(uint64(f)) {
				return nil, fmt.Errorf("%v does not fit %s", f, to)
			}
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i := v.Int()
			if i < 0 || target.OverflowUint(uint64(i)) {
				return nil, fmt.Errorf("%d does not fit %s", i, to)
			}
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			if target.OverflowUint(v.Uint()) {
				return nil, fmt.Errorf("%d does not fit %s", v.Uint(), to)
			}
		}
	}
	return data, nil
}
