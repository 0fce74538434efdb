package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// BinaryCodec serializes with CBOR (RFC 8949).
// Pros: compact, keeps integers as integers, byte slices travel raw.
// Cons: not human-readable.
//
// Times are written as RFC 3339 strings so a value decoded without a type
// hint can still be turned back into a time.Time. Maps decoded without a hint
// come back as map[string]any, the same shape the JSON codec produces.
type BinaryCodec struct{}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.EncOptions{
		Time: cbor.TimeRFC3339Nano,
		Sort: cbor.SortCoreDeterministic,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	return cborEnc.Marshal(v)
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	return cborDec.Unmarshal(data, v)
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
