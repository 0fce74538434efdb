package codec

import (
	"github.com/bytedance/sonic"
)

// JSONCodec serializes with sonic in its encoding/json compatible mode.
// Pros: human-readable, cross-language, easy to debug.
// Cons: larger payload; numbers decoded without a type hint come back as
// float64.
type JSONCodec struct{}

var jsonAPI = sonic.ConfigStd

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return jsonAPI.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return jsonAPI.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
