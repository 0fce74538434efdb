// Package codec serializes hub envelopes and the individual values they carry.
//
// The frame header records which codec produced the body, so peers using
// different codecs can share a server: every reply is encoded with the codec
// of the frame it answers.
package codec

import (
	"fmt"
	"strings"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "cbor"
	default:
		return fmt.Sprintf("CodecType(%d)", byte(t))
	}
}

// ParseCodecType maps a configuration name to a CodecType. "binary" is
// accepted as an alias of "cbor".
func ParseCodecType(name string) (CodecType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return CodecTypeJSON, nil
	case "cbor", "binary":
		return CodecTypeBinary, nil
	default:
		return 0, fmt.Errorf("codec: unknown codec %q", name)
	}
}

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=CBOR
}

var (
	jsonCodec   = &JSONCodec{}
	binaryCodec = &BinaryCodec{}
)

// GetCodec returns the shared codec for codecType. Codecs are stateless and
// safe for concurrent use.
func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return jsonCodec
	}
	return binaryCodec
}
