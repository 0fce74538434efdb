// Package protocol implements the binary frame format spoken between hub
// servers and clients.
//
// Every frame is a fixed 14-byte header followed by a variable-length body.
// The receiver reads the header first to learn the body length, then reads
// exactly that many bytes, which keeps frame boundaries intact on a TCP stream.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ mhb  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// Both sides send Invocations. An Invocation with Seq 0 expects no reply
// (fire-and-forget); any other Seq is answered by a Completion carrying the
// same Seq.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic number bytes: "mhb" (mini-hub).
// Lets the receiver reject non-protocol connections (e.g., HTTP clients
// hitting the wrong port) before allocating a body.
const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x68 // 'h'
	MagicByte3  byte = 0x62 // 'b'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodySize caps a single frame so a corrupt length cannot make the
	// reader allocate gigabytes.
	MaxBodySize uint32 = 16 << 20
)

var ErrFrameTooLarge = errors.New("protocol: frame body too large")

// MsgType distinguishes the frames of a hub connection.
type MsgType byte

const (
	MsgTypeInvocation MsgType = 0 // Named call, either direction
	MsgTypeCompletion MsgType = 1 // Result or error for an Invocation with Seq != 0
	MsgTypeHeartbeat  MsgType = 2 // KeepAlive probe (no body)
	MsgTypeClose      MsgType = 3 // Orderly shutdown, body is an optional reason
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeInvocation:
		return "invocation"
	case MsgTypeCompletion:
		return "completion"
	case MsgTypeHeartbeat:
		return "heartbeat"
	case MsgTypeClose:
		return "close"
	default:
		return fmt.Sprintf("MsgType(%d)", byte(t))
	}
}

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header represents the fixed 14-byte frame header.
type Header struct {
	CodecType byte    // Serialization format of the body: 0=JSON, 1=CBOR
	MsgType   MsgType // Invocation, Completion, Heartbeat or Close
	Seq       uint32  // Matches a Completion to its Invocation; 0 = no reply wanted
	BodyLen   uint32  // Body length in bytes
}

// Encode writes a complete frame (header + body) to w. h.BodyLen is taken
// from body.
// The caller must hold a write lock if multiple goroutines share the same
// writer, otherwise frames from different calls will interleave.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodySize) {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	h.BodyLen = uint32(len(body))

	// Header and body go out in one Write so a frame is never split by
	// another writer on an unlocked pipe.
	buf := make([]byte, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	// Sequence number and body length: big-endian (network byte order)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], h.BodyLen)
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, message type and body
// size before reading the body.
func Decode(r io.Reader) (*Header, []byte, error) {
	// Step 1: Read the fixed 14-byte header
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	// Step 2: Validate magic number and version
	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	// Step 3: Validate codec and message type
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	msgType := MsgType(headerBuf[5])
	if msgType > MsgTypeClose {
		return nil, nil, fmt.Errorf("unsupported message type: %d", headerBuf[5])
	}

	// Step 4: Parse sequence number and body length
	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodySize {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, bodyLen)
	}

	// Step 5: Read exactly bodyLen bytes
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}
