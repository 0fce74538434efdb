package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		MsgType:   MsgTypeInvocation,
		Seq:       12345,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if header.BodyLen != 11 {
		t.Errorf("Encode should fill BodyLen: got %d, want 11", header.BodyLen)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if *decodedHeader != header {
		t.Errorf("Header mismatch: got %+v, want %+v", *decodedHeader, header)
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", string(decodedBody), string(body))
	}
}

func TestAllMessageTypes(t *testing.T) {
	for _, mt := range []MsgType{MsgTypeInvocation, MsgTypeCompletion, MsgTypeHeartbeat, MsgTypeClose} {
		var buf bytes.Buffer
		if err := Encode(&buf, &Header{CodecType: CodecTypeBinary, MsgType: mt}, nil); err != nil {
			t.Fatalf("Encode %s failed: %v", mt, err)
		}
		h, _, err := Decode(&buf)
		if err != nil {
			t.Fatalf("Decode %s failed: %v", mt, err)
		}
		if h.MsgType != mt {
			t.Errorf("MsgType mismatch: got %s, want %s", h.MsgType, mt)
		}
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	// A foreign magic ("mrp") must be rejected
	invalidHeader := []byte{0x6d, 0x72, 0x70, Version, CodecTypeJSON, byte(MsgTypeInvocation), 0x00, 0x00, 0x30, 0x39, 0x00, 0x00, 0x00, 0x0B}
	var buf bytes.Buffer
	buf.Write(invalidHeader)
	buf.Write([]byte("hello world"))

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("Expected error for invalid magic number, but got nil")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("invalid magic number")) {
		t.Errorf("Error message should contain 'invalid magic number', instead: %v", err)
	}
}

func TestDecodeEmptyBody(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		MsgType:   MsgTypeHeartbeat,
	}
	var buf bytes.Buffer
	if err := Encode(&buf, &header, []byte{}); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decodedHeader.MsgType != MsgTypeHeartbeat {
		t.Errorf("MsgType mismatch: got %d, want %d", decodedHeader.MsgType, MsgTypeHeartbeat)
	}
	if len(decodedBody) != 0 {
		t.Errorf("Expected empty body, got length %d", len(decodedBody))
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	var buf bytes.Buffer

	// 手动构造错误 Version 的帧
	buf.Write([]byte{
		MagicNumber, MagicByte2, MagicByte3,
		0xFF, // 错误的 Version
		CodecTypeJSON,
		byte(MsgTypeInvocation),
		0, 0, 0, 1, // Seq
		0, 0, 0, 0, // BodyLen
	})

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("期待返回错误，但 Decode 成功了")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("unsupported version")) {
		t.Errorf("错误信息应该包含 'unsupported version', 实际: %v", err)
	}
}

func TestDecodeUnknownMessageType(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{MagicNumber, MagicByte2, MagicByte3, Version, CodecTypeJSON, 9, 0, 0, 0, 0, 0, 0, 0, 0})

	if _, _, err := Decode(&buf); err == nil {
		t.Fatal("expected error for message type 9")
	}
}

func TestDecodeLargeBody(t *testing.T) {
	var buf bytes.Buffer

	// 1MB 的消息体
	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	header := &Header{
		CodecType: CodecTypeBinary,
		MsgType:   MsgTypeInvocation,
		Seq:       999,
	}
	if err := Encode(&buf, header, largeBody); err != nil {
		t.Fatalf("Encode 失败: %v", err)
	}

	_, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode 失败: %v", err)
	}
	if !bytes.Equal(decodedBody, largeBody) {
		t.Errorf("大消息体内容不匹配")
	}
}

func TestDecodeRejectsOversizedBody(t *testing.T) {
	frame := make([]byte, HeaderSize)
	copy(frame, []byte{MagicNumber, MagicByte2, MagicByte3, Version, CodecTypeJSON, byte(MsgTypeInvocation)})
	binary.BigEndian.PutUint32(frame[10:14], MaxBodySize+1)

	_, _, err := Decode(bytes.NewReader(frame))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
