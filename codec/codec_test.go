package codec

import (
	"reflect"
	"testing"
	"time"

	"mini-hub/message"
)

func testEnvelope(t *testing.T, c Codec) {
	t.Helper()

	arg0, err := c.Encode("ann")
	if err != nil {
		t.Fatalf("%s Encode arg failed: %v", c.Type(), err)
	}
	arg1, err := c.Encode(42)
	if err != nil {
		t.Fatalf("%s Encode arg failed: %v", c.Type(), err)
	}
	originalMsg := &message.HubMessage{
		Target:    "Broadcast",
		Arguments: [][]byte{arg0, arg1},
		Error:     "",
	}

	data, err := c.Encode(originalMsg)
	if err != nil {
		t.Fatalf("%s Encode failed: %v", c.Type(), err)
	}

	var decodedMsg message.HubMessage
	if err := c.Decode(data, &decodedMsg); err != nil {
		t.Fatalf("%s Decode failed: %v", c.Type(), err)
	}
	if !reflect.DeepEqual(originalMsg, &decodedMsg) {
		t.Fatalf("%s envelope mismatch: got %+v, want %+v", c.Type(), decodedMsg, *originalMsg)
	}

	var user string
	var n int
	if err := c.Decode(decodedMsg.Arguments[0], &user); err != nil || user != "ann" {
		t.Errorf("%s arg 0: got %q, %v", c.Type(), user, err)
	}
	if err := c.Decode(decodedMsg.Arguments[1], &n); err != nil || n != 42 {
		t.Errorf("%s arg 1: got %d, %v", c.Type(), n, err)
	}
}

func TestJSONCodec(t *testing.T) {
	testEnvelope(t, &JSONCodec{})
}

func TestBinaryCodec(t *testing.T) {
	testEnvelope(t, &BinaryCodec{})
}

func TestGenericDecode(t *testing.T) {
	type point struct {
		X int `json:"x"`
		Y int `json:"y"`
	}

	cases := []struct {
		codec    Codec
		wantNum  any
		wantType reflect.Type
	}{
		{&JSONCodec{}, float64(7), reflect.TypeOf(map[string]any{})},
		{&BinaryCodec{}, uint64(7), reflect.TypeOf(map[string]any{})},
	}

	for _, tc := range cases {
		data, _ := tc.codec.Encode(7)
		var num any
		if err := tc.codec.Decode(data, &num); err != nil {
			t.Fatalf("%s decode number: %v", tc.codec.Type(), err)
		}
		if num != tc.wantNum {
			t.Errorf("%s number: got %T(%v), want %T(%v)", tc.codec.Type(), num, num, tc.wantNum, tc.wantNum)
		}

		data, _ = tc.codec.Encode(point{X: 1, Y: 2})
		var m any
		if err := tc.codec.Decode(data, &m); err != nil {
			t.Fatalf("%s decode struct: %v", tc.codec.Type(), err)
		}
		if reflect.TypeOf(m) != tc.wantType {
			t.Errorf("%s struct decoded as %T, want %s", tc.codec.Type(), m, tc.wantType)
		}
	}
}

func TestBinaryCodecTime(t *testing.T) {
	c := &BinaryCodec{}
	when := time.Date(2026, 5, 6, 7, 8, 9, 10, time.UTC)

	data, err := c.Encode(when)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var got time.Time
	if err := c.Decode(data, &got); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !got.Equal(when) {
		t.Errorf("time mismatch: got %v, want %v", got, when)
	}

	// Without a hint the time stays an RFC 3339 string
	var generic any
	if err := c.Decode(data, &generic); err != nil {
		t.Fatalf("Decode generic failed: %v", err)
	}
	if _, ok := generic.(string); !ok {
		t.Errorf("generic time decoded as %T, want string", generic)
	}
}

func TestParseCodecType(t *testing.T) {
	cases := map[string]CodecType{
		"":       CodecTypeJSON,
		"json":   CodecTypeJSON,
		"JSON":   CodecTypeJSON,
		"cbor":   CodecTypeBinary,
		"binary": CodecTypeBinary,
	}
	for in, want := range cases {
		got, err := ParseCodecType(in)
		if err != nil || got != want {
			t.Errorf("ParseCodecType(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseCodecType("xml"); err == nil {
		t.Error("ParseCodecType(xml) should fail")
	}
}

func TestGetCodec(t *testing.T) {
	if GetCodec(CodecTypeJSON).Type() != CodecTypeJSON {
		t.Error("GetCodec(JSON) returned wrong codec")
	}
	if GetCodec(CodecTypeBinary).Type() != CodecTypeBinary {
		t.Error("GetCodec(Binary) returned wrong codec")
	}
}
