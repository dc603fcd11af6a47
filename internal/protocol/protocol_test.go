package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestParseAddr(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Addr
		wantErr bool
	}{
		{
			"hex string no colons",
			"E8D4EAC46200",
			Addr{0xE8, 0xD4, 0xEA, 0xC4, 0x62, 0x00},
			false,
		},
		{
			"hex string with colons",
			"E8:D4:EA:C4:62:00",
			Addr{0xE8, 0xD4, 0xEA, 0xC4, 0x62, 0x00},
			false,
		},
		{
			"lowercase hex",
			"ec:27:a7:d6:5a:9c",
			Addr{0xEC, 0x27, 0xA7, 0xD6, 0x5A, 0x9C},
			false,
		},
		{
			"all zeros",
			"000000000000",
			Addr{},
			false,
		},
		{
			"too short",
			"E8D4EA",
			Addr{},
			true,
		},
		{
			"too long",
			"E8D4EAC4620011",
			Addr{},
			true,
		},
		{
			"invalid hex",
			"ZZZZZZZZZZZZ",
			Addr{},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddr(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseAddr(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseAddr(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestAddrString(t *testing.T) {
	a := Addr{0xE8, 0xD4, 0xEA, 0xC4, 0x62, 0x00}
	if got := a.String(); got != "E8:D4:EA:C4:62:00" {
		t.Errorf("String() = %q", got)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"connect no payload", Request{Addr: Addr{1, 2, 3, 4, 5, 6}, Op: OpConnect}},
		{"set power", Request{Addr: Addr{0xEC, 0x27, 0xA7, 0xD6, 0x5A, 0x9C}, Op: OpSetPower, Payload: []byte{1}}},
		{"set color", Request{Addr: Addr{1, 2, 3, 4, 5, 6}, Op: OpSetColor, Payload: []byte{255, 128, 0}}},
		{"shutdown", Request{Op: OpShutdown, Payload: []byte{0x42}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteRequest(&buf, tt.req); err != nil {
				t.Fatalf("WriteRequest: %v", err)
			}
			got, err := ReadRequest(&buf)
			if err != nil {
				t.Fatalf("ReadRequest: %v", err)
			}
			if got.Addr != tt.req.Addr || got.Op != tt.req.Op {
				t.Errorf("got %+v, want %+v", got, tt.req)
			}
			if !bytes.Equal(got.Payload, tt.req.Payload) {
				t.Errorf("payload = %v, want %v", got.Payload, tt.req.Payload)
			}
		})
	}
}

func TestReadRequestFraming(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"truncated header", []byte{Version, 1, 2, 3}},
		{"wrong version", []byte{99, 1, 2, 3, 4, 5, 6, byte(OpConnect), 0}},
		{"payload length out of range", []byte{Version, 1, 2, 3, 4, 5, 6, byte(OpSetColor), 200}},
		{"declared payload missing", []byte{Version, 1, 2, 3, 4, 5, 6, byte(OpSetPower), 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadRequest(bytes.NewReader(tt.raw))
			if !errors.Is(err, ErrFraming) {
				t.Errorf("err = %v, want ErrFraming", err)
			}
		})
	}
}

func TestResponseRoundTrip(t *testing.T) {
	name := append([]byte("Hue color lamp"), 0)
	tests := []struct {
		name string
		resp Response
	}{
		{"ok empty", OK(nil)},
		{"ok brightness", OK([]byte{128})},
		{"ok name", OK(name)},
		{"not connected", Fail(StatusNotConnected)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteResponse(&buf, tt.resp); err != nil {
				t.Fatalf("WriteResponse: %v", err)
			}
			got, err := ReadResponse(&buf)
			if err != nil {
				t.Fatalf("ReadResponse: %v", err)
			}
			if got.Status != tt.resp.Status {
				t.Errorf("status = %v, want %v", got.Status, tt.resp.Status)
			}
			if !bytes.Equal(got.Payload, tt.resp.Payload) {
				t.Errorf("payload = %v, want %v", got.Payload, tt.resp.Payload)
			}
		})
	}
}

func TestWriteResponseRejectsOversizePayload(t *testing.T) {
	var buf bytes.Buffer
	err := WriteResponse(&buf, OK(make([]byte, MaxResponsePayload+1)))
	if !errors.Is(err, ErrFraming) {
		t.Errorf("err = %v, want ErrFraming", err)
	}
}

func TestOpPayloadLen(t *testing.T) {
	tests := []struct {
		op   Op
		want int
	}{
		{OpConnect, 0},
		{OpDisconnect, 0},
		{OpSetPower, 1},
		{OpGetPower, 0},
		{OpSetBrightness, 1},
		{OpGetBrightness, 0},
		{OpSetColor, 3},
		{OpGetColor, 0},
		{OpGetName, 0},
		{OpShutdown, 1},
		{Op(0xEE), -1},
	}
	for _, tt := range tests {
		if got := tt.op.PayloadLen(); got != tt.want {
			t.Errorf("%v.PayloadLen() = %d, want %d", tt.op, got, tt.want)
		}
	}
}
