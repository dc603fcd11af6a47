// Package protocol defines the wire format spoken between clients and the
// bluelightd daemon over the local socket: a fixed-header request frame
// addressing one device, and a status-coded response frame.
package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Version is the wire format version carried in every request header.
const Version = 1

// AddrLen is the length of a device hardware address.
const AddrLen = 6

// MaxPayload is the largest request payload (SetColor carries r, g, b).
const MaxPayload = 3

// MaxResponsePayload fits a device name of up to 18 bytes plus a NUL
// terminator.
const MaxResponsePayload = 19

// RequestHeaderLen is version + address + op + payload length.
const RequestHeaderLen = 1 + AddrLen + 1 + 1

// ErrFraming reports a frame that could not be read or parsed: wrong
// version, truncated message, or a length field out of range.
var ErrFraming = errors.New("bad frame")

// Addr is a device hardware address, the lookup key everywhere.
type Addr [AddrLen]byte

// String formats the address as "AA:BB:CC:DD:EE:FF".
func (a Addr) String() string {
	parts := make([]string, AddrLen)
	for i, b := range a {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// ParseAddr parses "AA:BB:CC:DD:EE:FF" or "AABBCCDDEEFF" into an Addr.
func ParseAddr(s string) (Addr, error) {
	var addr Addr
	s = strings.ReplaceAll(s, ":", "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return addr, fmt.Errorf("parse device address: %w", err)
	}
	if len(b) != AddrLen {
		return addr, fmt.Errorf("device address must be %d bytes, got %d", AddrLen, len(b))
	}
	copy(addr[:], b)
	return addr, nil
}

// Op identifies the operation a request asks for.
type Op uint8

const (
	OpConnect Op = iota + 1
	OpDisconnect
	OpSetPower
	OpGetPower
	OpSetBrightness
	OpGetBrightness
	OpSetColor
	OpGetColor
	OpGetName
	OpShutdown
)

func (op Op) String() string {
	switch op {
	case OpConnect:
		return "connect"
	case OpDisconnect:
		return "disconnect"
	case OpSetPower:
		return "set_power"
	case OpGetPower:
		return "get_power"
	case OpSetBrightness:
		return "set_brightness"
	case OpGetBrightness:
		return "get_brightness"
	case OpSetColor:
		return "set_color"
	case OpGetColor:
		return "get_color"
	case OpGetName:
		return "get_name"
	case OpShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("op(0x%02X)", uint8(op))
}

// PayloadLen returns the exact payload length an operation requires,
// or -1 for unknown operations.
func (op Op) PayloadLen() int {
	switch op {
	case OpConnect, OpDisconnect, OpGetPower, OpGetBrightness, OpGetColor, OpGetName:
		return 0
	case OpSetPower, OpSetBrightness, OpShutdown:
		return 1
	case OpSetColor:
		return 3
	}
	return -1
}

// NeedsLink reports whether the operation requires a live device
// connection (and therefore an on-demand connect when there is none).
func (op Op) NeedsLink() bool {
	switch op {
	case OpDisconnect, OpShutdown:
		return false
	}
	return true
}

// Status is the first byte of every response.
type Status uint8

const (
	StatusOK Status = iota
	StatusMalformedRequest
	StatusUnsupportedOperation
	StatusNotConnected
	StatusConnectTimeout
	StatusRadioUnavailable
	StatusRetriesExhausted
	StatusProtocolFraming
	StatusShutdownDenied
	StatusShuttingDown
	StatusInternal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusMalformedRequest:
		return "malformed_request"
	case StatusUnsupportedOperation:
		return "unsupported_operation"
	case StatusNotConnected:
		return "not_connected"
	case StatusConnectTimeout:
		return "connect_timeout"
	case StatusRadioUnavailable:
		return "radio_unavailable"
	case StatusRetriesExhausted:
		return "retries_exhausted"
	case StatusProtocolFraming:
		return "protocol_framing"
	case StatusShutdownDenied:
		return "shutdown_denied"
	case StatusShuttingDown:
		return "shutting_down"
	case StatusInternal:
		return "internal"
	}
	return fmt.Sprintf("status(0x%02X)", uint8(s))
}

// Request is one decoded client command: target device, operation,
// and the operation's payload (0-3 bytes depending on the op).
type Request struct {
	Addr    Addr
	Op      Op
	Payload []byte
}

// Response is the daemon's answer to one request.
type Response struct {
	Status  Status
	Payload []byte
}

// OK builds a success response carrying payload (which may be nil).
func OK(payload []byte) Response {
	return Response{Status: StatusOK, Payload: payload}
}

// Fail builds an error response with no payload.
func Fail(status Status) Response {
	return Response{Status: status}
}

// WriteRequest encodes req and writes the full frame to w.
func WriteRequest(w io.Writer, req Request) error {
	if len(req.Payload) > MaxPayload {
		return fmt.Errorf("%w: payload %d exceeds %d bytes", ErrFraming, len(req.Payload), MaxPayload)
	}
	buf := make([]byte, 0, RequestHeaderLen+len(req.Payload))
	buf = append(buf, Version)
	buf = append(buf, req.Addr[:]...)
	buf = append(buf, byte(req.Op), byte(len(req.Payload)))
	buf = append(buf, req.Payload...)
	_, err := w.Write(buf)
	return err
}

// ReadRequest reads and decodes one request frame from r. All failures,
// including short reads, wrap ErrFraming.
func ReadRequest(r io.Reader) (Request, error) {
	var hdr [RequestHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Request{}, fmt.Errorf("%w: read header: %v", ErrFraming, err)
	}
	if hdr[0] != Version {
		return Request{}, fmt.Errorf("%w: unsupported version %d", ErrFraming, hdr[0])
	}
	n := int(hdr[RequestHeaderLen-1])
	if n > MaxPayload {
		return Request{}, fmt.Errorf("%w: payload length %d exceeds %d", ErrFraming, n, MaxPayload)
	}
	req := Request{Op: Op(hdr[1+AddrLen])}
	copy(req.Addr[:], hdr[1:1+AddrLen])
	if n > 0 {
		req.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, req.Payload); err != nil {
			return Request{}, fmt.Errorf("%w: read payload: %v", ErrFraming, err)
		}
	}
	return req, nil
}

// WriteResponse encodes resp and writes the full frame to w.
func WriteResponse(w io.Writer, resp Response) error {
	if len(resp.Payload) > MaxResponsePayload {
		return fmt.Errorf("%w: payload %d exceeds %d bytes", ErrFraming, len(resp.Payload), MaxResponsePayload)
	}
	buf := make([]byte, 0, 2+len(resp.Payload))
	buf = append(buf, byte(resp.Status), byte(len(resp.Payload)))
	buf = append(buf, resp.Payload...)
	_, err := w.Write(buf)
	return err
}

// ReadResponse reads and decodes one response frame from r.
func ReadResponse(r io.Reader) (Response, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Response{}, fmt.Errorf("%w: read header: %v", ErrFraming, err)
	}
	n := int(hdr[1])
	if n > MaxResponsePayload {
		return Response{}, fmt.Errorf("%w: payload length %d exceeds %d", ErrFraming, n, MaxResponsePayload)
	}
	resp := Response{Status: Status(hdr[0])}
	if n > 0 {
		resp.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, resp.Payload); err != nil {
			return Response{}, fmt.Errorf("%w: read payload: %v", ErrFraming, err)
		}
	}
	return resp, nil
}
