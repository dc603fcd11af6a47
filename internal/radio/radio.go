// Package radio defines the interface for the wireless link used to reach
// lighting devices. Backend: the host Bluetooth adapter (BLE GATT).
package radio

import (
	"context"
	"errors"
	"fmt"

	"bluelightd/internal/protocol"
)

// Attr identifies a device attribute reachable over the radio link.
type Attr uint8

const (
	AttrPower Attr = iota
	AttrBrightness
	AttrColor
	AttrName
)

func (a Attr) String() string {
	switch a {
	case AttrPower:
		return "power"
	case AttrBrightness:
		return "brightness"
	case AttrColor:
		return "color"
	case AttrName:
		return "name"
	}
	return fmt.Sprintf("attr(%d)", uint8(a))
}

var (
	// ErrUnavailable means the radio adapter is missing or powered off.
	ErrUnavailable = errors.New("radio unavailable")

	// ErrAttrNotFound means the device does not expose the attribute.
	ErrAttrNotFound = errors.New("attribute not found on device")
)

// Link is one live connection to a device. A Link is used by exactly one
// operation at a time; the daemon serializes access per device.
type Link interface {
	Read(ctx context.Context, attr Attr) ([]byte, error)
	Write(ctx context.Context, attr Attr, value []byte) error
	Close() error
}

// Radio dials device connections. Implementations must be safe for
// concurrent use: the daemon dials different devices in parallel.
type Radio interface {
	Dial(ctx context.Context, addr protocol.Addr) (Link, error)
	Close() error
}
