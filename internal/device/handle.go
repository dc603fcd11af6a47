// Package device implements the in-process handle for one lighting device:
// connection state, the cached attribute mirror, and the value encoding for
// the device's characteristics.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bluelightd/internal/protocol"
	"bluelightd/internal/radio"
)

// ErrNotConnected is returned by operations that need a live link when the
// handle has none.
var ErrNotConnected = errors.New("device not connected")

// MaxNameLen is the longest device name returned over the boundary,
// excluding the NUL terminator.
const MaxNameLen = 18

// commandPacing is the minimum gap between radio commands to one device;
// Hue lights drop commands arriving faster than roughly ten per second.
const commandPacing = 100 * time.Millisecond

// State is the connection state of a handle. Transitions happen only under
// the handle's exclusive section.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Snapshot is a point-in-time copy of a handle's cached attributes, used by
// the status API and the MQTT bridge. The cache reflects the last confirmed
// radio exchange, not a fresh read.
type Snapshot struct {
	Addr       string   `json:"addr"`
	State      string   `json:"state"`
	FailReason string   `json:"fail_reason,omitempty"`
	Power      bool     `json:"power"`
	Brightness uint8    `json:"brightness"`
	Color      [3]uint8 `json:"color"`
	Name       string   `json:"name,omitempty"`
	LastUsed   int64    `json:"last_used,omitempty"`
}

// Handle represents one physical device. It is created and owned by the
// connection manager; at most one exists per address.
//
// Two locks with distinct roles: opMu is the per-device exclusive section,
// held by the dispatcher for the whole of one operation (including an
// on-demand connect); stateMu guards the cached fields so that status
// readers never wait behind a slow radio exchange.
type Handle struct {
	addr protocol.Addr

	opMu sync.Mutex

	stateMu    sync.RWMutex
	state      State
	failReason error
	power      bool
	brightness uint8
	color      [3]uint8
	colorXY    xyPoint
	colorY     float64
	name       string
	lastUsed   time.Time

	link    radio.Link
	lastCmd time.Time
}

// New creates a disconnected handle for addr.
func New(addr protocol.Addr) *Handle {
	return &Handle{addr: addr, colorY: 0.5}
}

// Addr returns the device's hardware address.
func (h *Handle) Addr() protocol.Addr {
	return h.addr
}

// Lock acquires the per-device exclusive section. Every method below except
// State, Connected and Snapshot assumes the caller holds it.
func (h *Handle) Lock() {
	h.opMu.Lock()
}

// Unlock releases the per-device exclusive section.
func (h *Handle) Unlock() {
	h.opMu.Unlock()
}

// State returns the current connection state. Safe without the section.
func (h *Handle) State() State {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return h.state
}

// Connected reports whether the handle has a live link.
func (h *Handle) Connected() bool {
	return h.State() == Connected
}

// Snapshot copies the cached attribute mirror. Safe without the section.
func (h *Handle) Snapshot() Snapshot {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	s := Snapshot{
		Addr:       h.addr.String(),
		State:      h.state.String(),
		Power:      h.power,
		Brightness: h.brightness,
		Color:      h.color,
		Name:       h.name,
	}
	if h.failReason != nil {
		s.FailReason = h.failReason.Error()
	}
	if !h.lastUsed.IsZero() {
		s.LastUsed = h.lastUsed.Unix()
	}
	return s
}

func (h *Handle) setState(state State, reason error) {
	h.stateMu.Lock()
	h.state = state
	h.failReason = reason
	h.lastUsed = time.Now()
	h.stateMu.Unlock()
}

// Connect performs a single connect attempt through r. Retry policy and
// attempt timeouts belong to the connection manager, not the handle.
func (h *Handle) Connect(ctx context.Context, r radio.Radio) error {
	if h.State() == Connected {
		return nil
	}
	h.setState(Connecting, nil)
	link, err := r.Dial(ctx, h.addr)
	if err != nil {
		h.setState(Failed, err)
		return err
	}
	h.link = link
	h.setState(Connected, nil)
	return nil
}

// Disconnect drops the link. Disconnecting a handle that was never
// connected is a no-op success so that cleanup stays idempotent.
func (h *Handle) Disconnect() error {
	if h.link == nil {
		h.setState(Disconnected, nil)
		return nil
	}
	err := h.link.Close()
	h.link = nil
	h.setState(Disconnected, nil)
	if err != nil {
		return fmt.Errorf("close link to %s: %w", h.addr, err)
	}
	return nil
}

// SetPower switches the light on or off.
func (h *Handle) SetPower(ctx context.Context, on bool) error {
	v := []byte{0}
	if on {
		v[0] = 1
	}
	if err := h.write(ctx, radio.AttrPower, v); err != nil {
		return err
	}
	h.stateMu.Lock()
	h.power = on
	h.stateMu.Unlock()
	return nil
}

// GetPower reads the power state from the device and refreshes the mirror.
func (h *Handle) GetPower(ctx context.Context) (bool, error) {
	buf, err := h.read(ctx, radio.AttrPower)
	if err != nil {
		return false, err
	}
	on := len(buf) > 0 && buf[0] != 0
	h.stateMu.Lock()
	h.power = on
	h.stateMu.Unlock()
	return on, nil
}

// SetBrightness writes the raw brightness byte.
func (h *Handle) SetBrightness(ctx context.Context, value uint8) error {
	if err := h.write(ctx, radio.AttrBrightness, []byte{value}); err != nil {
		return err
	}
	h.stateMu.Lock()
	h.brightness = value
	h.stateMu.Unlock()
	return nil
}

// GetBrightness reads the brightness byte from the device.
func (h *Handle) GetBrightness(ctx context.Context) (uint8, error) {
	buf, err := h.read(ctx, radio.AttrBrightness)
	if err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, fmt.Errorf("empty brightness value from %s", h.addr)
	}
	h.stateMu.Lock()
	h.brightness = buf[0]
	h.stateMu.Unlock()
	return buf[0], nil
}

// SetColor converts RGB to the device's xy representation and writes it.
func (h *Handle) SetColor(ctx context.Context, r, g, b uint8) error {
	p, lum := rgbToXY(r, g, b)
	if err := h.write(ctx, radio.AttrColor, encodeXY(p)); err != nil {
		return err
	}
	h.stateMu.Lock()
	h.color = [3]uint8{r, g, b}
	h.colorXY = p
	h.colorY = lum
	h.stateMu.Unlock()
	return nil
}

// GetColor reads the device's xy point. When the read confirms the point
// last written, the exact RGB from the mirror is returned; otherwise the
// point is converted back at the last known luminance.
func (h *Handle) GetColor(ctx context.Context) (r, g, b uint8, err error) {
	buf, err := h.read(ctx, radio.AttrColor)
	if err != nil {
		return 0, 0, 0, err
	}
	p, ok := decodeXY(buf)
	if !ok {
		return 0, 0, 0, fmt.Errorf("short color value from %s: %d bytes", h.addr, len(buf))
	}

	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if p.close(h.colorXY) {
		c := h.color
		return c[0], c[1], c[2], nil
	}
	r, g, b = xyToRGB(p, h.colorY)
	h.color = [3]uint8{r, g, b}
	h.colorXY = p
	return r, g, b, nil
}

// GetName reads the device name, capped at MaxNameLen bytes.
func (h *Handle) GetName(ctx context.Context) (string, error) {
	buf, err := h.read(ctx, radio.AttrName)
	if err != nil {
		return "", err
	}
	if i := indexNul(buf); i >= 0 {
		buf = buf[:i]
	}
	if len(buf) > MaxNameLen {
		buf = buf[:MaxNameLen]
	}
	name := string(buf)
	h.stateMu.Lock()
	h.name = name
	h.stateMu.Unlock()
	return name, nil
}

func indexNul(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

func (h *Handle) requireLink() (radio.Link, error) {
	if h.State() != Connected || h.link == nil {
		return nil, fmt.Errorf("%s: %w", h.addr, ErrNotConnected)
	}
	return h.link, nil
}

// pace spaces radio commands out; see commandPacing.
func (h *Handle) pace() {
	if wait := commandPacing - time.Since(h.lastCmd); wait > 0 {
		time.Sleep(wait)
	}
	h.lastCmd = time.Now()
}

func (h *Handle) write(ctx context.Context, attr radio.Attr, value []byte) error {
	link, err := h.requireLink()
	if err != nil {
		return err
	}
	h.pace()
	return link.Write(ctx, attr, value)
}

func (h *Handle) read(ctx context.Context, attr radio.Attr) ([]byte, error) {
	link, err := h.requireLink()
	if err != nil {
		return nil, err
	}
	h.pace()
	return link.Read(ctx, attr)
}
