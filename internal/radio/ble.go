package radio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"bluelightd/internal/protocol"
)

// GATT identifiers of the Hue BLE light service and its characteristics.
var (
	uuidLightService = mustUUID("932c32bd-0000-47a2-835a-a8d455b859dd")
	uuidPower        = mustUUID("932c32bd-0002-47a2-835a-a8d455b859dd")
	uuidBrightness   = mustUUID("932c32bd-0003-47a2-835a-a8d455b859dd")
	uuidColor        = mustUUID("932c32bd-0005-47a2-835a-a8d455b859dd")

	// Generic Access service, Device Name characteristic.
	uuidGenericAccess = bluetooth.New16BitUUID(0x1800)
	uuidDeviceName    = bluetooth.New16BitUUID(0x2A00)
)

func mustUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// BLE dials lights through the host Bluetooth adapter.
type BLE struct {
	adapter *bluetooth.Adapter
	logger  *slog.Logger

	mu      sync.Mutex
	enabled bool
}

// NewBLE returns a Radio backed by the default host adapter. The adapter is
// powered lazily on first Dial so that the daemon can start without radio
// hardware present.
func NewBLE(logger *slog.Logger) *BLE {
	return &BLE{
		adapter: bluetooth.DefaultAdapter,
		logger:  logger.With("component", "ble"),
	}
}

func (b *BLE) ensureEnabled() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enabled {
		return nil
	}
	if err := b.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: enable adapter: %v", ErrUnavailable, err)
	}
	b.enabled = true
	return nil
}

// Dial connects to the light at addr and discovers its GATT
// characteristics. The attempt is abandoned when ctx expires.
func (b *BLE) Dial(ctx context.Context, addr protocol.Addr) (Link, error) {
	if err := b.ensureEnabled(); err != nil {
		return nil, err
	}

	mac, err := bluetooth.ParseMAC(addr.String())
	if err != nil {
		return nil, fmt.Errorf("parse mac: %w", err)
	}

	params := bluetooth.ConnectionParams{}
	if deadline, ok := ctx.Deadline(); ok {
		params.ConnectionTimeout = bluetooth.NewDuration(time.Until(deadline))
	}

	type result struct {
		dev bluetooth.Device
		err error
	}
	ch := make(chan result, 1)
	go func() {
		dev, err := b.adapter.Connect(bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, params)
		ch <- result{dev, err}
	}()

	select {
	case <-ctx.Done():
		// The late connect result, if any, is torn down by the goroutine
		// owner being gone; disconnect defensively when it lands.
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.dev.Disconnect()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("connect %s: %w", addr, r.err)
		}
		link, err := newBLELink(r.dev, addr, b.logger)
		if err != nil {
			_ = r.dev.Disconnect()
			return nil, err
		}
		return link, nil
	}
}

// Close releases the adapter. Live links are closed by their owners.
func (b *BLE) Close() error {
	return nil
}

type bleLink struct {
	dev    bluetooth.Device
	addr   protocol.Addr
	chars  map[Attr]bluetooth.DeviceCharacteristic
	logger *slog.Logger
}

func newBLELink(dev bluetooth.Device, addr protocol.Addr, logger *slog.Logger) (*bleLink, error) {
	l := &bleLink{
		dev:    dev,
		addr:   addr,
		chars:  make(map[Attr]bluetooth.DeviceCharacteristic),
		logger: logger,
	}

	svcs, err := dev.DiscoverServices([]bluetooth.UUID{uuidLightService, uuidGenericAccess})
	if err != nil {
		return nil, fmt.Errorf("discover services on %s: %w", addr, err)
	}
	for _, svc := range svcs {
		switch svc.UUID() {
		case uuidLightService:
			chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{uuidPower, uuidBrightness, uuidColor})
			if err != nil {
				return nil, fmt.Errorf("discover light characteristics on %s: %w", addr, err)
			}
			for _, c := range chars {
				switch c.UUID() {
				case uuidPower:
					l.chars[AttrPower] = c
				case uuidBrightness:
					l.chars[AttrBrightness] = c
				case uuidColor:
					l.chars[AttrColor] = c
				}
			}
		case uuidGenericAccess:
			// Name is optional; some firmwares hide Generic Access over GATT.
			chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{uuidDeviceName})
			if err == nil && len(chars) > 0 {
				l.chars[AttrName] = chars[0]
			}
		}
	}

	if len(l.chars) == 0 {
		return nil, fmt.Errorf("%w: no light characteristics on %s", ErrAttrNotFound, addr)
	}
	return l, nil
}

func (l *bleLink) Read(ctx context.Context, attr Attr) ([]byte, error) {
	c, ok := l.chars[attr]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrAttrNotFound, attr, l.addr)
	}
	buf := make([]byte, 32)
	n, err := c.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read %s from %s: %w", attr, l.addr, err)
	}
	return buf[:n], nil
}

func (l *bleLink) Write(ctx context.Context, attr Attr, value []byte) error {
	c, ok := l.chars[attr]
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrAttrNotFound, attr, l.addr)
	}
	if _, err := c.WriteWithoutResponse(value); err != nil {
		return fmt.Errorf("write %s to %s: %w", attr, l.addr, err)
	}
	l.logger.Debug("gatt write", "addr", l.addr, "attr", attr.String(), "len", len(value))
	return nil
}

func (l *bleLink) Close() error {
	return l.dev.Disconnect()
}
