package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"bluelightd/internal/device"
	"bluelightd/internal/protocol"
	"bluelightd/internal/radio"
)

// ConnectError reports a connect attempt series that did not produce a live
// link. Attempts is how many dials were made before giving up.
type ConnectError struct {
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ManagerConfig tunes the connection manager's retry policy.
type ManagerConfig struct {
	// Retries is the maximum number of connect attempts per request.
	Retries int
	// AttemptTimeout bounds a single dial; a hung radio exchange is
	// cancelled rather than blocking the device's exclusive section forever.
	AttemptTimeout time.Duration
}

func (c *ManagerConfig) applyDefaults() {
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 20 * time.Second
	}
}

// Manager owns the identifier-to-handle table and the connect/disconnect
// policy. The table is the single synchronization point for handle
// creation; per-device serialization is the handle's own exclusive section.
type Manager struct {
	radio  radio.Radio
	events *EventBus
	logger *slog.Logger
	cfg    ManagerConfig

	mu      sync.Mutex
	handles map[protocol.Addr]*device.Handle
}

// NewManager creates a connection manager on top of r.
func NewManager(r radio.Radio, events *EventBus, cfg ManagerConfig, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		radio:   r,
		events:  events,
		logger:  logger.With("component", "manager"),
		cfg:     cfg,
		handles: make(map[protocol.Addr]*device.Handle),
	}
}

// GetOrCreate returns the handle for addr, creating it on first use.
// Creation is idempotent: the same address always yields the same handle.
func (m *Manager) GetOrCreate(addr protocol.Addr) *device.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[addr]
	if !ok {
		h = device.New(addr)
		m.handles[addr] = h
		m.logger.Debug("handle created", "addr", addr)
	}
	return h
}

// lookup returns the handle for addr without creating one.
func (m *Manager) lookup(addr protocol.Addr) *device.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[addr]
}

// Handles returns a stable-ordered snapshot of all known handles.
func (m *Manager) Handles() []*device.Handle {
	m.mu.Lock()
	out := make([]*device.Handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Addr(), out[j].Addr()
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
	return out
}

// Connect brings h to the Connected state, retrying up to the configured
// bound with a per-attempt timeout. The caller must hold h's exclusive
// section. Already-connected handles return immediately.
func (m *Manager) Connect(ctx context.Context, h *device.Handle) error {
	if h.Connected() {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.Retries; attempt++ {
		actx, cancel := context.WithTimeout(ctx, m.cfg.AttemptTimeout)
		err := h.Connect(actx, m.radio)
		cancel()
		if err == nil {
			m.logger.Info("device connected", "addr", h.Addr(), "attempt", attempt)
			m.events.Emit(Event{
				Type: EventDeviceConnected,
				Data: map[string]interface{}{"addr": h.Addr().String()},
			})
			return nil
		}
		lastErr = err
		m.logger.Warn("connect attempt failed", "addr", h.Addr(), "attempt", attempt, "err", err)
		if ctx.Err() != nil {
			// Parent context gone; the remaining attempts would be dialed
			// against an already-abandoned request.
			return &ConnectError{Attempts: attempt, Err: lastErr}
		}
	}
	return &ConnectError{Attempts: m.cfg.Retries, Err: lastErr}
}

// Disconnect drops the connection for addr. Unknown or never-connected
// addresses succeed so cleanup stays idempotent.
func (m *Manager) Disconnect(addr protocol.Addr) error {
	h := m.lookup(addr)
	if h == nil {
		return nil
	}
	h.Lock()
	defer h.Unlock()
	return m.disconnectLocked(h)
}

// disconnectLocked drops h's link; the caller holds h's section.
func (m *Manager) disconnectLocked(h *device.Handle) error {
	wasConnected := h.Connected()
	if err := h.Disconnect(); err != nil {
		return err
	}
	if wasConnected {
		m.logger.Info("device disconnected", "addr", h.Addr())
		m.events.Emit(Event{
			Type: EventDeviceDisconnected,
			Data: map[string]interface{}{"addr": h.Addr().String()},
		})
	}
	return nil
}

// DisconnectAll drops every live connection; part of daemon teardown.
func (m *Manager) DisconnectAll() {
	for _, h := range m.Handles() {
		h.Lock()
		if err := m.disconnectLocked(h); err != nil {
			m.logger.Warn("disconnect on teardown", "addr", h.Addr(), "err", err)
		}
		h.Unlock()
	}
}

// Snapshots returns the cached state of every known device.
func (m *Manager) Snapshots() []device.Snapshot {
	handles := m.Handles()
	out := make([]device.Snapshot, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Snapshot())
	}
	return out
}
