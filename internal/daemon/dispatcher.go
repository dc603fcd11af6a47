package daemon

import (
	"context"
	"errors"
	"log/slog"

	"bluelightd/internal/device"
	"bluelightd/internal/protocol"
	"bluelightd/internal/radio"
)

// Dispatcher routes decoded requests to device handles. It owns request
// validation, the per-device exclusive section, on-demand connects and the
// activity signal to the supervisor.
type Dispatcher struct {
	manager *Manager
	sup     *Supervisor
	events  *EventBus
	logger  *slog.Logger

	// shutdownToken is the opaque byte a Shutdown request must carry.
	shutdownToken byte
}

// NewDispatcher wires a dispatcher to its collaborators.
func NewDispatcher(m *Manager, sup *Supervisor, events *EventBus, shutdownToken byte, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		manager:       m,
		sup:           sup,
		events:        events,
		logger:        logger.With("component", "dispatcher"),
		shutdownToken: shutdownToken,
	}
}

// Dispatch executes one request and returns its response. Malformed input
// is rejected before any device interaction and without touching the idle
// timer; everything that routes signals activity exactly once.
func (d *Dispatcher) Dispatch(ctx context.Context, req protocol.Request) protocol.Response {
	want := req.Op.PayloadLen()
	if want < 0 {
		d.logger.Warn("unsupported operation", "op", uint8(req.Op))
		return protocol.Fail(protocol.StatusUnsupportedOperation)
	}
	if len(req.Payload) != want {
		d.logger.Warn("malformed request", "op", req.Op.String(), "payload_len", len(req.Payload), "want", want)
		return protocol.Fail(protocol.StatusMalformedRequest)
	}

	if !d.sup.Begin() {
		return protocol.Fail(protocol.StatusShuttingDown)
	}
	defer d.sup.End()

	if req.Op == protocol.OpShutdown {
		return d.shutdown(req.Payload[0])
	}

	h := d.manager.GetOrCreate(req.Addr)
	h.Lock()
	defer h.Unlock()

	if req.Op.NeedsLink() && !h.Connected() {
		if err := d.manager.Connect(ctx, h); err != nil {
			d.logger.Warn("on-demand connect failed", "addr", req.Addr, "op", req.Op.String(), "err", err)
			return connectFailure(req.Op, err)
		}
	}

	resp := d.execute(ctx, h, req)
	if resp.Status == protocol.StatusOK {
		d.logger.Info("dispatched", "addr", req.Addr, "op", req.Op.String())
	}
	return resp
}

func (d *Dispatcher) execute(ctx context.Context, h *device.Handle, req protocol.Request) protocol.Response {
	switch req.Op {
	case protocol.OpConnect:
		return protocol.OK(nil)

	case protocol.OpDisconnect:
		if err := d.manager.disconnectLocked(h); err != nil {
			return d.failure(req, err)
		}
		return protocol.OK(nil)

	case protocol.OpSetPower:
		if err := h.SetPower(ctx, req.Payload[0] != 0); err != nil {
			return d.failure(req, err)
		}
		d.emitStateChanged(h, "power", req.Payload[0] != 0)
		return protocol.OK(nil)

	case protocol.OpGetPower:
		on, err := h.GetPower(ctx)
		if err != nil {
			return d.failure(req, err)
		}
		v := []byte{0}
		if on {
			v[0] = 1
		}
		return protocol.OK(v)

	case protocol.OpSetBrightness:
		if err := h.SetBrightness(ctx, req.Payload[0]); err != nil {
			return d.failure(req, err)
		}
		d.emitStateChanged(h, "brightness", req.Payload[0])
		return protocol.OK(nil)

	case protocol.OpGetBrightness:
		v, err := h.GetBrightness(ctx)
		if err != nil {
			return d.failure(req, err)
		}
		return protocol.OK([]byte{v})

	case protocol.OpSetColor:
		if err := h.SetColor(ctx, req.Payload[0], req.Payload[1], req.Payload[2]); err != nil {
			return d.failure(req, err)
		}
		d.emitStateChanged(h, "color", [3]uint8{req.Payload[0], req.Payload[1], req.Payload[2]})
		return protocol.OK(nil)

	case protocol.OpGetColor:
		r, g, b, err := h.GetColor(ctx)
		if err != nil {
			return d.failure(req, err)
		}
		return protocol.OK([]byte{r, g, b})

	case protocol.OpGetName:
		name, err := h.GetName(ctx)
		if err != nil {
			return d.failure(req, err)
		}
		// Name plus NUL terminator, as the boundary promises.
		return protocol.OK(append([]byte(name), 0))
	}

	// Unreachable: PayloadLen already vetted the op.
	return protocol.Fail(protocol.StatusUnsupportedOperation)
}

// shutdown handles the Shutdown op. The payload byte is an opaque
// capability value compared against the configured token; the daemon never
// interprets it further.
func (d *Dispatcher) shutdown(token byte) protocol.Response {
	if token != d.shutdownToken {
		d.logger.Warn("shutdown denied: bad token")
		return protocol.Fail(protocol.StatusShutdownDenied)
	}
	d.logger.Info("shutdown accepted")
	d.sup.Trigger()
	return protocol.OK(nil)
}

func (d *Dispatcher) emitStateChanged(h *device.Handle, attr string, value interface{}) {
	d.events.Emit(Event{
		Type: EventStateChanged,
		Data: map[string]interface{}{
			"addr":  h.Addr().String(),
			"attr":  attr,
			"value": value,
		},
	})
}

// failure maps a device-level error to a response status.
func (d *Dispatcher) failure(req protocol.Request, err error) protocol.Response {
	d.logger.Warn("operation failed", "addr", req.Addr, "op", req.Op.String(), "err", err)
	if errors.Is(err, device.ErrNotConnected) {
		return protocol.Fail(protocol.StatusNotConnected)
	}
	return protocol.Fail(protocol.StatusInternal)
}

// connectFailure maps a failed on-demand connect. An explicit Connect op
// reports the precise cause; any other op fails as NotConnected, since from
// the caller's view the operation required a connection it could not get.
func connectFailure(op protocol.Op, err error) protocol.Response {
	if op != protocol.OpConnect {
		return protocol.Fail(protocol.StatusNotConnected)
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.Fail(protocol.StatusConnectTimeout)
	case errors.Is(err, radio.ErrUnavailable):
		return protocol.Fail(protocol.StatusRadioUnavailable)
	default:
		return protocol.Fail(protocol.StatusRetriesExhausted)
	}
}
