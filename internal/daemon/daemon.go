// Package daemon implements the core of bluelightd: the connection manager
// that owns one handle per device, the dispatcher that serializes commands
// per device, and the supervisor that terminates the process after an idle
// quiet period.
package daemon

import (
	"context"
	"log/slog"
	"time"

	"bluelightd/internal/radio"
)

// Config holds daemon core configuration.
type Config struct {
	IdleTimeout    time.Duration
	ConnectRetries int
	ConnectTimeout time.Duration
	ShutdownToken  byte
}

// Transport accepts client exchanges and feeds them to the dispatcher.
// Stop must not return before all in-flight exchanges have completed.
type Transport interface {
	Serve()
	Stop()
}

// Daemon is the root lifecycle object. Everything the process owns hangs
// off it, and Run tears it all down in one total, ordered sequence.
type Daemon struct {
	radio      radio.Radio
	events     *EventBus
	manager    *Manager
	dispatcher *Dispatcher
	sup        *Supervisor
	logger     *slog.Logger
	started    time.Time
}

// New assembles the daemon core on top of r.
func New(r radio.Radio, cfg Config, logger *slog.Logger) *Daemon {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	events := NewEventBus(logger)
	manager := NewManager(r, events, ManagerConfig{
		Retries:        cfg.ConnectRetries,
		AttemptTimeout: cfg.ConnectTimeout,
	}, logger)
	sup := NewSupervisor(cfg.IdleTimeout, logger)
	return &Daemon{
		radio:      r,
		events:     events,
		manager:    manager,
		dispatcher: NewDispatcher(manager, sup, events, cfg.ShutdownToken, logger),
		sup:        sup,
		logger:     logger,
		started:    time.Now(),
	}
}

// Events returns the event bus.
func (d *Daemon) Events() *EventBus { return d.events }

// Manager returns the connection manager.
func (d *Daemon) Manager() *Manager { return d.manager }

// Dispatcher returns the command dispatcher.
func (d *Daemon) Dispatcher() *Dispatcher { return d.dispatcher }

// Supervisor returns the idle-shutdown supervisor.
func (d *Daemon) Supervisor() *Supervisor { return d.sup }

// Uptime reports how long the daemon has been running.
func (d *Daemon) Uptime() time.Duration { return time.Since(d.started) }

// Stop requests a graceful shutdown; Run drains and returns.
func (d *Daemon) Stop() {
	d.sup.Trigger()
}

// Run serves exchanges until the supervisor decides to shut down (idle
// timeout, Shutdown op or Stop) or ctx is cancelled. Teardown order: stop
// accepting and drain in-flight exchanges, drop device connections, release
// the radio.
func (d *Daemon) Run(ctx context.Context, srv Transport) {
	go d.sup.Run()
	go srv.Serve()
	d.events.Emit(Event{Type: EventDaemonState, Data: "running"})
	d.logger.Info("daemon running", "idle_timeout", d.sup.timeout)

	select {
	case <-ctx.Done():
		d.sup.Trigger()
		<-d.sup.Done()
	case <-d.sup.Done():
	}

	d.events.Emit(Event{Type: EventDaemonState, Data: "shutting_down"})
	srv.Stop()
	d.manager.DisconnectAll()
	if err := d.radio.Close(); err != nil {
		d.logger.Warn("close radio", "err", err)
	}
	d.events.Emit(Event{Type: EventDaemonState, Data: "stopped"})
	d.logger.Info("daemon stopped")
}
