package daemon

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type stubTransport struct {
	serving atomic.Bool
	stopped atomic.Bool
}

func (t *stubTransport) Serve() { t.serving.Store(true) }
func (t *stubTransport) Stop()  { t.stopped.Store(true) }

func runDaemon(t *testing.T, ctx context.Context, d *Daemon, srv Transport) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		d.Run(ctx, srv)
		close(done)
	}()
	return done
}

func waitRun(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop in time")
	}
}

func TestDaemonStop(t *testing.T) {
	r := newFakeRadio()
	d := New(r, Config{IdleTimeout: time.Hour}, testLogger())
	srv := &stubTransport{}

	done := runDaemon(t, context.Background(), d, srv)
	d.Stop()
	waitRun(t, done)

	if !srv.stopped.Load() {
		t.Fatal("transport not stopped")
	}
	if !r.closed.Load() {
		t.Fatal("radio not closed")
	}
}

func TestDaemonIdleShutdown(t *testing.T) {
	r := newFakeRadio()
	d := New(r, Config{IdleTimeout: 50 * time.Millisecond}, testLogger())

	done := runDaemon(t, context.Background(), d, &stubTransport{})
	waitRun(t, done)
}

func TestDaemonContextCancel(t *testing.T) {
	r := newFakeRadio()
	d := New(r, Config{IdleTimeout: time.Hour}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := runDaemon(t, ctx, d, &stubTransport{})
	cancel()
	waitRun(t, done)
}

func TestDaemonDisconnectsDevicesOnShutdown(t *testing.T) {
	r := newFakeRadio()
	d := New(r, Config{IdleTimeout: time.Hour}, testLogger())

	h := d.Manager().GetOrCreate(testAddr)
	h.Lock()
	if err := d.Manager().Connect(context.Background(), h); err != nil {
		t.Fatalf("connect: %v", err)
	}
	h.Unlock()

	done := runDaemon(t, context.Background(), d, &stubTransport{})
	d.Stop()
	waitRun(t, done)

	if h.Connected() {
		t.Fatal("device still connected after shutdown")
	}
	if l := r.link(testAddr); l == nil || !l.closed.Load() {
		t.Fatal("link not closed on shutdown")
	}
}
