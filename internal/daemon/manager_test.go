package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"bluelightd/internal/protocol"
)

func newTestManager(r *fakeRadio, cfg ManagerConfig) *Manager {
	return NewManager(r, NewEventBus(testLogger()), cfg, testLogger())
}

func TestManagerGetOrCreateIdempotent(t *testing.T) {
	m := newTestManager(newFakeRadio(), ManagerConfig{})

	h1 := m.GetOrCreate(testAddr)
	h2 := m.GetOrCreate(testAddr)
	if h1 != h2 {
		t.Fatal("same address produced distinct handles")
	}

	other := protocol.Addr{1, 2, 3, 4, 5, 6}
	if m.GetOrCreate(other) == h1 {
		t.Fatal("distinct addresses share a handle")
	}
}

func TestManagerConnectRetriesBounded(t *testing.T) {
	r := newFakeRadio()
	r.dialErr = errors.New("radio wedged")
	m := newTestManager(r, ManagerConfig{Retries: 3, AttemptTimeout: time.Second})

	h := m.GetOrCreate(testAddr)
	h.Lock()
	err := m.Connect(context.Background(), h)
	h.Unlock()
	if err == nil {
		t.Fatal("expected connect failure")
	}

	var cerr *ConnectError
	if !errors.As(err, &cerr) {
		t.Fatalf("error is %T, want *ConnectError", err)
	}
	if cerr.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", cerr.Attempts)
	}
	if got := r.dials.Load(); got != 3 {
		t.Fatalf("dials = %d, want 3", got)
	}
}

func TestManagerConnectRecoversAfterFailures(t *testing.T) {
	r := newFakeRadio()
	r.failures = 2
	m := newTestManager(r, ManagerConfig{Retries: 3, AttemptTimeout: time.Second})

	h := m.GetOrCreate(testAddr)
	h.Lock()
	err := m.Connect(context.Background(), h)
	h.Unlock()
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if !h.Connected() {
		t.Fatal("handle not connected")
	}
	if got := r.dials.Load(); got != 3 {
		t.Fatalf("dials = %d, want 3", got)
	}
}

func TestManagerConnectAlreadyConnected(t *testing.T) {
	r := newFakeRadio()
	m := newTestManager(r, ManagerConfig{})

	h := m.GetOrCreate(testAddr)
	h.Lock()
	defer h.Unlock()
	if err := m.Connect(context.Background(), h); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := m.Connect(context.Background(), h); err != nil {
		t.Fatalf("second connect failed: %v", err)
	}
	if got := r.dials.Load(); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
}

func TestManagerDisconnectUnknownAddr(t *testing.T) {
	m := newTestManager(newFakeRadio(), ManagerConfig{})
	if err := m.Disconnect(testAddr); err != nil {
		t.Fatalf("disconnect of unknown address: %v", err)
	}
}

func TestManagerDisconnectAll(t *testing.T) {
	r := newFakeRadio()
	m := newTestManager(r, ManagerConfig{})

	addrs := []protocol.Addr{
		{1, 2, 3, 4, 5, 6},
		{6, 5, 4, 3, 2, 1},
	}
	for _, a := range addrs {
		h := m.GetOrCreate(a)
		h.Lock()
		err := m.Connect(context.Background(), h)
		h.Unlock()
		if err != nil {
			t.Fatalf("connect %s: %v", a, err)
		}
	}

	m.DisconnectAll()
	for _, h := range m.Handles() {
		if h.Connected() {
			t.Fatalf("%s still connected after DisconnectAll", h.Addr())
		}
	}
	for _, a := range addrs {
		if l := r.link(a); l == nil || !l.closed.Load() {
			t.Fatalf("link for %s not closed", a)
		}
	}
}

func TestManagerEvents(t *testing.T) {
	r := newFakeRadio()
	events := NewEventBus(testLogger())
	m := NewManager(r, events, ManagerConfig{}, testLogger())

	var got []string
	events.OnAll(func(e Event) { got = append(got, e.Type) })

	h := m.GetOrCreate(testAddr)
	h.Lock()
	if err := m.Connect(context.Background(), h); err != nil {
		t.Fatalf("connect: %v", err)
	}
	h.Unlock()
	if err := m.Disconnect(testAddr); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	want := []string{EventDeviceConnected, EventDeviceDisconnected}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestManagerHandlesSorted(t *testing.T) {
	m := newTestManager(newFakeRadio(), ManagerConfig{})
	m.GetOrCreate(protocol.Addr{9, 0, 0, 0, 0, 0})
	m.GetOrCreate(protocol.Addr{1, 0, 0, 0, 0, 0})
	m.GetOrCreate(protocol.Addr{5, 0, 0, 0, 0, 0})

	hs := m.Handles()
	if len(hs) != 3 {
		t.Fatalf("len = %d, want 3", len(hs))
	}
	if hs[0].Addr()[0] != 1 || hs[1].Addr()[0] != 5 || hs[2].Addr()[0] != 9 {
		t.Fatalf("handles not sorted: %v %v %v", hs[0].Addr(), hs[1].Addr(), hs[2].Addr())
	}
}
