package daemon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"bluelightd/internal/protocol"
	"bluelightd/internal/radio"
)

var testAddr = protocol.Addr{0xE8, 0xD4, 0xEA, 0xC4, 0x62, 0x00}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLink is an in-memory attribute store standing in for a GATT link.
// entered counts goroutines inside an operation so tests can detect
// overlapping access to the same device.
type fakeLink struct {
	mu       sync.Mutex
	store    map[radio.Attr][]byte
	readErr  error
	writeErr error

	entered atomic.Int32
	overlap atomic.Bool
	closed  atomic.Bool
}

func newFakeLink() *fakeLink {
	return &fakeLink{store: make(map[radio.Attr][]byte)}
}

func (l *fakeLink) enter() {
	if l.entered.Add(1) > 1 {
		l.overlap.Store(true)
	}
}

func (l *fakeLink) leave() {
	l.entered.Add(-1)
}

func (l *fakeLink) Read(ctx context.Context, attr radio.Attr) ([]byte, error) {
	l.enter()
	defer l.leave()
	if l.readErr != nil {
		return nil, l.readErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.store[attr]
	if !ok {
		return nil, radio.ErrAttrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (l *fakeLink) Write(ctx context.Context, attr radio.Attr, value []byte) error {
	l.enter()
	defer l.leave()
	if l.writeErr != nil {
		return l.writeErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	l.store[attr] = v
	return nil
}

func (l *fakeLink) Close() error {
	l.closed.Store(true)
	return nil
}

// fakeRadio dials fakeLinks. failures makes the first N dials fail; dials
// counts every attempt.
type fakeRadio struct {
	mu       sync.Mutex
	links    map[protocol.Addr]*fakeLink
	dialErr  error
	failures int
	dials    atomic.Int32
	closed   atomic.Bool
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{links: make(map[protocol.Addr]*fakeLink)}
}

func (r *fakeRadio) Dial(ctx context.Context, addr protocol.Addr) (radio.Link, error) {
	n := r.dials.Add(1)
	if r.dialErr != nil {
		return nil, r.dialErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(n) <= r.failures {
		return nil, errors.New("dial refused")
	}
	l, ok := r.links[addr]
	if !ok {
		l = newFakeLink()
		r.links[addr] = l
	}
	return l, nil
}

func (r *fakeRadio) Close() error {
	r.closed.Store(true)
	return nil
}

func (r *fakeRadio) link(addr protocol.Addr) *fakeLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.links[addr]
}
