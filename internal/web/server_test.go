package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bluelightd/internal/daemon"
	"bluelightd/internal/protocol"
	"bluelightd/internal/radio"
)

type noRadio struct{}

func (noRadio) Dial(ctx context.Context, addr protocol.Addr) (radio.Link, error) {
	return nil, errors.New("no radio in tests")
}

func (noRadio) Close() error { return nil }

func testServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := daemon.New(noRadio{}, daemon.Config{IdleTimeout: time.Hour}, logger)
	s := NewServer(d, logger, opts...)
	t.Cleanup(s.Stop)
	return s
}

func TestStatusEndpoint(t *testing.T) {
	s := testServer(t, WithVersion("1.2.3"))

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got statusView
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Version != "1.2.3" {
		t.Fatalf("version = %q, want 1.2.3", got.Version)
	}
	if got.InFlight != 0 {
		t.Fatalf("in_flight = %d, want 0", got.InFlight)
	}
}

func TestDevicesEndpoint(t *testing.T) {
	s := testServer(t)
	s.daemon.Manager().GetOrCreate(protocol.Addr{1, 2, 3, 4, 5, 6})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/devices", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var devices []map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&devices); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("devices = %d, want 1", len(devices))
	}
	if addr, _ := devices[0]["addr"].(string); addr != "01:02:03:04:05:06" {
		t.Fatalf("addr = %q", addr)
	}
	if state, _ := devices[0]["state"].(string); state != "disconnected" {
		t.Fatalf("state = %q", state)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	s := testServer(t, WithAPIKey("sekret"))

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no key: %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-API-Key", "sekret")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("with key: %d, want 200", rec.Code)
	}
}
