// Package web exposes an optional read-only HTTP surface over the daemon:
// a status endpoint, the device table and a WebSocket event stream. It
// observes the daemon and never feeds the command path, so HTTP traffic
// does not keep an otherwise idle daemon alive.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"bluelightd/internal/daemon"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication on /api/ endpoints.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the version string reported by /api/status.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP status server.
type Server struct {
	daemon         *daemon.Daemon
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the status server and subscribes it to daemon events.
func NewServer(d *daemon.Daemon, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		daemon: d,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = d.Events().OnAll(func(event daemon.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop unsubscribes from daemon events and shuts down the WebSocket hub.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying API key auth to /api/ paths.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// statusView is the /api/status response body.
type statusView struct {
	Version      string    `json:"version,omitempty"`
	UptimeSec    int64     `json:"uptime_sec"`
	Devices      int       `json:"devices"`
	InFlight     int64     `json:"in_flight"`
	IdleDeadline time.Time `json:"idle_deadline"`
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	sup := s.daemon.Supervisor()
	s.writeJSON(w, http.StatusOK, statusView{
		Version:      s.version,
		UptimeSec:    int64(s.daemon.Uptime().Seconds()),
		Devices:      len(s.daemon.Manager().Handles()),
		InFlight:     sup.InFlight(),
		IdleDeadline: sup.Deadline(),
	})
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.daemon.Manager().Snapshots())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
