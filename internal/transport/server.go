// Package transport serves the daemon's local command socket. Clients open
// a unix domain socket, write one fixed-frame request, read one fixed-frame
// response and close; the server carries no per-connection state beyond the
// exchange itself.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"bluelightd/internal/protocol"
)

// ErrAlreadyRunning reports that another daemon instance owns the socket.
var ErrAlreadyRunning = errors.New("daemon already running")

// frameTimeout bounds reading the request frame and writing the response so
// a stalled client cannot pin the drain phase of shutdown. Dispatch itself
// is not bounded here; connect retries carry their own timeouts.
const frameTimeout = 5 * time.Second

// Dispatcher executes one decoded request.
type Dispatcher interface {
	Dispatch(ctx context.Context, req protocol.Request) protocol.Response
}

// Server accepts exchanges on a unix domain socket.
type Server struct {
	path       string
	ln         net.Listener
	dispatcher Dispatcher
	logger     *slog.Logger

	closed atomic.Bool
	wg     sync.WaitGroup
}

// Listen binds the socket at path. A live socket means another instance is
// already serving and Listen returns ErrAlreadyRunning; a dead socket file
// left by a crashed instance is removed and rebound.
func Listen(path string, d Dispatcher, logger *slog.Logger) (*Server, error) {
	if _, err := os.Stat(path); err == nil {
		conn, derr := net.DialTimeout("unix", path, time.Second)
		if derr == nil {
			conn.Close()
			return nil, ErrAlreadyRunning
		}
		logger.Info("removing stale socket", "path", path)
		if rerr := os.Remove(path); rerr != nil {
			return nil, rerr
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return &Server{
		path:       path,
		ln:         ln,
		dispatcher: d,
		logger:     logger.With("component", "transport"),
	}, nil
}

// Path returns the socket path the server is bound to.
func (s *Server) Path() string { return s.path }

// Serve accepts connections until Stop is called. Each connection is one
// request/response exchange handled on its own goroutine.
func (s *Server) Serve() {
	s.logger.Info("listening", "path", s.path)
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.logger.Warn("accept failed", "err", err)
			continue
		}
		s.wg.Add(1)
		go s.handle(conn)
	}
}

// Stop closes the listener and waits for in-flight exchanges to finish.
// Exchanges that were accepted before Stop complete normally.
func (s *Server) Stop() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.ln.Close()
	s.wg.Wait()
	os.Remove(s.path)
	s.logger.Info("stopped", "path", s.path)
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(frameTimeout))

	req, err := protocol.ReadRequest(conn)
	if err != nil {
		s.logger.Warn("bad frame", "err", err)
		s.respond(conn, protocol.Fail(protocol.StatusProtocolFraming))
		return
	}

	s.respond(conn, s.dispatcher.Dispatch(context.Background(), req))
}

func (s *Server) respond(conn net.Conn, resp protocol.Response) {
	conn.SetWriteDeadline(time.Now().Add(frameTimeout))
	if err := protocol.WriteResponse(conn, resp); err != nil {
		s.logger.Warn("write response", "err", err)
	}
}
