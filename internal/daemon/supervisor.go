package daemon

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Supervisor decides when the daemon dies: after a configured quiet period
// with no dispatches, or on an explicit trigger. The deadline never fires
// while a dispatch is in flight; the check is deferred and re-evaluated
// once the dispatch completes.
type Supervisor struct {
	timeout time.Duration
	logger  *slog.Logger

	inflight atomic.Int64
	activity chan struct{}
	trigger  chan struct{}
	once     sync.Once

	done chan struct{}

	mu       sync.Mutex
	deadline time.Time
}

// NewSupervisor creates a supervisor with the given idle timeout.
func NewSupervisor(timeout time.Duration, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		timeout:  timeout,
		logger:   logger.With("component", "supervisor"),
		activity: make(chan struct{}, 1),
		trigger:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Begin registers a dispatch in flight. It reports false once shutdown has
// been decided; callers must refuse the work.
func (s *Supervisor) Begin() bool {
	select {
	case <-s.done:
		return false
	default:
	}
	s.inflight.Add(1)
	return true
}

// End marks a dispatch complete and counts as activity: the idle deadline
// is pushed out on every serviced request.
func (s *Supervisor) End() {
	s.inflight.Add(-1)
	select {
	case s.activity <- struct{}{}:
	default:
	}
}

// InFlight returns the number of dispatches currently executing.
func (s *Supervisor) InFlight() int64 {
	return s.inflight.Load()
}

// Deadline returns the instant the idle timer would currently fire.
func (s *Supervisor) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline
}

func (s *Supervisor) setDeadline(t time.Time) {
	s.mu.Lock()
	s.deadline = t
	s.mu.Unlock()
}

// Trigger requests an explicit shutdown. Safe to call multiple times and
// from any goroutine.
func (s *Supervisor) Trigger() {
	s.once.Do(func() { close(s.trigger) })
}

// Done is closed once shutdown has been decided, by idle timeout or
// trigger. In-flight dispatches are drained by the daemon's teardown, not
// here.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Run arms the idle timer and blocks until shutdown is decided. The timer
// is armed at start and reset on every dispatch completion.
func (s *Supervisor) Run() {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	s.setDeadline(time.Now().Add(s.timeout))

	reset := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.timeout)
		s.setDeadline(time.Now().Add(s.timeout))
	}

	for {
		select {
		case <-s.trigger:
			s.logger.Info("shutdown requested")
			close(s.done)
			return

		case <-s.activity:
			reset()

		case <-timer.C:
			if s.inflight.Load() == 0 {
				s.logger.Info("idle timeout reached", "timeout", s.timeout)
				close(s.done)
				return
			}
			// A dispatch is executing; never interrupt it. Wait for it to
			// finish (its End counts as activity) or for an explicit
			// trigger, then continue with a fresh deadline.
			s.logger.Debug("idle deadline deferred", "in_flight", s.inflight.Load())
			select {
			case <-s.trigger:
				s.logger.Info("shutdown requested")
				close(s.done)
				return
			case <-s.activity:
				reset()
			}
		}
	}
}
