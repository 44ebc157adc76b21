// Package session ties a guest connection, the hook manager, and a set of
// monitors into one lifecycle. A session owns the VM handle exclusively; the
// hook manager is shared with the driver's trap-dispatch path, which may run
// the manager's callback from a context the session does not control.
package session

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zboralski/vigil/internal/hook"
	"github.com/zboralski/vigil/internal/log"
	"github.com/zboralski/vigil/internal/vmi"
)

// DefaultListenTimeout bounds each blocking listen call. Cancellation is
// cooperative, so this is also the worst-case cancellation latency.
const DefaultListenTimeout = 100 * time.Millisecond

// Context is handed to monitors on enable/disable.
type Context struct {
	VMI   vmi.Driver
	Hooks *hook.Manager
}

// Monitor is a stateful observer that installs hooks through the manager
// while enabled and removes them when disabled.
type Monitor interface {
	Enable(ctx *Context) error
	Disable(ctx *Context) error
}

// Session runs the event pump and manages enabled monitors.
type Session struct {
	id    string
	vmi   vmi.Driver
	hooks *hook.Manager
	log   *log.Logger

	// ListenTimeout is the per-call timeout for the blocking listen
	// primitive. Tests shorten it.
	ListenTimeout time.Duration

	monitors []Monitor
	closed   atomic.Bool
}

// New creates a session over an initialized driver. The hook manager is
// created here and registers its single shared trap event immediately.
func New(d vmi.Driver, logger *log.Logger) (*Session, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	hooks, err := hook.NewManager(d, logger)
	if err != nil {
		return nil, fmt.Errorf("create hook manager: %w", err)
	}
	s := &Session{
		id:            uuid.NewString(),
		vmi:           d,
		hooks:         hooks,
		log:           logger.WithComponent("session"),
		ListenTimeout: DefaultListenTimeout,
	}
	s.log.Info("session created",
		zap.String("id", s.id),
		zap.String("domain", d.Name()),
		zap.Stringer("os", d.OSType()))
	return s, nil
}

// ID returns the session identifier used in logs and event records.
func (s *Session) ID() string { return s.id }

// VMI returns the guest driver.
func (s *Session) VMI() vmi.Driver { return s.vmi }

// Hooks returns the hook manager.
func (s *Session) Hooks() *hook.Manager { return s.hooks }

// AddMonitor enables the monitor and, only on success, adds it to the set
// that teardown will disable. Enable failures propagate to the caller.
func (s *Session) AddMonitor(m Monitor) error {
	ctx := &Context{VMI: s.vmi, Hooks: s.hooks}
	if err := m.Enable(ctx); err != nil {
		return fmt.Errorf("enable monitor: %w", err)
	}
	s.monitors = append(s.monitors, m)
	return nil
}

// Run pumps guest events until the running flag clears or the listen call
// errors. One dedicated goroutine performs the blocking listen calls; trap
// dispatch happens synchronously inside that goroutine's call stack. The
// caller blocks until the pump exits. Listen errors stop the loop and are
// logged, not returned; by then the only useful recovery is teardown.
func (s *Session) Run(running *atomic.Bool) error {
	done := make(chan struct{})

	go func() {
		defer close(done)
		for running.Load() {
			if err := s.vmi.Listen(s.ListenTimeout); err != nil {
				s.log.Error("event loop stopped", zap.Error(err))
				return
			}
		}
	}()

	<-done
	return nil
}

// Close tears the session down: every monitor is disabled best-effort first,
// since monitors may still hold installed hooks, then the hook manager
// restores whatever remains and clears its trap registration. Idempotent.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	ctx := &Context{VMI: s.vmi, Hooks: s.hooks}
	for _, m := range s.monitors {
		if err := m.Disable(ctx); err != nil {
			s.log.Warn("monitor disable failed", zap.Error(err))
		}
	}
	s.monitors = nil
	s.hooks.Shutdown()
	s.log.Info("session closed", zap.String("id", s.id))
}
