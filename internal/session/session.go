// Package session owns the lifecycle of the camera device: it binds the
// preview and still-capture use cases to a lifecycle scope and keeps the
// capture handle for the capture controller.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cjeanneret/SnapID/internal/debug"
	"github.com/cjeanneret/SnapID/internal/hw/camera"
)

// State is the binding state of a Session.
type State int

const (
	Unbound State = iota
	Binding
	Bound
	Failed
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Binding:
		return "binding"
	case Bound:
		return "bound"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrBindFailed wraps any provider error raised while binding.
	ErrBindFailed = errors.New("camera bind failed")
	// ErrClosed is returned by Bind after Close.
	ErrClosed = errors.New("camera session closed")

	errSuperseded = errors.New("superseded while opening")
)

// Session binds at most one camera device at a time. It is the only
// writer of its state and of the capture handle.
type Session struct {
	provider camera.Provider
	facing   camera.Facing

	mu      sync.Mutex
	state   State
	device  camera.Device
	gen     uint64
	stop    chan struct{}
	lastErr error
	closed  bool
}

// New returns an unbound session that opens the camera facing the given way.
func New(p camera.Provider, facing camera.Facing) *Session {
	return &Session{provider: p, facing: facing}
}

// Bind unbinds whatever is bound, opens the selected camera with preview
// wired to the given surface, and ties the binding to ctx: when ctx ends
// the session unbinds by itself. Calling Bind repeatedly is safe. A failure
// leaves the session Failed and is not retried.
//
// The lock is released while the provider opens the device; State and
// Handle report Binding and nil meanwhile. An open superseded by Unbind,
// Close or a newer Bind is released and Bind returns an error.
func (s *Session) Bind(ctx context.Context, preview camera.Surface) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.unbindLocked()

	if err := ctx.Err(); err != nil {
		s.state = Failed
		s.lastErr = err
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrBindFailed, err)
	}

	s.state = Binding
	gen := s.gen
	s.mu.Unlock()

	debug.Verbose("Session: binding %s camera", s.facing)
	dev, err := s.provider.Open(s.facing, preview)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen || s.closed {
		if dev != nil {
			if cerr := dev.Close(); cerr != nil {
				debug.Error(fmt.Errorf("session: release superseded device: %w", cerr))
			}
		}
		if s.closed {
			return ErrClosed
		}
		return fmt.Errorf("%w: %w", ErrBindFailed, errSuperseded)
	}
	if err == nil {
		if cerr := ctx.Err(); cerr != nil {
			if dev != nil {
				dev.Close()
			}
			err = cerr
		}
	}
	if err != nil {
		s.state = Failed
		s.lastErr = err
		debug.Error(fmt.Errorf("session bind: %w", err))
		return fmt.Errorf("%w: %w", ErrBindFailed, err)
	}

	s.device = dev
	s.state = Bound
	s.lastErr = nil
	s.stop = make(chan struct{})
	go s.watch(ctx, gen, s.stop)

	debug.Live("Session: camera bound (%s)", s.facing)
	return nil
}

// watch releases binding gen when its lifecycle scope ends.
func (s *Session) watch(ctx context.Context, gen uint64, stop <-chan struct{}) {
	select {
	case <-ctx.Done():
		s.mu.Lock()
		if s.gen == gen && s.state == Bound {
			debug.Verbose("Session: lifecycle ended, unbinding")
			s.unbindLocked()
		}
		s.mu.Unlock()
	case <-stop:
	}
}

// Unbind releases the current binding, if any.
func (s *Session) Unbind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unbindLocked()
}

// unbindLocked also starts a new generation, which invalidates any open
// still in flight.
func (s *Session) unbindLocked() {
	s.gen++
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	if s.device != nil {
		if err := s.device.Close(); err != nil {
			debug.Error(fmt.Errorf("session unbind: %w", err))
		}
		s.device = nil
	}
	s.state = Unbound
}

// Close unbinds and refuses further binds.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unbindLocked()
	s.closed = true
}

// State returns the current binding state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle returns the bound capture device, or nil unless Bound.
func (s *Session) Handle() camera.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Bound {
		return nil
	}
	return s.device
}

// Err returns the error of the last failed bind.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
