package permission

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/SnapID/internal/debug"
)

// StaticOracle always gives the same answer. Used for headless devices
// where camera access is decided at deploy time.
type StaticOracle struct {
	Granted bool
}

func (s StaticOracle) IsAuthorized(Capability) bool { return s.Granted }

func (s StaticOracle) RequestAuthorization(context.Context, Capability) <-chan bool {
	ch := make(chan bool, 1)
	ch <- s.Granted
	close(ch)
	return ch
}

// DeviceOracle treats the camera as authorized when the device node can be
// opened read-write by this process (e.g. membership of the "video" group).
// It cannot elevate privileges, so a request simply re-checks.
type DeviceOracle struct {
	Path string
}

func (d DeviceOracle) IsAuthorized(Capability) bool {
	f, err := os.OpenFile(d.Path, os.O_RDWR, 0)
	if err != nil {
		debug.Verbose("Permission: %s not accessible: %v", d.Path, err)
		return false
	}
	_ = f.Close()
	return true
}

func (d DeviceOracle) RequestAuthorization(_ context.Context, c Capability) <-chan bool {
	ch := make(chan bool, 1)
	ch <- d.IsAuthorized(c)
	close(ch)
	return ch
}

// ErrNoPendingPrompt is returned by Resolve when nobody is waiting.
var ErrNoPendingPrompt = errors.New("permission: no pending prompt")

// Prompt describes a request waiting for the user.
type Prompt struct {
	ID          string     `json:"id"`
	Capability  Capability `json:"capability"`
	RequestedAt time.Time  `json:"requested_at"`
}

// PromptOracle asks a human through an external surface (the web UI):
// a request stays pending until Resolve is called or Timeout elapses,
// in which case it counts as dismissed. A grant is remembered.
type PromptOracle struct {
	// Timeout after which a pending prompt is dismissed. Zero means wait
	// until the request context ends.
	Timeout time.Duration
	// OnPrompt, when set, is called (on its own goroutine) for every new prompt.
	OnPrompt func(Prompt)

	mu      sync.Mutex
	granted map[Capability]bool
	pending *Prompt
	settled chan struct{}
	waiters []chan bool
}

// NewPromptOracle returns a PromptOracle with the given dismissal timeout.
func NewPromptOracle(timeout time.Duration) *PromptOracle {
	return &PromptOracle{Timeout: timeout, granted: make(map[Capability]bool)}
}

func (p *PromptOracle) IsAuthorized(c Capability) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.granted[c]
}

func (p *PromptOracle) RequestAuthorization(ctx context.Context, c Capability) <-chan bool {
	ch := make(chan bool, 1)

	p.mu.Lock()
	if p.granted == nil {
		p.granted = make(map[Capability]bool)
	}
	if p.granted[c] {
		p.mu.Unlock()
		ch <- true
		close(ch)
		return ch
	}
	var fresh *Prompt
	if p.pending == nil {
		fresh = &Prompt{ID: uuid.NewString(), Capability: c, RequestedAt: time.Now()}
		p.pending = fresh
		p.settled = make(chan struct{})
	}
	id := p.pending.ID
	settled := p.settled
	p.waiters = append(p.waiters, ch)
	onPrompt := p.OnPrompt
	p.mu.Unlock()

	if fresh != nil {
		debug.Live("Permission: waiting for user decision on %s (prompt %s)", c, fresh.ID)
		if onPrompt != nil {
			go onPrompt(*fresh)
		}
	}

	go p.expire(ctx, id, settled)
	return ch
}

// expire dismisses prompt id when the timeout or ctx ends before an answer.
func (p *PromptOracle) expire(ctx context.Context, id string, settled <-chan struct{}) {
	var timeout <-chan time.Time
	if p.Timeout > 0 {
		t := time.NewTimer(p.Timeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-settled:
		return
	case <-timeout:
		debug.Live("Permission: prompt %s dismissed (timeout)", id)
	case <-ctx.Done():
	}
	p.finish(id, false, false)
}

// Pending returns the prompt currently waiting for an answer, if any.
func (p *PromptOracle) Pending() (Prompt, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return Prompt{}, false
	}
	return *p.pending, true
}

// Resolve answers the pending prompt.
func (p *PromptOracle) Resolve(granted bool) error {
	p.mu.Lock()
	if p.pending == nil {
		p.mu.Unlock()
		return ErrNoPendingPrompt
	}
	id := p.pending.ID
	p.mu.Unlock()

	if !p.finish(id, granted, true) {
		return ErrNoPendingPrompt
	}
	return nil
}

// finish delivers the answer to every waiter of prompt id. It reports
// false when that prompt was already settled.
func (p *PromptOracle) finish(id string, granted, remember bool) bool {
	p.mu.Lock()
	if p.pending == nil || p.pending.ID != id {
		p.mu.Unlock()
		return false
	}
	c := p.pending.Capability
	if remember && granted {
		if p.granted == nil {
			p.granted = make(map[Capability]bool)
		}
		p.granted[c] = true
	}
	waiters := p.waiters
	close(p.settled)
	p.pending = nil
	p.settled = nil
	p.waiters = nil
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- granted
		close(ch)
	}
	return true
}
