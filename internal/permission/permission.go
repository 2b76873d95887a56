// Package permission gates access to the camera behind an authorization
// oracle supplied by the platform.
package permission

import (
	"context"
	"errors"
)

// Capability names a protected resource.
type Capability string

// Camera is the capability required to bind and use the camera.
const Camera Capability = "camera"

// ErrDenied is reported when the user refuses (or dismisses) the request.
var ErrDenied = errors.New("permission denied")

// Oracle is the platform collaborator that knows and changes authorizations.
type Oracle interface {
	// IsAuthorized reports the current authorization without side effects.
	IsAuthorized(c Capability) bool
	// RequestAuthorization asks the user. The returned channel yields the
	// answer; closing it without a value means the dialog was dismissed.
	RequestAuthorization(ctx context.Context, c Capability) <-chan bool
}

// AuthorizationEvent is the single answer to a Gate.Request.
type AuthorizationEvent struct {
	Granted bool
}

// Gate answers "may we use the camera?" and asks when the answer is no.
type Gate struct {
	oracle     Oracle
	capability Capability
}

// NewGate returns a gate for capability c backed by o.
func NewGate(o Oracle, c Capability) *Gate {
	return &Gate{oracle: o, capability: c}
}

// CheckGranted is a synchronous query of the current authorization.
func (g *Gate) CheckGranted() bool {
	return g.oracle.IsAuthorized(g.capability)
}

// Request asks for authorization and delivers exactly one event on the
// returned channel, which is then closed. A dismissed dialog, a nil oracle
// channel and an ended ctx all resolve as Granted=false. No retry is made.
func (g *Gate) Request(ctx context.Context) <-chan AuthorizationEvent {
	out := make(chan AuthorizationEvent, 1)
	answers := g.oracle.RequestAuthorization(ctx, g.capability)

	go func() {
		defer close(out)
		granted := false
		if answers != nil {
			select {
			case v, ok := <-answers:
				granted = ok && v
			case <-ctx.Done():
			}
		}
		out <- AuthorizationEvent{Granted: granted}
	}()
	return out
}
