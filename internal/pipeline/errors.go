package pipeline

import (
	"errors"
	"fmt"

	"github.com/cjeanneret/SnapID/internal/capture"
	"github.com/cjeanneret/SnapID/internal/permission"
	"github.com/cjeanneret/SnapID/internal/session"
)

var (
	// ErrBusy rejects a trigger while a run is in flight.
	ErrBusy = errors.New("pipeline busy")
	// ErrClosed is returned once the orchestrator has been torn down.
	ErrClosed = errors.New("pipeline closed")
)

// Stage names used in StageError.
const (
	StagePermission = "permission"
	StageCamera     = "camera"
	StageCapture    = "capture"
	StageUpload     = "upload"
)

// StageError attributes a run failure to the stage that produced it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// reason is the short Failed(reason) text kept in the snapshot.
func reason(err error) string {
	switch {
	case errors.Is(err, permission.ErrDenied):
		return "permission denied"
	case errors.Is(err, session.ErrBindFailed):
		return "camera bind failed"
	case errors.Is(err, capture.ErrNotReady):
		return "not ready"
	case errors.Is(err, capture.ErrStorageUnavailable):
		return "storage unavailable"
	case errors.Is(err, capture.ErrHardware):
		return "capture failed"
	default:
		return err.Error()
	}
}

// userMessage is the notification text for a failed run.
func userMessage(err error) string {
	switch {
	case errors.Is(err, permission.ErrDenied):
		return "Camera permission denied: camera permission is required"
	case errors.Is(err, session.ErrBindFailed):
		return "Camera error: " + unwrapStage(err).Error()
	case errors.Is(err, capture.ErrNotReady):
		return "Capture error: camera not ready"
	default:
		return "Capture error: " + unwrapStage(err).Error()
	}
}

func unwrapStage(err error) error {
	var se *StageError
	if errors.As(err, &se) {
		return se.Err
	}
	return err
}
