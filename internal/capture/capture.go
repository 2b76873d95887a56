// Package capture acquires a single still image from the bound camera and
// persists it at a fixed path in the application cache directory.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cjeanneret/SnapID/internal/debug"
	"github.com/cjeanneret/SnapID/internal/hw/camera"
)

const (
	// FileName is the fixed name of the captured image; every capture
	// overwrites it.
	FileName = "captured_image.jpg"
	// MIMEType of every captured image.
	MIMEType = "image/jpeg"
)

var (
	// ErrNotReady means no camera is bound; nothing was acquired.
	ErrNotReady = errors.New("not ready")
	// ErrStorageUnavailable means the cache directory is missing or unwritable.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrHardware wraps failures reported by the camera device.
	ErrHardware = errors.New("capture hardware failure")
)

// CapturedImage is a still image saved on local storage. The file is left
// in place; cleanup belongs to the caller or the OS.
type CapturedImage struct {
	LocalPath string
	SizeBytes int64
	MIMEType  string
}

// Event is the single result of a Capture: Saved when Err is nil,
// Failed otherwise.
type Event struct {
	Image CapturedImage
	Err   error
}

// Saved reports whether the capture produced an image.
func (e Event) Saved() bool { return e.Err == nil }

// Source hands out the bound capture device (nil when not bound).
// *session.Session satisfies it.
type Source interface {
	Handle() camera.Device
}

// Controller triggers still captures into dir.
type Controller struct {
	dir string
}

// NewController returns a controller writing into the cache directory dir.
func NewController(dir string) *Controller {
	return &Controller{dir: dir}
}

// Path returns the location every capture is written to.
func (c *Controller) Path() string {
	return filepath.Join(c.dir, FileName)
}

// Capture acquires one image from src. Exactly one Event is delivered on
// the returned channel, which is then closed. Not-ready and missing-storage
// failures are decided before any acquisition and delivered immediately.
// Callers must serialize captures: they all share one file path.
func (c *Controller) Capture(ctx context.Context, src Source) <-chan Event {
	out := make(chan Event, 1)

	dev := src.Handle()
	if dev == nil {
		out <- Event{Err: ErrNotReady}
		close(out)
		return out
	}
	if err := c.checkDir(); err != nil {
		out <- Event{Err: err}
		close(out)
		return out
	}

	go func() {
		defer close(out)
		out <- c.acquire(ctx, dev)
	}()
	return out
}

func (c *Controller) checkDir() error {
	if c.dir == "" {
		return fmt.Errorf("%w: no cache directory configured", ErrStorageUnavailable)
	}
	info, err := os.Stat(c.dir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrStorageUnavailable, c.dir)
	}
	return nil
}

func (c *Controller) acquire(ctx context.Context, dev camera.Device) Event {
	start := time.Now()
	path := c.Path()

	f, err := os.Create(path)
	if err != nil {
		return Event{Err: fmt.Errorf("%w: %w", ErrStorageUnavailable, err)}
	}

	shotErr := dev.TakePicture(ctx, f)
	closeErr := f.Close()
	if shotErr != nil {
		return Event{Err: fmt.Errorf("%w: %w", ErrHardware, shotErr)}
	}
	if closeErr != nil {
		return Event{Err: fmt.Errorf("%w: %w", ErrStorageUnavailable, closeErr)}
	}

	info, err := os.Stat(path)
	if err != nil {
		return Event{Err: fmt.Errorf("%w: %w", ErrStorageUnavailable, err)}
	}

	debug.Verbose("Capture: saved %s (%d bytes) in %v", path, info.Size(), time.Since(start).Round(time.Millisecond))
	return Event{Image: CapturedImage{
		LocalPath: path,
		SizeBytes: info.Size(),
		MIMEType:  MIMEType,
	}}
}
