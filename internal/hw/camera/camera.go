package camera

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Facing selects which physical camera a provider opens.
type Facing int

const (
	Back Facing = iota
	Front
)

func (f Facing) String() string {
	if f == Front {
		return "front"
	}
	return "back"
}

// ParseFacing converts a config value ("back", "front") to a Facing.
// An empty string selects the back camera.
func ParseFacing(s string) (Facing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "back":
		return Back, nil
	case "front":
		return Front, nil
	default:
		return Back, fmt.Errorf("unknown camera facing: %q", s)
	}
}

// Surface is an opaque preview rendering target. It is handed to the
// provider at bind time and never inspected by the capture pipeline.
type Surface interface{}

// Device is an opened camera with its preview and still-capture use cases
// attached. Closing it releases both.
type Device interface {
	// TakePicture acquires a single still image and writes it JPEG-encoded to w.
	TakePicture(ctx context.Context, w io.Writer) error
	Close() error
}

// Provider opens camera devices. It is the high-level interface the rest
// of the application uses, regardless of how the camera is reached
// (V4L2 through OpenCV, a test fake, etc.).
type Provider interface {
	Open(facing Facing, preview Surface) (Device, error)
}
