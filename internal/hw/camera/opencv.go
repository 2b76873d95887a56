//go:build gocv

package camera

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/cjeanneret/SnapID/internal/debug"
	"gocv.io/x/gocv"
)

// OpenCVConfig describes a V4L2 (or any OpenCV-supported) camera.
type OpenCVConfig struct {
	DeviceID    int
	Width       int
	Height      int
	JPEGQuality int
	// WarmupFrames are grabbed and discarded before each still so that
	// auto exposure settles and stale buffered frames are dropped.
	WarmupFrames int
}

// OpenCVProvider opens cameras through gocv.VideoCapture.
type OpenCVProvider struct {
	cfg OpenCVConfig
}

// NewOpenCVProvider returns a provider for the configured device.
func NewOpenCVProvider(cfg OpenCVConfig) (Provider, error) {
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 90
	}
	if cfg.WarmupFrames < 0 {
		cfg.WarmupFrames = 0
	}
	return &OpenCVProvider{cfg: cfg}, nil
}

func (p *OpenCVProvider) Open(facing Facing, preview Surface) (Device, error) {
	debug.Verbose("Camera (opencv): opening device %d (%s)", p.cfg.DeviceID, facing)

	vc, err := gocv.OpenVideoCapture(p.cfg.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("open video capture %d: %w", p.cfg.DeviceID, err)
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, fmt.Errorf("video capture %d is not available", p.cfg.DeviceID)
	}
	if p.cfg.Width > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(p.cfg.Width))
	}
	if p.cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameHeight, float64(p.cfg.Height))
	}

	return &opencvDevice{vc: vc, cfg: p.cfg}, nil
}

type opencvDevice struct {
	mu     sync.Mutex
	vc     *gocv.VideoCapture
	cfg    OpenCVConfig
	closed bool
}

func (d *opencvDevice) TakePicture(ctx context.Context, w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errDeviceClosed
	}

	frame := gocv.NewMat()
	defer frame.Close()

	for i := 0; i <= d.cfg.WarmupFrames; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ok := d.vc.Read(&frame); !ok {
			return fmt.Errorf("read frame from device %d", d.cfg.DeviceID)
		}
	}
	if frame.Empty() {
		return fmt.Errorf("empty frame from device %d", d.cfg.DeviceID)
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, frame, []int{int(gocv.IMWriteJpegQuality), d.cfg.JPEGQuality})
	if err != nil {
		return fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()

	debug.Verbose("Camera (opencv): captured %dx%d frame (%d bytes)", frame.Cols(), frame.Rows(), buf.Len())
	_, err = w.Write(buf.GetBytes())
	return err
}

func (d *opencvDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.vc.Close()
}
