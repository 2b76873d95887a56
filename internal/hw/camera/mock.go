package camera

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"sync"

	"github.com/cjeanneret/SnapID/internal/debug"
)

// MockProvider is a Provider for development on PC and for tests.
// Devices it opens produce a small synthetic JPEG frame.
type MockProvider struct {
	// OpenErr, when set, is returned by Open.
	OpenErr error
	// CaptureErr, when set, is returned by TakePicture.
	CaptureErr error
	// Hold, when non-nil, blocks every TakePicture until it is closed
	// or receives a value.
	Hold chan struct{}
	// OpenHold, when non-nil, blocks every Open until it is closed or
	// receives a value.
	OpenHold chan struct{}

	mu       sync.Mutex
	active   int
	opens    int
	captures int
	lastSurf Surface
}

// NewMockProvider returns a MockProvider with no failures configured.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (p *MockProvider) Open(facing Facing, preview Surface) (Device, error) {
	debug.Verbose("Camera (mock): opening %s camera", facing)
	p.mu.Lock()
	hold := p.OpenHold
	p.mu.Unlock()
	if hold != nil {
		<-hold
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	p.opens++
	p.active++
	p.lastSurf = preview
	return &mockDevice{provider: p}, nil
}

// Active returns the number of devices currently open.
func (p *MockProvider) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Opens returns the total number of successful Open calls.
func (p *MockProvider) Opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens
}

// Captures returns the number of TakePicture calls that reached the device.
func (p *MockProvider) Captures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.captures
}

// LastSurface returns the preview surface handed to the latest Open.
func (p *MockProvider) LastSurface() Surface {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSurf
}

type mockDevice struct {
	provider *MockProvider
	once     sync.Once
	closed   bool
	mu       sync.Mutex
}

var errDeviceClosed = errors.New("camera: device closed")

func (d *mockDevice) TakePicture(ctx context.Context, w io.Writer) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return errDeviceClosed
	}

	p := d.provider
	p.mu.Lock()
	p.captures++
	hold := p.Hold
	captureErr := p.CaptureErr
	p.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if captureErr != nil {
		return captureErr
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, syntheticFrame(p.Captures()), &jpeg.Options{Quality: 80}); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func (d *mockDevice) Close() error {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()

		d.provider.mu.Lock()
		d.provider.active--
		d.provider.mu.Unlock()
		debug.Verbose("Camera (mock): device closed")
	})
	return nil
}

// syntheticFrame draws a 64x48 gradient whose tint changes per capture,
// so consecutive captures produce different files.
func syntheticFrame(n int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 5), B: uint8(n * 40), A: 255})
		}
	}
	return img
}
