package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cjeanneret/SnapID/internal/hw/camera"
)

// fixedSource hands out a preset device.
type fixedSource struct {
	dev camera.Device
}

func (f fixedSource) Handle() camera.Device { return f.dev }

func openMock(t *testing.T, p *camera.MockProvider) camera.Device {
	t.Helper()
	dev, err := p.Open(camera.Back, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt := <-ch:
		if _, ok := <-ch; ok {
			t.Fatal("more than one event delivered")
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for capture event")
	}
	return Event{}
}

func TestCapture_Saved(t *testing.T) {
	dir := t.TempDir()
	p := camera.NewMockProvider()
	c := NewController(dir)

	evt := waitEvent(t, c.Capture(context.Background(), fixedSource{openMock(t, p)}))
	if !evt.Saved() {
		t.Fatalf("expected Saved, got error: %v", evt.Err)
	}
	want := filepath.Join(dir, "captured_image.jpg")
	if evt.Image.LocalPath != want {
		t.Errorf("LocalPath = %q, want %q", evt.Image.LocalPath, want)
	}
	if evt.Image.MIMEType != "image/jpeg" {
		t.Errorf("MIMEType = %q, want image/jpeg", evt.Image.MIMEType)
	}
	info, err := os.Stat(want)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != evt.Image.SizeBytes || info.Size() == 0 {
		t.Errorf("SizeBytes = %d, file size = %d", evt.Image.SizeBytes, info.Size())
	}
}

func TestCapture_NotReady(t *testing.T) {
	p := camera.NewMockProvider()
	c := NewController(t.TempDir())

	ch := c.Capture(context.Background(), fixedSource{})
	// Synchronous failure: the event is already there.
	select {
	case evt := <-ch:
		if !errors.Is(evt.Err, ErrNotReady) {
			t.Errorf("err = %v, want ErrNotReady", evt.Err)
		}
	default:
		t.Fatal("not-ready failure should be delivered immediately")
	}
	if p.Captures() != 0 {
		t.Errorf("captures = %d, want 0", p.Captures())
	}
}

func TestCapture_StorageUnavailable(t *testing.T) {
	p := camera.NewMockProvider()
	dev := openMock(t, p)

	cases := []struct {
		name string
		dir  string
	}{
		{"empty", ""},
		{"missing", filepath.Join(t.TempDir(), "gone")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ch := NewController(tc.dir).Capture(context.Background(), fixedSource{dev})
			select {
			case evt := <-ch:
				if !errors.Is(evt.Err, ErrStorageUnavailable) {
					t.Errorf("err = %v, want ErrStorageUnavailable", evt.Err)
				}
				if errors.Is(evt.Err, ErrNotReady) {
					t.Error("storage failure must not be reported as not ready")
				}
			default:
				t.Fatal("storage failure should be delivered immediately")
			}
		})
	}
	if p.Captures() != 0 {
		t.Errorf("captures = %d, want 0", p.Captures())
	}
}

func TestCapture_DirIsAFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "cache")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	evt := waitEvent(t, NewController(file).Capture(context.Background(), fixedSource{openMock(t, camera.NewMockProvider())}))
	if !errors.Is(evt.Err, ErrStorageUnavailable) {
		t.Errorf("err = %v, want ErrStorageUnavailable", evt.Err)
	}
}

func TestCapture_HardwareFailure(t *testing.T) {
	p := camera.NewMockProvider()
	p.CaptureErr = errors.New("sensor timeout")
	c := NewController(t.TempDir())

	evt := waitEvent(t, c.Capture(context.Background(), fixedSource{openMock(t, p)}))
	if !errors.Is(evt.Err, ErrHardware) {
		t.Errorf("err = %v, want ErrHardware", evt.Err)
	}
	if evt.Saved() {
		t.Error("failed capture must not report Saved")
	}
}

func TestCapture_SecondCaptureOverwritesSamePath(t *testing.T) {
	dir := t.TempDir()
	p := camera.NewMockProvider()
	dev := openMock(t, p)
	c := NewController(dir)

	first := waitEvent(t, c.Capture(context.Background(), fixedSource{dev}))
	second := waitEvent(t, c.Capture(context.Background(), fixedSource{dev}))
	if first.Image.LocalPath != second.Image.LocalPath {
		t.Errorf("paths differ: %q vs %q", first.Image.LocalPath, second.Image.LocalPath)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("cache dir has %d entries, want 1", len(entries))
	}
}
