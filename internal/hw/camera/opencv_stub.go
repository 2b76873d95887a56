//go:build !gocv

package camera

import "fmt"

// OpenCVConfig describes a V4L2 (or any OpenCV-supported) camera.
type OpenCVConfig struct {
	DeviceID     int
	Width        int
	Height       int
	JPEGQuality  int
	WarmupFrames int
}

// NewOpenCVProvider returns an error when built without the gocv tag.
func NewOpenCVProvider(cfg OpenCVConfig) (Provider, error) {
	return nil, fmt.Errorf("opencv camera support not compiled in (build with -tags gocv)")
}
