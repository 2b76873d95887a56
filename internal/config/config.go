package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/SnapID/internal/hw/camera"
	"github.com/cjeanneret/SnapID/internal/upload"
)

// MaxConfigFileBytes bounds the size of a configuration file.
const MaxConfigFileBytes = 64 * 1024

// Camera backends.
const (
	CameraMock   = "mock"
	CameraOpenCV = "opencv"
)

// Permission modes.
const (
	PermissionGrant  = "grant"  // always authorized
	PermissionDevice = "device" // authorized when the device node is accessible
	PermissionPrompt = "prompt" // ask through the web UI
)

// UploadConfig tunes the inference request.
type UploadConfig struct {
	TimeoutMs   int    `yaml:"timeout_ms"`   // request timeout (ms), default 30000
	BearerToken string `yaml:"bearer_token"` // optional Authorization: Bearer token
}

// CameraConfig selects and tunes the camera backend.
type CameraConfig struct {
	Type        string `yaml:"type"`      // "mock" or "opencv"
	DeviceID    int    `yaml:"device_id"` // V4L2 index for opencv
	Facing      string `yaml:"facing"`    // "back" (default) or "front"
	WidthPx     int    `yaml:"width_px"`
	HeightPx    int    `yaml:"height_px"`
	JPEGQuality int    `yaml:"jpeg_quality"` // 1-100, default 90
}

// PermissionConfig selects how camera authorization is decided.
type PermissionConfig struct {
	Mode            string `yaml:"mode"`
	DevicePath      string `yaml:"device_path"`       // checked in "device" mode
	PromptTimeoutMs int    `yaml:"prompt_timeout_ms"` // unanswered prompt counts as denied
}

// GPIOConfig wires the optional shutter button and busy LED.
type GPIOConfig struct {
	Mock       bool `yaml:"mock"`        // use mock GPIO (true=dev/test, false=real Raspberry Pi)
	ButtonPin  int  `yaml:"button_pin"`  // BCM pin, 0 = no button
	LEDPin     int  `yaml:"led_pin"`     // BCM pin, 0 = no LED
	DebounceMs int  `yaml:"debounce_ms"` // button debounce, default 50
}

// HistoryConfig enables the on-disk run history.
type HistoryConfig struct {
	Path       string `yaml:"path"` // bbolt file, empty = disabled
	MaxRecords int    `yaml:"max_records"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
}

// Config aggregates all application configuration.
type Config struct {
	EndpointURL       string           `yaml:"endpoint_url"`
	CacheDir          string           `yaml:"cache_dir"`
	CaptureIntervalMs int              `yaml:"capture_interval_ms"` // periodic capture, 0 = off
	Upload            UploadConfig     `yaml:"upload"`
	Camera            CameraConfig     `yaml:"camera"`
	Permission        PermissionConfig `yaml:"permission"`
	GPIO              GPIOConfig       `yaml:"gpio"`
	History           HistoryConfig    `yaml:"history"`
	Defaults          DefaultsConfig   `yaml:"defaults"`
}

// ValidateConfigPath accepts only .yaml files located directly in a
// directory named "configs".
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Ext(abs) != ".yaml" {
		return fmt.Errorf("config file must have .yaml extension: %s", path)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config file must be in a configs/ directory: %s", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}
	return Parse(data)
}

// Parse decodes YAML, fills in defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.CacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return fmt.Errorf("cache_dir not set and no user cache dir: %w", err)
		}
		c.CacheDir = filepath.Join(base, "snapid")
	}
	if c.Upload.TimeoutMs <= 0 {
		c.Upload.TimeoutMs = 30000
	}
	if c.Camera.Type == "" {
		c.Camera.Type = CameraMock
	}
	if c.Camera.Facing == "" {
		c.Camera.Facing = "back"
	}
	if c.Camera.WidthPx <= 0 {
		c.Camera.WidthPx = 1280
	}
	if c.Camera.HeightPx <= 0 {
		c.Camera.HeightPx = 720
	}
	if c.Camera.JPEGQuality == 0 {
		c.Camera.JPEGQuality = 90
	}
	if c.Permission.Mode == "" {
		c.Permission.Mode = PermissionGrant
	}
	if c.Permission.DevicePath == "" {
		c.Permission.DevicePath = "/dev/video0"
	}
	if c.Permission.PromptTimeoutMs <= 0 {
		c.Permission.PromptTimeoutMs = 60000
	}
	if c.GPIO.DebounceMs <= 0 {
		c.GPIO.DebounceMs = 50
	}
	if c.History.MaxRecords <= 0 {
		c.History.MaxRecords = 200
	}
	return nil
}

// Validate rejects values the application cannot work with.
func (c *Config) Validate() error {
	if c.EndpointURL == "" {
		return fmt.Errorf("endpoint_url is required")
	}
	if err := upload.ValidateEndpoint(c.EndpointURL); err != nil {
		return fmt.Errorf("endpoint_url: %w", err)
	}
	if c.CaptureIntervalMs < 0 {
		return fmt.Errorf("capture_interval_ms must be >= 0, got %d", c.CaptureIntervalMs)
	}
	switch c.Camera.Type {
	case CameraMock, CameraOpenCV:
	default:
		return fmt.Errorf("camera.type must be %q or %q, got %q", CameraMock, CameraOpenCV, c.Camera.Type)
	}
	if _, err := camera.ParseFacing(c.Camera.Facing); err != nil {
		return fmt.Errorf("camera.facing: %w", err)
	}
	if c.Camera.JPEGQuality < 1 || c.Camera.JPEGQuality > 100 {
		return fmt.Errorf("camera.jpeg_quality must be between 1 and 100, got %d", c.Camera.JPEGQuality)
	}
	switch c.Permission.Mode {
	case PermissionGrant, PermissionDevice, PermissionPrompt:
	default:
		return fmt.Errorf("permission.mode must be grant, device or prompt, got %q", c.Permission.Mode)
	}
	if c.GPIO.ButtonPin < 0 || c.GPIO.LEDPin < 0 {
		return fmt.Errorf("gpio pins must be >= 0")
	}
	if c.GPIO.ButtonPin > 0 && c.GPIO.ButtonPin == c.GPIO.LEDPin {
		return fmt.Errorf("gpio.button_pin and gpio.led_pin must differ, both %d", c.GPIO.ButtonPin)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

// Facing returns the parsed camera direction.
func (c *Config) Facing() camera.Facing {
	f, _ := camera.ParseFacing(c.Camera.Facing)
	return f
}

// UploadTimeout returns the inference request timeout.
func (c *Config) UploadTimeout() time.Duration {
	return time.Duration(c.Upload.TimeoutMs) * time.Millisecond
}

// CaptureInterval returns the periodic capture period, 0 when disabled.
func (c *Config) CaptureInterval() time.Duration {
	return time.Duration(c.CaptureIntervalMs) * time.Millisecond
}

// PromptTimeout returns how long a permission prompt waits for an answer.
func (c *Config) PromptTimeout() time.Duration {
	return time.Duration(c.Permission.PromptTimeoutMs) * time.Millisecond
}

// Debounce returns the button debounce window.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.GPIO.DebounceMs) * time.Millisecond
}
