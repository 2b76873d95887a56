package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cjeanneret/SnapID/internal/capture"
	"github.com/cjeanneret/SnapID/internal/config"
	"github.com/cjeanneret/SnapID/internal/hw/button"
	"github.com/cjeanneret/SnapID/internal/hw/camera"
	"github.com/cjeanneret/SnapID/internal/hw/gpio"
	"github.com/cjeanneret/SnapID/internal/permission"
	"github.com/cjeanneret/SnapID/internal/pipeline"
	"github.com/cjeanneret/SnapID/internal/session"
	"github.com/cjeanneret/SnapID/internal/upload"
	"github.com/cjeanneret/SnapID/internal/web"
)

// ---------- webPortFlag ----------

func TestWebPortFlag_EmptyString(t *testing.T) {
	w := &webPortFlag{defaultPort: 8080}
	if err := w.Set(""); err != nil {
		t.Fatalf("Set(\"\") error: %v", err)
	}
	if w.port() != 8080 {
		t.Errorf("expected default port 8080, got %d", w.port())
	}
}

func TestWebPortFlag_Ports(t *testing.T) {
	cases := []struct {
		input   string
		want    int
		wantErr bool
	}{
		{"8080", 8080, false},
		{"1", 1, false},
		{"65535", 65535, false},
		{"0", 0, true},
		{"65536", 0, true},
		{"-1", 0, true},
		{"abc", 0, true},
		{"8080.5", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			err := w.Set(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Errorf("Set(%q) should fail, got nil", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("Set(%q) error: %v", tc.input, err)
			}
			if w.port() != tc.want {
				t.Errorf("port() = %d, want %d", w.port(), tc.want)
			}
		})
	}
}

func TestWebPortFlag_String(t *testing.T) {
	w := &webPortFlag{val: 0}
	if s := w.String(); s != "0" {
		t.Errorf("String() = %q, want \"0\"", s)
	}
	w.val = 9090
	if s := w.String(); s != "9090" {
		t.Errorf("String() = %q, want \"9090\"", s)
	}
}

// ---------- applyEndpoint ----------

func TestApplyEndpoint(t *testing.T) {
	cfg := &config.Config{EndpointURL: "http://a:8000/predict/"}

	if err := applyEndpoint(cfg, ""); err != nil || cfg.EndpointURL != "http://a:8000/predict/" {
		t.Errorf("empty override changed endpoint: %q, %v", cfg.EndpointURL, err)
	}
	if err := applyEndpoint(cfg, "https://b/predict/"); err != nil || cfg.EndpointURL != "https://b/predict/" {
		t.Errorf("override not applied: %q, %v", cfg.EndpointURL, err)
	}
	if err := applyEndpoint(cfg, "b/predict"); !errors.Is(err, upload.ErrInvalidEndpoint) {
		t.Errorf("invalid override error = %v", err)
	}
	if cfg.EndpointURL != "https://b/predict/" {
		t.Errorf("invalid override changed endpoint to %q", cfg.EndpointURL)
	}
}

// ---------- factories ----------

func TestNewProviderFromConfig(t *testing.T) {
	p, err := newProviderFromConfig(&config.Config{Camera: config.CameraConfig{Type: config.CameraMock}})
	if err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, ok := p.(*camera.MockProvider); !ok {
		t.Errorf("mock provider type = %T", p)
	}
	if _, err := newProviderFromConfig(&config.Config{Camera: config.CameraConfig{Type: "nikon"}}); err == nil {
		t.Error("expected error for unsupported camera type")
	}
}

func TestNewOracleFromConfig(t *testing.T) {
	tests := []struct {
		mode       string
		wantPrompt bool
		granted    bool
	}{
		{config.PermissionGrant, false, true},
		{config.PermissionPrompt, true, false},
		{config.PermissionDevice, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			cfg := &config.Config{Permission: config.PermissionConfig{
				Mode:            tt.mode,
				DevicePath:      "/nonexistent/video0",
				PromptTimeoutMs: 1000,
			}}
			oracle, prompts := newOracleFromConfig(cfg)
			if (prompts != nil) != tt.wantPrompt {
				t.Errorf("prompt oracle = %v, want %v", prompts != nil, tt.wantPrompt)
			}
			if got := oracle.IsAuthorized(permission.Camera); got != tt.granted {
				t.Errorf("IsAuthorized = %v, want %v", got, tt.granted)
			}
		})
	}
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := &config.Config{
		EndpointURL: "http://a/predict/",
		Camera:      config.CameraConfig{Type: "mock", Facing: "front"},
		Permission:  config.PermissionConfig{Mode: "prompt"},
		Upload:      config.UploadConfig{TimeoutMs: 5000, BearerToken: "secret"},
		History:     config.HistoryConfig{Path: "/tmp/h.db"},
	}
	s := settingsFromConfig(cfg)
	want := web.Settings{
		EndpointURL:     "http://a/predict/",
		CameraType:      "mock",
		Facing:          "front",
		PermissionMode:  "prompt",
		UploadTimeoutMs: 5000,
		HistoryEnabled:  true,
	}
	if s != want {
		t.Errorf("settings = %+v, want %+v", s, want)
	}
}

// ---------- triggers ----------

func TestRunPeriodic(t *testing.T) {
	var fired int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runPeriodic(ctx, 5*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
		close(done)
	}()
	time.Sleep(60 * time.Millisecond)
	cancel()
	<-done

	if n := atomic.LoadInt32(&fired); n < 3 {
		t.Errorf("fired %d times, want several", n)
	}
}

// brokenPins fails every read, like a GPIO line that went away.
type brokenPins struct {
	gpio.MockDriver
}

func (b *brokenPins) ReadPin(pin int) (gpio.Level, error) {
	return gpio.Low, errors.New("gpio read failed")
}

func TestWatchButton(t *testing.T) {
	btn, err := button.New(&brokenPins{}, button.Config{Pin: 17, Poll: time.Millisecond})
	if err != nil {
		t.Fatalf("button.New: %v", err)
	}
	if err := watchButton(context.Background(), btn, func() {}); err == nil {
		t.Error("read failure should be reported")
	}

	ok, err := button.New(gpio.NewMockDriver(), button.Config{Pin: 17, Poll: time.Millisecond})
	if err != nil {
		t.Fatalf("button.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := watchButton(ctx, ok, func() {}); err != nil {
		t.Errorf("shutdown reported as failure: %v", err)
	}
}

func TestResultSink_Once(t *testing.T) {
	results := make(chan string, 1)
	sink := resultSink(nil, true, results)
	sink.Notify("Recognized: cat (distance 0.1)")
	sink.Notify("dropped, nobody reads")
	if got := <-results; got != "Recognized: cat (distance 0.1)" {
		t.Errorf("result = %q", got)
	}
}

// ---------- captureOnce ----------

func newOnceOrchestrator(t *testing.T, handler http.HandlerFunc, oracle permission.Oracle) (*pipeline.Orchestrator, chan string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	up, err := upload.New(srv.URL + "/predict/")
	if err != nil {
		t.Fatal(err)
	}

	results := make(chan string, 1)
	orch := pipeline.New(
		permission.NewGate(oracle, permission.Camera),
		session.New(camera.NewMockProvider(), camera.Back),
		capture.NewController(t.TempDir()),
		up,
		pipeline.WithSink(resultSink(nil, true, results)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	go orch.Run(ctx)
	t.Cleanup(func() {
		cancel()
		orch.Close()
	})
	if err := orch.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return orch, results
}

func TestCaptureOnce_Recognized(t *testing.T) {
	orch, results := newOnceOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"recognized_object":"banana","distance":0.5}`)
	}, permission.StaticOracle{Granted: true})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := captureOnce(ctx, orch, results)
	if err != nil {
		t.Fatalf("captureOnce: %v", err)
	}
	if msg != "Recognized: banana (distance 0.5)" {
		t.Errorf("msg = %q", msg)
	}
}

func TestCaptureOnce_ServerError(t *testing.T) {
	orch, results := newOnceOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}, permission.StaticOracle{Granted: true})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := captureOnce(ctx, orch, results)
	if err == nil {
		t.Fatal("expected error for server error outcome")
	}
	if msg != "Server error 500: boom" {
		t.Errorf("msg = %q", msg)
	}
}

func TestCaptureOnce_PermissionDenied(t *testing.T) {
	orch, results := newOnceOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no upload expected")
	}, permission.StaticOracle{Granted: false})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := captureOnce(ctx, orch, results); err == nil {
		t.Fatal("expected error when permission is denied")
	}
}
