package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/cjeanneret/SnapID/internal/capture"
	"github.com/cjeanneret/SnapID/internal/config"
	"github.com/cjeanneret/SnapID/internal/debug"
	"github.com/cjeanneret/SnapID/internal/history"
	"github.com/cjeanneret/SnapID/internal/hw/button"
	"github.com/cjeanneret/SnapID/internal/hw/camera"
	"github.com/cjeanneret/SnapID/internal/hw/gpio"
	"github.com/cjeanneret/SnapID/internal/hw/led"
	"github.com/cjeanneret/SnapID/internal/notify"
	"github.com/cjeanneret/SnapID/internal/permission"
	"github.com/cjeanneret/SnapID/internal/pipeline"
	"github.com/cjeanneret/SnapID/internal/session"
	"github.com/cjeanneret/SnapID/internal/upload"
	"github.com/cjeanneret/SnapID/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	endpoint := flag.String("endpoint", "", "override endpoint_url from the config")
	once := flag.Bool("once", false, "capture and upload a single image, print the result and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if err := applyEndpoint(cfg, *endpoint); err != nil {
		log.Fatalf("invalid -endpoint: %v", err)
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Endpoint", cfg.EndpointURL)
	debug.Value("Cache dir", cfg.CacheDir)
	debug.PrintStruct("Settings", settingsFromConfig(cfg))

	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.GPIO.Mock)
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	debug.Step(2, "Initializing camera")
	provider, err := newProviderFromConfig(cfg)
	if err != nil {
		log.Fatalf("init camera failed: %v", err)
	}
	debug.Value("Camera type", cfg.Camera.Type)
	debug.Value("Facing", cfg.Facing())

	debug.Step(3, "Preparing storage and uploader")
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		// The capture controller reports StorageUnavailable on every run.
		debug.Error(fmt.Errorf("create cache dir: %w", err))
	}
	uploadOpts := []upload.Option{upload.WithTimeout(cfg.UploadTimeout())}
	if cfg.Upload.BearerToken != "" {
		uploadOpts = append(uploadOpts, upload.WithBearerToken(cfg.Upload.BearerToken))
	}
	uploader, err := upload.New(cfg.EndpointURL, uploadOpts...)
	if err != nil {
		log.Fatalf("init uploader failed: %v", err)
	}

	var store *history.Store
	if cfg.History.Path != "" {
		store, err = history.Open(cfg.History.Path, cfg.History.MaxRecords)
		if err != nil {
			log.Fatalf("open history failed: %v", err)
		}
		defer store.Close()
	}

	var broadcaster *web.StatusBroadcaster
	if webPort.port() > 0 {
		broadcaster = web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
	}

	debug.Step(4, "Wiring pipeline")
	oracle, prompts := newOracleFromConfig(cfg)
	if prompts != nil && broadcaster != nil {
		prompts.OnPrompt = func(p permission.Prompt) {
			broadcaster.Broadcast(web.LevelPrompt, "Camera permission requested")
		}
	}

	results := make(chan string, 1)
	sink := notify.NewAsync(resultSink(broadcaster, *once, results), 16)
	defer sink.Close()

	opts := []pipeline.Option{pipeline.WithSink(sink)}
	if cfg.GPIO.LEDPin > 0 {
		statusLED, err := led.New(gpioDriver, led.Config{Pin: cfg.GPIO.LEDPin})
		if err != nil {
			log.Fatalf("init LED failed: %v", err)
		}
		busy := statusLED.Busy()
		opts = append(opts, pipeline.WithObserver(func(t pipeline.Transition) { busy(t.To.Busy()) }))
	}
	if broadcaster != nil {
		opts = append(opts, pipeline.WithObserver(func(t pipeline.Transition) {
			broadcaster.Broadcast(web.LevelState, t.From.String()+" -> "+t.To.String())
		}))
	}
	if store != nil {
		opts = append(opts, pipeline.WithRecorder(store.Recorder()))
	}

	orch := pipeline.New(
		permission.NewGate(oracle, permission.Camera),
		session.New(provider, cfg.Facing()),
		capture.NewController(cfg.CacheDir),
		uploader,
		opts...,
	)
	defer orch.Close()

	runDone := make(chan error, 1)
	go func() { runDone <- orch.Run(ctx) }()

	if err := orch.Start(); err != nil {
		log.Fatalf("start pipeline: %v", err)
	}

	if *once {
		msg, err := captureOnce(ctx, orch, results)
		if msg != "" {
			fmt.Println(msg)
		}
		if err != nil {
			orch.Close()
			log.Fatalf("capture failed: %v", err)
		}
		return
	}

	trigger := func(source string) {
		if _, err := orch.Capture(); err != nil {
			debug.Live("%s trigger ignored: %v", source, err)
		}
	}

	if cfg.GPIO.ButtonPin > 0 {
		btn, err := button.New(gpioDriver, button.Config{Pin: cfg.GPIO.ButtonPin, Debounce: cfg.Debounce()})
		if err != nil {
			log.Fatalf("init button failed: %v", err)
		}
		go watchButton(ctx, btn, func() { trigger("Button") })
		debug.Value("Button pin", cfg.GPIO.ButtonPin)
	}
	if d := cfg.CaptureInterval(); d > 0 {
		go runPeriodic(ctx, d, func() { trigger("Periodic") })
		debug.Value("Capture interval", d)
	}

	if broadcaster != nil {
		handlers := web.NewHandlers(broadcaster, orch, settingsFromConfig(cfg), nil)
		if prompts != nil {
			handlers.Prompts = prompts
		}
		if store != nil {
			handlers.History = store
		}
		srv := web.NewServer(fmt.Sprintf(":%d", webPort.port()), handlers)
		if err := srv.Run(ctx); err != nil {
			log.Fatalf("web server: %v", err)
		}
		return
	}

	if err := <-runDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("pipeline stopped: %v", err)
	}
}

// applyEndpoint replaces the configured endpoint when override is set.
func applyEndpoint(cfg *config.Config, override string) error {
	if override == "" {
		return nil
	}
	if err := upload.ValidateEndpoint(override); err != nil {
		return err
	}
	cfg.EndpointURL = override
	return nil
}

// resultSink picks where run results are shown: the web UI when serving,
// the results channel in -once mode, stdout otherwise.
func resultSink(b *web.StatusBroadcaster, once bool, results chan<- string) notify.Sink {
	var sinks []notify.Sink
	if b != nil {
		sinks = append(sinks, b)
	}
	if once {
		sinks = append(sinks, notify.Func(func(msg string) {
			select {
			case results <- msg:
			default:
			}
		}))
	}
	if b == nil && !once {
		sinks = append(sinks, notify.Func(func(msg string) { fmt.Println(msg) }))
	}
	return notify.Multi(sinks...)
}

// captureOnce waits for the camera, runs one capture and returns its
// result. An error is returned unless an object was recognized.
func captureOnce(ctx context.Context, orch *pipeline.Orchestrator, results <-chan string) (string, error) {
	if err := waitReady(ctx, orch, 10*time.Millisecond); err != nil {
		return orch.Snapshot().LastMessage, err
	}
	if _, err := orch.Capture(); err != nil {
		return "", err
	}
	select {
	case msg := <-results:
		if _, ok := orch.Snapshot().LastOutcome.(upload.Recognized); !ok {
			return msg, errors.New("no object recognized")
		}
		return msg, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// waitReady polls until the camera is bound, the start sequence fails or
// ctx ends.
func waitReady(ctx context.Context, orch *pipeline.Orchestrator, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		s := orch.Snapshot()
		switch {
		case s.State == pipeline.Ready && s.Session == session.Bound.String():
			return nil
		case s.State == pipeline.Failed:
			return fmt.Errorf("pipeline failed: %s", s.Reason)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// watchButton runs btn until ctx ends. A GPIO failure stops the button;
// it is logged and returned.
func watchButton(ctx context.Context, btn *button.Button, press func()) error {
	err := btn.Run(ctx, press)
	if err == nil || ctx.Err() != nil {
		return nil
	}
	debug.Error(fmt.Errorf("shutter button stopped: %w", err))
	return err
}

// runPeriodic calls fire every d until ctx ends.
func runPeriodic(ctx context.Context, d time.Duration, fire func()) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fire()
		}
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }

// newProviderFromConfig selects a camera implementation based on configuration.
func newProviderFromConfig(cfg *config.Config) (camera.Provider, error) {
	switch cfg.Camera.Type {
	case config.CameraMock:
		return camera.NewMockProvider(), nil
	case config.CameraOpenCV:
		return camera.NewOpenCVProvider(camera.OpenCVConfig{
			DeviceID:    cfg.Camera.DeviceID,
			Width:       cfg.Camera.WidthPx,
			Height:      cfg.Camera.HeightPx,
			JPEGQuality: cfg.Camera.JPEGQuality,
		})
	default:
		return nil, fmt.Errorf("unsupported camera type: %s", cfg.Camera.Type)
	}
}

// newOracleFromConfig selects the permission oracle. The prompt oracle is
// also returned so the web UI can answer it.
func newOracleFromConfig(cfg *config.Config) (permission.Oracle, *permission.PromptOracle) {
	switch cfg.Permission.Mode {
	case config.PermissionDevice:
		return permission.DeviceOracle{Path: cfg.Permission.DevicePath}, nil
	case config.PermissionPrompt:
		p := permission.NewPromptOracle(cfg.PromptTimeout())
		return p, p
	default:
		return permission.StaticOracle{Granted: true}, nil
	}
}

func settingsFromConfig(cfg *config.Config) web.Settings {
	return web.Settings{
		EndpointURL:       cfg.EndpointURL,
		CameraType:        cfg.Camera.Type,
		Facing:            cfg.Facing().String(),
		PermissionMode:    cfg.Permission.Mode,
		CaptureIntervalMs: cfg.CaptureIntervalMs,
		UploadTimeoutMs:   cfg.Upload.TimeoutMs,
		HistoryEnabled:    cfg.History.Path != "",
	}
}
