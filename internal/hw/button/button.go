package button

import (
	"context"
	"time"

	"github.com/cjeanneret/SnapID/internal/debug"
	"github.com/cjeanneret/SnapID/internal/hw/gpio"
)

// Config holds the wiring of the capture push button. The button pulls
// the pin to ground, so a press reads LOW against the internal pull-up.
type Config struct {
	Pin      int
	Debounce time.Duration // minimum time the level must hold. Default 30ms.
	Poll     time.Duration // sampling period. Default 5ms.
}

// Button turns presses on a GPIO pin into callbacks.
type Button struct {
	gpio gpio.Driver
	cfg  Config
}

// New configures the pin as an input with pull-up.
func New(g gpio.Driver, cfg Config) (*Button, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 30 * time.Millisecond
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 5 * time.Millisecond
	}
	if err := g.SetupPin(cfg.Pin, gpio.Input); err != nil {
		return nil, err
	}
	if err := g.SetPull(cfg.Pin, gpio.PullUp); err != nil {
		return nil, err
	}
	return &Button{gpio: g, cfg: cfg}, nil
}

// Run samples the pin until ctx ends and calls onPress once per debounced
// press (HIGH to LOW). onPress runs on the sampling goroutine.
func (b *Button) Run(ctx context.Context, onPress func()) error {
	ticker := time.NewTicker(b.cfg.Poll)
	defer ticker.Stop()

	stable := gpio.High
	candidate := stable
	var since time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			lv, err := b.gpio.ReadPin(b.cfg.Pin)
			if err != nil {
				return err
			}
			if lv != candidate {
				candidate = lv
				since = now
				continue
			}
			if candidate == stable || now.Sub(since) < b.cfg.Debounce {
				continue
			}
			stable = candidate
			debug.GPIO("Button", b.cfg.Pin, stable)
			if stable == gpio.Low {
				debug.Live("Button: pressed")
				onPress()
			}
		}
	}
}
