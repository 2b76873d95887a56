package led

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/SnapID/internal/debug"
	"github.com/cjeanneret/SnapID/internal/hw/gpio"
)

// Config holds the wiring of the status LED.
type Config struct {
	Pin       int  // BCM pin. 0 = no LED.
	ActiveLow bool // LED lights when the pin is driven LOW.
}

// LED is a single status light. It is lit while the pipeline is busy.
type LED struct {
	gpio gpio.Driver
	cfg  Config

	mu sync.Mutex
	on bool
}

// New sets up the LED pin and switches it off.
func New(g gpio.Driver, cfg Config) (*LED, error) {
	l := &LED{gpio: g, cfg: cfg}
	if cfg.Pin <= 0 {
		return l, nil
	}
	if err := g.SetupPin(cfg.Pin, gpio.Output); err != nil {
		return nil, fmt.Errorf("led: setup pin %d: %w", cfg.Pin, err)
	}
	if err := g.WritePin(cfg.Pin, l.level(false)); err != nil {
		return nil, fmt.Errorf("led: switch off pin %d: %w", cfg.Pin, err)
	}
	return l, nil
}

func (l *LED) level(on bool) gpio.Level {
	if l.cfg.ActiveLow {
		return gpio.Level(!on)
	}
	return gpio.Level(on)
}

// Set switches the LED. Repeated calls with the same value do not touch
// the pin.
func (l *LED) Set(on bool) error {
	if l.cfg.Pin <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.on == on {
		return nil
	}
	if err := l.gpio.WritePin(l.cfg.Pin, l.level(on)); err != nil {
		return err
	}
	l.on = on
	debug.Trace("LED: on=%v", on)
	return nil
}

// On reports the last value set.
func (l *LED) On() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on
}

// Busy returns a hook for pipeline state changes: the LED follows the busy
// flag.
func (l *LED) Busy() func(busy bool) {
	return func(busy bool) {
		if err := l.Set(busy); err != nil {
			debug.Error(err)
		}
	}
}
