// Package button turns presses of a physical push button into attendance
// scans.
package button

import (
	"context"
	"fmt"
	"log"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// edgeWait bounds each wait for an edge so Run notices cancellation.
const edgeWait = 100 * time.Millisecond

// Open initialises the host drivers and looks up the named pin.
func Open(name string) (gpio.PinIO, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph: %w", err)
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("failed to find pin %q", name)
	}
	return pin, nil
}

// Watcher calls OnPress for each debounced press. The button pulls the line
// low.
type Watcher struct {
	pin      gpio.PinIO
	debounce time.Duration
	onPress  func(ctx context.Context)
}

// NewWatcher creates a watcher on pin.
func NewWatcher(pin gpio.PinIO, debounce time.Duration, onPress func(ctx context.Context)) *Watcher {
	return &Watcher{pin: pin, debounce: debounce, onPress: onPress}
}

// Run blocks until ctx is done. OnPress runs on this goroutine, so presses
// made while a scan is in progress are handled after it returns, unless they
// fall inside the debounce window.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.pin.In(gpio.PullUp, gpio.FallingEdge); err != nil {
		return fmt.Errorf("configure %s: %w", w.pin.Name(), err)
	}
	log.Printf("Watching button on %s", w.pin.Name())

	var last time.Time
	for {
		if ctx.Err() != nil {
			log.Printf("Button watcher on %s stopped", w.pin.Name())
			return nil
		}
		if !w.pin.WaitForEdge(edgeWait) {
			continue
		}
		now := time.Now()
		if !last.IsZero() && now.Sub(last) < w.debounce {
			continue
		}
		last = now
		log.Printf("Button on %s pressed", w.pin.Name())
		w.onPress(ctx)
	}
}
