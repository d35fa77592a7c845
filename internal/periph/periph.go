// Package periph provides a channel backend on top of periph.io. Binary
// channels map to host GPIO pins and PWM channels use the pin's hardware PWM.
package periph

import (
	"fmt"
	"strings"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/sweeney/motor-controller/internal/channel"
)

// Resolver maps a pin number to a periph pin, or nil when unknown.
type Resolver func(pin int) gpio.PinIO

// ByNumber resolves pins through the periph registry as "GPIO<n>".
func ByNumber(pin int) gpio.PinIO {
	return gpioreg.ByName(fmt.Sprintf("GPIO%d", pin))
}

// Backend creates channels on periph.io pins.
type Backend struct {
	*channel.Hub

	resolve Resolver
}

// New initializes the periph host drivers and returns a backend resolving
// pins by number.
func New() (*Backend, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	return NewWithResolver(ByNumber), nil
}

// NewWithResolver returns a backend using resolve, without host
// initialization.
func NewWithResolver(resolve Resolver) *Backend {
	return &Backend{
		Hub:     channel.NewHub(),
		resolve: resolve,
	}
}

func (b *Backend) pin(n int) (gpio.PinIO, error) {
	p := b.resolve(n)
	if p == nil {
		return nil, fmt.Errorf("pin %d not found in hardware", n)
	}
	return p, nil
}

// ConfigureBinary sets up pin cfg.Pin in the configured mode.
func (b *Backend) ConfigureBinary(cfg channel.BinaryConfig) (*channel.Handle[channel.BinaryChannel], error) {
	p, err := b.pin(cfg.Pin)
	if err != nil {
		return nil, err
	}
	id := strings.ToLower(p.Name())

	switch cfg.Mode {
	case channel.ModeOutput:
		if err := p.Out(gpio.Low); err != nil {
			return nil, fmt.Errorf("set %s to output: %w", id, err)
		}
	case channel.ModeInput:
		if err := p.In(pull(cfg.Pull), gpio.NoEdge); err != nil {
			return nil, fmt.Errorf("set %s to input: %w", id, err)
		}
	case channel.ModeEventDetect:
		e, ok := edge(cfg.Event)
		if !ok {
			return nil, &channel.ConfigError{Field: id + " event", Reason: fmt.Sprintf("event detect channel needs an event type, got %v", cfg.Event)}
		}
		if err := p.In(pull(cfg.Pull), e); err != nil {
			return nil, fmt.Errorf("enable edge detection on %s: %w", id, err)
		}
	default:
		return nil, &channel.ConfigError{Field: id + " mode", Reason: fmt.Sprintf("unknown mode %v", cfg.Mode)}
	}

	return b.AddBinary(id, newBinary(id, p, cfg.Mode, cfg.Event))
}

// ConfigurePWM sets up hardware PWM on pin cfg.Pin. cfg.Range is ignored: the
// window is expressed in gpio.Duty steps.
func (b *Backend) ConfigurePWM(cfg channel.PWMConfig) (*channel.Handle[channel.PWMChannel], error) {
	p, err := b.pin(cfg.Pin)
	if err != nil {
		return nil, err
	}
	id := strings.ToLower(p.Name())
	return b.AddPWM(id, newPWM(id, p))
}

func pull(p channel.Pull) gpio.Pull {
	switch p {
	case channel.PullUp:
		return gpio.PullUp
	case channel.PullDown:
		return gpio.PullDown
	}
	return gpio.Float
}

func edge(e channel.EventDetectType) (gpio.Edge, bool) {
	switch e {
	case channel.EventHigh, channel.EventRisingEdge:
		return gpio.RisingEdge, true
	case channel.EventLow, channel.EventFallingEdge:
		return gpio.FallingEdge, true
	case channel.EventBothEdges:
		return gpio.BothEdges, true
	}
	return gpio.NoEdge, false
}
