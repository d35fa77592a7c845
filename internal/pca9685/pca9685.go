// Package pca9685 provides a PWM-only channel backend for the PCA9685 16
// channel I²C PWM controller, driven through periph.io.
//
// The PWM frequency is a property of the chip: every channel shares it, and
// setting it on one channel changes it for all of them.
package pca9685

import (
	"fmt"
	"io"
	"log"
	"math"
	"sync"

	"go.uber.org/multierr"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/pca9685"
	"periph.io/x/host/v3"

	"github.com/sweeney/motor-controller/internal/channel"
)

// Chip limits.
const (
	Channels     = 16
	Steps        = 4095
	MinFrequency = 1.0
	MaxFrequency = 3500.0

	// DefaultAddress is the I²C address with all address pins low.
	DefaultAddress = 0x40

	defaultFrequency = 1000.0
)

// device is the part of the periph PCA9685 driver the backend uses.
type device interface {
	SetPwmFreq(freq physic.Frequency) error
	SetPwm(channel int, on, off gpio.Duty) error
	SetFullOn(channel int) error
	SetFullOff(channel int) error
}

// Backend creates PWM channels on one PCA9685.
type Backend struct {
	*channel.Hub

	mu   sync.Mutex
	dev  device
	bus  io.Closer
	freq float64
}

// New opens the I²C bus (empty for the first one) and the chip at addr.
func New(busName string, addr uint16) (*Backend, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %q: %w", busName, err)
	}
	if addr == 0 {
		addr = DefaultAddress
	}
	dev, err := pca9685.NewI2C(bus, addr)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("open pca9685 at %#x: %w", addr, err)
	}
	b := NewWithDevice(dev)
	b.bus = bus
	return b, nil
}

// NewWithDevice wraps an already opened chip.
func NewWithDevice(dev device) *Backend {
	return &Backend{
		Hub:  channel.NewHub(),
		dev:  dev,
		freq: defaultFrequency,
	}
}

// ConfigureBinary always fails: the chip has no binary channels.
func (b *Backend) ConfigureBinary(cfg channel.BinaryConfig) (*channel.Handle[channel.BinaryChannel], error) {
	return nil, fmt.Errorf("pca9685 binary channel %d: %w", cfg.Pin, channel.ErrUnsupported)
}

// ConfigurePWM creates the channel numbered cfg.Pin (0 to 15).
func (b *Backend) ConfigurePWM(cfg channel.PWMConfig) (*channel.Handle[channel.PWMChannel], error) {
	if cfg.Pin < 0 || cfg.Pin >= Channels {
		return nil, &channel.ConfigError{
			Field:  "pca9685 channel",
			Reason: fmt.Sprintf("%d out of range [0, %d]", cfg.Pin, Channels-1),
		}
	}
	return b.AddPWM(fmt.Sprintf("pca9685:%d", cfg.Pin), &pwm{backend: b, index: cfg.Pin})
}

// Start programs the shared frequency, then initializes the channels.
func (b *Backend) Start() error {
	b.mu.Lock()
	err := b.writeFrequency()
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return b.Hub.Start()
}

// Close tears down every channel, then the bus.
func (b *Backend) Close() error {
	err := b.Hub.Close()
	if b.bus != nil {
		if cerr := b.bus.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close i2c bus: %w", cerr))
		}
	}
	return err
}

// Frequency returns the shared PWM frequency in hertz.
func (b *Backend) Frequency() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.freq
}

func (b *Backend) setFrequency(hz float64) error {
	hz = math.Min(math.Max(hz, MinFrequency), MaxFrequency)

	b.mu.Lock()
	defer b.mu.Unlock()
	if hz == b.freq {
		return nil
	}
	if b.PWM.Len() > 1 {
		log.Printf("pca9685: frequency changed from %.0fHz to %.0fHz for all %d channels", b.freq, hz, b.PWM.Len())
	}
	b.freq = hz
	if !b.Running() {
		return nil
	}
	return b.writeFrequency()
}

// writeFrequency must be called with b.mu held.
func (b *Backend) writeFrequency() error {
	if err := b.dev.SetPwmFreq(physic.Frequency(b.freq * float64(physic.Hertz))); err != nil {
		return fmt.Errorf("set pca9685 frequency %.0fHz: %w", b.freq, err)
	}
	return nil
}
