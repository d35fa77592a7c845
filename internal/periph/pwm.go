package periph

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"

	"github.com/sweeney/motor-controller/internal/channel"
)

// defaultFrequency is used until SetFrequency is called.
const defaultFrequency = 1000 * physic.Hertz

type pwm struct {
	mu     sync.Mutex
	name   string
	pin    gpio.PinIO
	freq   physic.Frequency
	duty   gpio.Duty
	closed bool
}

func newPWM(name string, pin gpio.PinIO) *pwm {
	return &pwm{name: name, pin: pin, freq: defaultFrequency}
}

// Initialize starts the output at duty 0.
func (p *pwm) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return channel.ErrClosed
	}
	return p.apply()
}

func (p *pwm) SetFrequency(hz float64) error {
	if hz <= 0 || hz != hz {
		return fmt.Errorf("pwm %s frequency %v: must be positive", p.name, hz)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return channel.ErrClosed
	}
	p.freq = physic.Frequency(hz * float64(physic.Hertz))
	return p.apply()
}

func (p *pwm) SetDutyCycle(ratio float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return channel.ErrClosed
	}
	p.duty = gpio.Duty(channel.ClampDuty(ratio) * float64(gpio.DutyMax))
	return p.apply()
}

// SetPulseWindow only supports windows starting at the period boundary.
func (p *pwm) SetPulseWindow(start, end float64) error {
	if start != 0 {
		return fmt.Errorf("pwm %s window start %v: %w", p.name, start, channel.ErrUnsupported)
	}
	return p.SetDutyCycle(end / p.MaxValue())
}

func (p *pwm) MinValue() float64 { return 0 }

func (p *pwm) MaxValue() float64 { return float64(gpio.DutyMax) }

// apply must be called with p.mu held.
func (p *pwm) apply() error {
	if err := p.pin.PWM(p.duty, p.freq); err != nil {
		return fmt.Errorf("pwm %s: %w", p.name, err)
	}
	return nil
}

// Close halts the PWM and drives the pin LOW.
func (p *pwm) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.pin.Halt(); err != nil {
		return fmt.Errorf("halt pwm %s: %w", p.name, err)
	}
	if err := p.pin.Out(gpio.Low); err != nil {
		return fmt.Errorf("release pwm %s: %w", p.name, err)
	}
	return nil
}

func (p *pwm) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
