package pca9685

import (
	"fmt"
	"math"
	"sync"

	"periph.io/x/conn/v3/gpio"

	"github.com/sweeney/motor-controller/internal/channel"
)

type pwm struct {
	mu      sync.Mutex
	backend *Backend
	index   int
	closed  bool
}

func (p *pwm) Initialize() error {
	return p.SetDutyCycle(0)
}

func (p *pwm) SetFrequency(hz float64) error {
	if hz <= 0 || hz != hz {
		return fmt.Errorf("pca9685 channel %d frequency %v: must be positive", p.index, hz)
	}
	if p.IsClosed() {
		return channel.ErrClosed
	}
	return p.backend.setFrequency(hz)
}

// SetDutyCycle uses the chip's full on and full off flags at the extremes.
func (p *pwm) SetDutyCycle(ratio float64) error {
	steps := math.Round(channel.ClampDuty(ratio) * Steps)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return channel.ErrClosed
	}
	var err error
	switch {
	case steps <= 0:
		err = p.backend.dev.SetFullOff(p.index)
	case steps >= Steps:
		err = p.backend.dev.SetFullOn(p.index)
	default:
		err = p.backend.dev.SetPwm(p.index, 0, gpio.Duty(steps))
	}
	if err != nil {
		return fmt.Errorf("pca9685 channel %d duty %v: %w", p.index, ratio, err)
	}
	return nil
}

// SetPulseWindow turns the output on at step start and off at step end.
func (p *pwm) SetPulseWindow(start, end float64) error {
	if start < 0 || end > Steps || start > end {
		return fmt.Errorf("pca9685 channel %d window [%v, %v]: must satisfy 0 <= start <= end <= %d", p.index, start, end, Steps)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return channel.ErrClosed
	}
	var err error
	if start == end {
		err = p.backend.dev.SetFullOff(p.index)
	} else {
		err = p.backend.dev.SetPwm(p.index, gpio.Duty(start), gpio.Duty(end))
	}
	if err != nil {
		return fmt.Errorf("pca9685 channel %d window: %w", p.index, err)
	}
	return nil
}

func (p *pwm) MinValue() float64 { return 0 }

func (p *pwm) MaxValue() float64 { return Steps }

// Close turns the output fully off.
func (p *pwm) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.backend.dev.SetFullOff(p.index); err != nil {
		return fmt.Errorf("pca9685 channel %d off: %w", p.index, err)
	}
	return nil
}

func (p *pwm) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
