// Package rig opens the configured backends and builds the motors on them.
//
// Lifecycle ordering matters: backends start before motors so channels are
// initialized when the loops first touch them, and motors stop before
// backends so no loop writes to a channel after its chip was torn down.
package rig

import (
	"fmt"
	"log"

	"go.uber.org/multierr"

	"github.com/sweeney/motor-controller/internal/channel"
	"github.com/sweeney/motor-controller/internal/config"
	"github.com/sweeney/motor-controller/internal/gpio"
	"github.com/sweeney/motor-controller/internal/motor"
	"github.com/sweeney/motor-controller/internal/pca9685"
	"github.com/sweeney/motor-controller/internal/periph"
)

// Opener creates the backend described by cfg.
type Opener func(cfg config.Backend) (channel.Backend, error)

// Open is the Opener for real hardware.
func Open(cfg config.Backend) (channel.Backend, error) {
	switch cfg.Type {
	case config.TypeGPIOCDev:
		chip := cfg.Chip
		if chip == "" {
			chip = gpio.DefaultChip
		}
		return gpio.New(chip)
	case config.TypePeriph:
		return periph.New()
	case config.TypePCA9685:
		return pca9685.New(cfg.Bus, cfg.Address)
	case config.TypeFake:
		return channel.NewFakeBackend(), nil
	}
	return nil, &channel.ConfigError{Field: "backend " + cfg.Name, Reason: fmt.Sprintf("unknown type %q", cfg.Type)}
}

// Rig owns every backend and motor of one configuration.
type Rig struct {
	backends map[string]channel.Backend
	order    []string
	motors   []*motor.Motor
	byName   map[string]*motor.Motor
}

// New opens the backends with open and builds every motor. On error,
// everything opened so far is closed.
func New(cfg *config.Config, open Opener) (*Rig, error) {
	r := &Rig{
		backends: make(map[string]channel.Backend),
		byName:   make(map[string]*motor.Motor),
	}

	for _, bc := range cfg.Backends {
		b, err := open(bc)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("open backend %s: %w", bc.Name, err)
		}
		r.backends[bc.Name] = b
		r.order = append(r.order, bc.Name)
		log.Printf("rig: opened %s backend %s", bc.Type, bc.Name)
	}

	for _, mc := range cfg.Motors {
		m, err := motor.Build(r.backends[mc.Backend], r.wiring(mc))
		if err != nil {
			r.Close()
			return nil, err
		}
		r.motors = append(r.motors, m)
		r.byName[mc.Name] = m
	}
	return r, nil
}

func (r *Rig) wiring(mc config.Motor) motor.Wiring {
	s := motor.Wiring{
		Name:                     mc.Name,
		PWM:                      mc.PWM,
		PWMFrequency:             mc.PWMFrequency,
		Direction:                mc.Direction,
		ForwardPattern:           mc.Patterns.Forward,
		BackwardPattern:          mc.Patterns.Backward,
		StopPattern:              mc.Patterns.Stop,
		EncoderA:                 mc.Encoder.A,
		EncoderB:                 mc.Encoder.B,
		EncoderResolution:        mc.Encoder.Resolution,
		EncoderSamplingFrequency: mc.Encoder.SamplingFrequency,
		MinDutyCycle:             mc.MinDutyCycle,
		MaxSpeed:                 mc.MaxSpeed,
		Kp:                       mc.PID.Kp,
		Ki:                       mc.PID.Ki,
		Kd:                       mc.PID.Kd,
		Period:                   mc.Period,
	}
	if mc.PWMBackend != "" {
		s.PWMSource = r.backends[mc.PWMBackend]
	}
	return s
}

// Motor returns the motor called name.
func (r *Rig) Motor(name string) (*motor.Motor, bool) {
	m, ok := r.byName[name]
	return m, ok
}

// Motors returns the motors in configuration order.
func (r *Rig) Motors() []*motor.Motor {
	return append([]*motor.Motor(nil), r.motors...)
}

// Backend returns the backend called name.
func (r *Rig) Backend(name string) (channel.Backend, bool) {
	b, ok := r.backends[name]
	return b, ok
}

// SetSpeed sets the target speed of the named motor.
func (r *Rig) SetSpeed(name string, speed float64) error {
	m, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("unknown motor %q", name)
	}
	m.SetSpeed(speed)
	return nil
}

// Start starts every backend, then every motor. If anything fails, whatever
// was started is stopped again.
func (r *Rig) Start() error {
	for _, name := range r.order {
		if err := r.backends[name].Start(); err != nil {
			return multierr.Append(fmt.Errorf("start backend %s: %w", name, err), r.Stop())
		}
	}
	for _, m := range r.motors {
		if err := m.Start(); err != nil {
			return multierr.Append(err, r.Stop())
		}
	}
	log.Printf("rig: started %d motors on %d backends", len(r.motors), len(r.backends))
	return nil
}

// Stop stops every motor, then every backend.
func (r *Rig) Stop() error {
	var err error
	for _, m := range r.motors {
		err = multierr.Append(err, m.Stop())
	}
	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		if berr := r.backends[name].Stop(); berr != nil {
			err = multierr.Append(err, fmt.Errorf("stop backend %s: %w", name, berr))
		}
	}
	return err
}

// Close closes every motor, releasing its channels, then every backend.
func (r *Rig) Close() error {
	var err error
	for _, m := range r.motors {
		err = multierr.Append(err, m.Close())
	}
	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		if berr := r.backends[name].Close(); berr != nil {
			err = multierr.Append(err, fmt.Errorf("close backend %s: %w", name, berr))
		}
	}
	r.motors = nil
	r.byName = map[string]*motor.Motor{}
	r.backends = map[string]channel.Backend{}
	r.order = nil
	return err
}
