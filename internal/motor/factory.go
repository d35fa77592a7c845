package motor

import (
	"fmt"
	"time"

	"github.com/sweeney/motor-controller/internal/channel"
	"github.com/sweeney/motor-controller/internal/encoder"
)

// Defaults applied by Build to zero valued fields.
const (
	DefaultPWMFrequency             = 20000
	DefaultEncoderSamplingFrequency = 500
	DefaultPeriod                   = 10 * time.Millisecond
)

// Wiring describes a motor in terms of pins on one backend. Build configures
// the channels and assembles the encoder and the motor.
type Wiring struct {
	Name string

	PWM          channel.PWMConfig
	PWMFrequency float64

	// PWMSource, if set, provides the PWM channel in place of the backend
	// passed to Build. Used when the PWM comes from a separate chip.
	PWMSource channel.Backend

	Direction       []channel.BinaryConfig
	ForwardPattern  []channel.Signal
	BackwardPattern []channel.Signal
	StopPattern     []channel.Signal

	// EncoderB is nil for a single channel encoder.
	EncoderA                 channel.BinaryConfig
	EncoderB                 *channel.BinaryConfig
	EncoderResolution        int
	EncoderSamplingFrequency float64

	MinDutyCycle float64
	MaxSpeed     float64
	Kp, Ki, Kd   float64
	Period       time.Duration
}

// Build configures every channel of s on backend and returns the assembled
// motor. Direction channels are forced to OUTPUT and encoder channels to
// EVENT_DETECT. On error, channels configured so far are released.
func Build(backend channel.Backend, s Wiring) (*Motor, error) {
	if s.PWMFrequency == 0 {
		s.PWMFrequency = DefaultPWMFrequency
	}
	if s.EncoderSamplingFrequency == 0 {
		s.EncoderSamplingFrequency = DefaultEncoderSamplingFrequency
	}
	if s.Period == 0 {
		s.Period = DefaultPeriod
	}

	var owned []interface{ Release() }
	fail := func(err error) (*Motor, error) {
		for _, h := range owned {
			h.Release()
		}
		return nil, fmt.Errorf("motor %s: %w", s.Name, err)
	}

	source := s.PWMSource
	if source == nil {
		source = backend
	}
	pwm, err := source.ConfigurePWM(s.PWM)
	if err != nil {
		return fail(err)
	}
	owned = append(owned, pwm)

	var dirs []*channel.Handle[channel.BinaryChannel]
	for _, dc := range s.Direction {
		dc.Mode = channel.ModeOutput
		h, err := backend.ConfigureBinary(dc)
		if err != nil {
			return fail(err)
		}
		owned = append(owned, h)
		dirs = append(dirs, h)
	}

	a, err := backend.ConfigureBinary(edgeConfig(s.EncoderA))
	if err != nil {
		return fail(err)
	}
	owned = append(owned, a)
	var b *channel.Handle[channel.BinaryChannel]
	if s.EncoderB != nil {
		if b, err = backend.ConfigureBinary(edgeConfig(*s.EncoderB)); err != nil {
			return fail(err)
		}
		owned = append(owned, b)
	}

	enc, err := encoder.New(encoder.Config{A: a, B: b, Resolution: s.EncoderResolution})
	if err != nil {
		return fail(err)
	}

	m, err := New(Config{
		Name:                     s.Name,
		PWM:                      pwm,
		PWMFrequency:             s.PWMFrequency,
		Direction:                dirs,
		ForwardPattern:           s.ForwardPattern,
		BackwardPattern:          s.BackwardPattern,
		StopPattern:              s.StopPattern,
		Encoder:                  enc,
		EncoderSamplingFrequency: s.EncoderSamplingFrequency,
		MinDutyCycle:             s.MinDutyCycle,
		MaxSpeed:                 s.MaxSpeed,
		Kp:                       s.Kp,
		Ki:                       s.Ki,
		Kd:                       s.Kd,
		Period:                   s.Period,
	})
	if err != nil {
		enc.Close()
		return fail(err)
	}
	return m, nil
}

func edgeConfig(c channel.BinaryConfig) channel.BinaryConfig {
	c.Mode = channel.ModeEventDetect
	if c.Event == channel.EventNone {
		c.Event = channel.EventBothEdges
	}
	return c
}
