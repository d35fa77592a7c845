// Package motor implements closed loop speed control of a DC motor driven by
// one PWM channel and a set of direction pins, with speed feedback from an
// encoder.
package motor

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/motor-controller/internal/channel"
	"github.com/sweeney/motor-controller/internal/encoder"
)

// Sensor provides the speed feedback. *encoder.Encoder implements it.
type Sensor interface {
	Start(frequency float64) error
	Stop() error
	Close() error

	// Speed is unsigned, in revolutions per second.
	Speed() float64
	Direction() encoder.Direction

	// Err reports a failure that ended the sensor's worker.
	Err() error
}

// Config describes one motor. The pattern slices give the level of each
// direction channel, in order, for each heading.
type Config struct {
	Name string

	PWM          *channel.Handle[channel.PWMChannel]
	PWMFrequency float64

	Direction       []*channel.Handle[channel.BinaryChannel]
	ForwardPattern  []channel.Signal
	BackwardPattern []channel.Signal
	StopPattern     []channel.Signal

	Encoder                  Sensor
	EncoderSamplingFrequency float64

	// MinDutyCycle is the duty at which the motor starts turning. MaxSpeed
	// is the speed reached at full duty.
	MinDutyCycle float64
	MaxSpeed     float64

	Kp, Ki, Kd float64

	// Period is the control loop period.
	Period time.Duration
}

func (c *Config) validate() error {
	if !c.PWM.Valid() {
		return &channel.ConfigError{Field: "pwm channel", Reason: "required"}
	}
	if c.Encoder == nil {
		return &channel.ConfigError{Field: "encoder", Reason: "required"}
	}
	n := len(c.Direction)
	for name, p := range map[string][]channel.Signal{
		"forward pattern":  c.ForwardPattern,
		"backward pattern": c.BackwardPattern,
		"stop pattern":     c.StopPattern,
	} {
		if len(p) != n {
			return &channel.ConfigError{Field: name, Reason: fmt.Sprintf("has %d levels for %d direction channels", len(p), n)}
		}
	}
	for i, h := range c.Direction {
		ch, err := h.Channel()
		if err != nil {
			return &channel.ConfigError{Field: fmt.Sprintf("direction channel %d", i), Reason: err.Error()}
		}
		if ch.Mode() != channel.ModeOutput {
			return &channel.ConfigError{Field: fmt.Sprintf("direction channel %d", i), Reason: fmt.Sprintf("mode is %v, want OUTPUT", ch.Mode())}
		}
	}
	switch {
	case !(c.PWMFrequency > 0):
		return &channel.ConfigError{Field: "pwm frequency", Reason: "must be positive"}
	case !(c.EncoderSamplingFrequency > 0):
		return &channel.ConfigError{Field: "encoder sampling frequency", Reason: "must be positive"}
	case !(c.MaxSpeed > 0):
		return &channel.ConfigError{Field: "max speed", Reason: "must be positive"}
	case c.MinDutyCycle < 0 || c.MinDutyCycle >= 1:
		return &channel.ConfigError{Field: "min duty cycle", Reason: "must be in [0, 1)"}
	case c.Period <= 0:
		return &channel.ConfigError{Field: "period", Reason: "must be positive"}
	}
	return nil
}

type heading int

const (
	headingStopped heading = iota
	headingForward
	headingBackward
)

func (h heading) String() string {
	switch h {
	case headingForward:
		return "forward"
	case headingBackward:
		return "backward"
	}
	return "stopped"
}

// Motor runs the control loop. SetSpeed may be called from any goroutine.
type Motor struct {
	name      string
	pwmHandle *channel.Handle[channel.PWMChannel]
	dirHandle []*channel.Handle[channel.BinaryChannel]
	pwm       channel.PWMChannel
	dirs      []channel.BinaryChannel
	patterns  map[heading][]channel.Signal
	encoder   Sensor
	cfg       Config

	mu       sync.Mutex
	pid      pid
	target   float64
	duty     float64
	lastSign float64
	heading  heading
	err      error

	// lifecycle serializes Start, Stop and Close.
	lifecycle sync.Mutex
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// New validates cfg and takes ownership of its handles and encoder.
func New(cfg Config) (*Motor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "motor"
	}

	m := &Motor{
		name:     cfg.Name,
		encoder:  cfg.Encoder,
		cfg:      cfg,
		pid:      pid{kp: cfg.Kp, ki: cfg.Ki, kd: cfg.Kd},
		lastSign: 1,
		patterns: map[heading][]channel.Signal{
			headingForward:  append([]channel.Signal(nil), cfg.ForwardPattern...),
			headingBackward: append([]channel.Signal(nil), cfg.BackwardPattern...),
			headingStopped:  append([]channel.Signal(nil), cfg.StopPattern...),
		},
	}

	m.pwmHandle = cfg.PWM.Transfer()
	m.pwm, _ = m.pwmHandle.Channel()
	for _, h := range cfg.Direction {
		moved := h.Transfer()
		ch, _ := moved.Channel()
		m.dirHandle = append(m.dirHandle, moved)
		m.dirs = append(m.dirs, ch)
	}
	return m, nil
}

// Name returns the configured motor name.
func (m *Motor) Name() string { return m.name }

// Start sets the PWM frequency, commands the forward pattern, starts the
// encoder and spawns the control loop. Starting a running motor is a no-op.
func (m *Motor) Start() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.cancel != nil {
		return nil
	}

	if err := m.pwm.SetFrequency(m.cfg.PWMFrequency); err != nil {
		return fmt.Errorf("motor %s: set pwm frequency: %w", m.name, err)
	}
	if err := m.apply(headingForward); err != nil {
		return fmt.Errorf("motor %s: %w", m.name, err)
	}
	if err := m.encoder.Start(m.cfg.EncoderSamplingFrequency); err != nil {
		return fmt.Errorf("motor %s: start encoder: %w", m.name, err)
	}

	m.mu.Lock()
	m.pid.reset()
	m.duty = 0
	m.err = nil
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := m.run(ctx)
		if err != nil {
			m.mu.Lock()
			m.err = err
			m.mu.Unlock()
			log.Printf("motor: %s: control loop stopped: %v", m.name, err)
			if !m.pwm.IsClosed() {
				if derr := m.pwm.SetDutyCycle(0); derr != nil {
					log.Printf("motor: %s: set duty cycle: %v", m.name, derr)
				}
			}
		}
		return err
	})
	m.cancel = cancel
	m.group = g
	log.Printf("motor: %s: started (period %v, kp=%g ki=%g kd=%g)", m.name, m.cfg.Period, m.cfg.Kp, m.cfg.Ki, m.cfg.Kd)
	return nil
}

// run steps the controller once per period. The ticker keeps absolute period
// boundaries so a slow step does not shift the following ones.
func (m *Motor) run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Period)
	defer ticker.Stop()

	dt := m.cfg.Period.Seconds()
	for {
		if err := m.encoder.Err(); err != nil {
			return fmt.Errorf("encoder: %w", err)
		}
		if err := m.step(dt); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// step runs one controller period of dt seconds.
func (m *Motor) step(dt float64) error {
	current := m.Speed()

	m.mu.Lock()
	output := m.pid.update(m.target-current, dt)
	duty := dutyFor(output, m.cfg.MinDutyCycle, m.cfg.MaxSpeed)
	m.duty = duty
	switchTo := m.steer(duty, current)
	m.mu.Unlock()

	if switchTo != m.currentHeading() {
		if err := m.apply(switchTo); err != nil {
			return err
		}
	}
	if err := m.pwm.SetDutyCycle(math.Abs(duty)); err != nil {
		return fmt.Errorf("set duty cycle: %w", err)
	}
	return nil
}

// steer returns the heading to command for duty given the measured speed.
// The pattern flips only when the duty sign disagrees with the direction the
// shaft is actually turning. A shaft at rest disagrees with nothing. Must be
// called with m.mu held.
func (m *Motor) steer(duty, measured float64) heading {
	if duty == 0 {
		return m.heading
	}
	want := headingForward
	if duty < 0 {
		want = headingBackward
	}
	if want == m.heading {
		return m.heading
	}
	if measured != 0 && math.Signbit(measured) != math.Signbit(duty) {
		return want
	}
	return m.heading
}

func (m *Motor) currentHeading() heading {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heading
}

// apply drives the direction channels to the pattern of h.
func (m *Motor) apply(h heading) error {
	pattern := m.patterns[h]
	var err error
	for i, ch := range m.dirs {
		if serr := ch.Set(pattern[i]); serr != nil {
			err = multierr.Append(err, fmt.Errorf("direction channel %d: %w", i, serr))
		}
	}
	if err != nil {
		return fmt.Errorf("set %s pattern: %w", h, err)
	}
	m.mu.Lock()
	m.heading = h
	m.mu.Unlock()
	return nil
}

// SetSpeed sets the target speed in revolutions per second. Negative values
// turn backward.
func (m *Motor) SetSpeed(target float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.target = target
}

// Target returns the target speed.
func (m *Motor) Target() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// Duty returns the signed duty cycle computed in the last period, before
// clamping.
func (m *Motor) Duty() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duty
}

// Speed returns the measured speed, negative when turning backward. While the
// encoder reports an invalid transition the last known sign is kept.
func (m *Motor) Speed() float64 {
	speed := m.encoder.Speed()
	dir := m.encoder.Direction()

	m.mu.Lock()
	defer m.mu.Unlock()
	switch dir {
	case encoder.Forward:
		m.lastSign = 1
	case encoder.Backward:
		m.lastSign = -1
	}
	return m.lastSign * speed
}

// Err returns the error that ended the control loop, or nil.
func (m *Motor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Running reports whether the control loop was started and not stopped.
func (m *Motor) Running() bool {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.cancel != nil
}

// Stop joins the control loop, then commands duty 0 and the stop pattern and
// stops the encoder. It returns the error that ended the loop, if any.
// Stopping a stopped motor is a no-op.
func (m *Motor) Stop() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.stop()
}

func (m *Motor) stop() error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	err := m.group.Wait()
	m.cancel = nil
	m.group = nil

	if !m.pwm.IsClosed() {
		if derr := m.pwm.SetDutyCycle(0); derr != nil {
			err = multierr.Append(err, fmt.Errorf("motor %s: set duty cycle: %w", m.name, derr))
		}
	}
	if !m.anyDirectionClosed() {
		if perr := m.apply(headingStopped); perr != nil {
			err = multierr.Append(err, fmt.Errorf("motor %s: %w", m.name, perr))
		}
	}
	if eerr := m.encoder.Stop(); eerr != nil {
		err = multierr.Append(err, fmt.Errorf("motor %s: stop encoder: %w", m.name, eerr))
	}

	m.mu.Lock()
	m.pid.reset()
	m.duty = 0
	m.mu.Unlock()
	log.Printf("motor: %s: stopped", m.name)
	return err
}

func (m *Motor) anyDirectionClosed() bool {
	for _, ch := range m.dirs {
		if ch.IsClosed() {
			return true
		}
	}
	return false
}

// Close stops the motor and releases every channel it owns, encoder
// included.
func (m *Motor) Close() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	err := m.stop()
	err = multierr.Append(err, m.encoder.Close())
	m.pwmHandle.Release()
	for _, h := range m.dirHandle {
		h.Release()
	}
	return err
}
