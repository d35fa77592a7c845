// Package channel defines the hardware capabilities the motor core consumes.
// Backends (gpiocdev, periph.io, PCA9685, fakes) implement BinaryChannel and
// PWMChannel. Channels are handed out through Handles owned by exactly one
// consumer and tracked by a Registry so that teardown happens exactly once.
package channel

import (
	"fmt"
	"strings"
)

// Signal is a two-valued logic level.
type Signal bool

const (
	Low  Signal = false
	High Signal = true
)

func (s Signal) String() string {
	if s {
		return "HIGH"
	}
	return "LOW"
}

// UnmarshalText accepts high/low, 1/0, on/off (case-insensitive).
func (s *Signal) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "high", "1", "on", "true":
		*s = High
	case "low", "0", "off", "false":
		*s = Low
	default:
		return fmt.Errorf("invalid signal %q", text)
	}
	return nil
}

// MarshalText renders the signal as "high" or "low".
func (s Signal) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(s.String())), nil
}

// Mode is fixed when a binary channel is configured.
type Mode int

const (
	ModeInput Mode = iota
	ModeOutput
	ModeEventDetect
)

func (m Mode) String() string {
	switch m {
	case ModeInput:
		return "INPUT"
	case ModeOutput:
		return "OUTPUT"
	case ModeEventDetect:
		return "EVENT_DETECT"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// UnmarshalText parses input, output or event_detect.
func (m *Mode) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "input", "in":
		*m = ModeInput
	case "output", "out":
		*m = ModeOutput
	case "event_detect", "event", "edge":
		*m = ModeEventDetect
	default:
		return fmt.Errorf("invalid channel mode %q", text)
	}
	return nil
}

// EventDetectType selects which transitions an EVENT_DETECT channel reports.
type EventDetectType int

const (
	EventNone EventDetectType = iota
	EventHigh
	EventLow
	EventRisingEdge
	EventFallingEdge
	EventBothEdges
)

func (e EventDetectType) String() string {
	switch e {
	case EventNone:
		return "NONE"
	case EventHigh:
		return "HIGH"
	case EventLow:
		return "LOW"
	case EventRisingEdge:
		return "RISING_EDGE"
	case EventFallingEdge:
		return "FALLING_EDGE"
	case EventBothEdges:
		return "BOTH_EDGES"
	}
	return fmt.Sprintf("EventDetectType(%d)", int(e))
}

// UnmarshalText parses the lower-case names used in rig files.
func (e *EventDetectType) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "none":
		*e = EventNone
	case "high":
		*e = EventHigh
	case "low":
		*e = EventLow
	case "rising", "rising_edge":
		*e = EventRisingEdge
	case "falling", "falling_edge":
		*e = EventFallingEdge
	case "both", "both_edges":
		*e = EventBothEdges
	default:
		return fmt.Errorf("invalid event detect type %q", text)
	}
	return nil
}

// Accepts reports whether a transition to level passes the filter.
func (e EventDetectType) Accepts(level Signal) bool {
	switch e {
	case EventHigh, EventRisingEdge:
		return level == High
	case EventLow, EventFallingEdge:
		return level == Low
	case EventBothEdges:
		return true
	}
	return false
}

// Channel is the part shared by every channel kind.
type Channel interface {
	// Close releases the underlying hardware. It is idempotent.
	Close() error

	// IsClosed reports whether the channel was closed, either by its owner
	// or by the backend being torn down.
	IsClosed() bool
}

// Initializer is implemented by channels that need hardware setup once their
// backend has started.
type Initializer interface {
	Initialize() error
}

// Edge is the outcome of one edge wait.
type Edge struct {
	Level Signal
	Err   error
}

// BinaryChannel is a two-valued signal line.
type BinaryChannel interface {
	Channel

	Mode() Mode

	// Set drives an OUTPUT channel.
	Set(value Signal) error

	// Get reads the current level.
	Get() (Signal, error)

	// WaitForEdge arms a one-shot wait for the next edge. The returned channel
	// receives exactly one Edge. Only valid in ModeEventDetect.
	WaitForEdge() <-chan Edge

	// OnEdge installs a standing subscription, replacing any previous one.
	// The callback runs on a dedicated goroutine.
	OnEdge(callback func(Signal)) error

	// Cancel completes outstanding waits with ErrCanceled and stops the
	// subscription worker.
	Cancel()
}

// PWMChannel is a pulse width modulated output.
type PWMChannel interface {
	Channel

	SetFrequency(hz float64) error

	// SetDutyCycle sets the ON fraction of the period. Values outside [0,1]
	// are clamped.
	SetDutyCycle(ratio float64) error

	// SetPulseWindow sets where the ON pulse starts and ends within the
	// period, in device units between MinValue and MaxValue.
	SetPulseWindow(start, end float64) error

	MinValue() float64
	MaxValue() float64
}

// Pull selects the input bias.
type Pull int

const (
	PullNone Pull = iota
	PullUp
	PullDown
)

// UnmarshalText parses up, down or none.
func (p *Pull) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "none", "float":
		*p = PullNone
	case "up":
		*p = PullUp
	case "down":
		*p = PullDown
	default:
		return fmt.Errorf("invalid pull %q", text)
	}
	return nil
}

// BinaryConfig is the hardware-agnostic description of a binary channel.
type BinaryConfig struct {
	Pin   int             `yaml:"pin"`
	Mode  Mode            `yaml:"mode"`
	Event EventDetectType `yaml:"event"`
	Pull  Pull            `yaml:"pull"`
}

// PWMConfig is the hardware-agnostic description of a PWM channel. Range is
// the number of device steps in one period; zero lets the backend choose.
type PWMConfig struct {
	Pin   int `yaml:"pin"`
	Range int `yaml:"range"`
}

// Backend creates channels for one chip and owns their lifecycle.
type Backend interface {
	ConfigureBinary(cfg BinaryConfig) (*Handle[BinaryChannel], error)
	ConfigurePWM(cfg PWMConfig) (*Handle[PWMChannel], error)

	// Start opens communication and initializes every configured channel.
	Start() error

	// Stop commands neutral outputs and cancels edge detection.
	Stop() error

	// Close stops the backend and force-closes every channel still live.
	Close() error
}

// ClampDuty limits ratio to [0,1].
func ClampDuty(ratio float64) float64 {
	if ratio < 0 || ratio != ratio {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}
