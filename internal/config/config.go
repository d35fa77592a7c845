// Package config loads the rig description: which backends to open, which
// motors to build on them and how to reach the MQTT broker.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/caarlos0/env/v11"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/motor-controller/internal/channel"
)

// SupportedVersions is the constraint a config file's version must satisfy.
const SupportedVersions = "^1"

// Backend types.
const (
	TypeGPIOCDev = "gpiocdev"
	TypePeriph   = "periph"
	TypePCA9685  = "pca9685"
	TypeFake     = "fake"
)

// Defaults.
const (
	DefaultBroker      = "tcp://localhost:1883"
	DefaultTopicPrefix = "motors"
	DefaultRateLimit   = 20.0
	DefaultBurst       = 5
)

// Config is the root of a rig file.
type Config struct {
	Version  string    `yaml:"version"`
	Backends []Backend `yaml:"backends"`
	Motors   []Motor   `yaml:"motors"`
	MQTT     MQTT      `yaml:"mqtt"`
}

// Backend selects one chip driver.
type Backend struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	// Chip is the gpiochip for gpiocdev backends.
	Chip string `yaml:"chip"`

	// Bus and Address locate a pca9685 on I2C. An empty bus picks the first.
	Bus     string `yaml:"bus"`
	Address uint16 `yaml:"address"`
}

// Motor describes one motor. PWMBackend, when set, names the backend the PWM
// channel lives on; the other channels use Backend.
type Motor struct {
	Name         string            `yaml:"name"`
	Backend      string            `yaml:"backend"`
	PWMBackend   string            `yaml:"pwm_backend"`
	PWM          channel.PWMConfig `yaml:"pwm"`
	PWMFrequency float64           `yaml:"pwm_frequency"`

	Direction []channel.BinaryConfig `yaml:"direction"`
	Patterns  Patterns               `yaml:"patterns"`
	Encoder   Encoder                `yaml:"encoder"`

	MinDutyCycle float64       `yaml:"min_duty_cycle"`
	MaxSpeed     float64       `yaml:"max_speed"`
	PID          PID           `yaml:"pid"`
	Period       time.Duration `yaml:"period"`
}

// Patterns are the direction channel levels for each heading.
type Patterns struct {
	Forward  []channel.Signal `yaml:"forward"`
	Backward []channel.Signal `yaml:"backward"`
	Stop     []channel.Signal `yaml:"stop"`
}

// Encoder describes the speed feedback. B is omitted for single channel
// encoders.
type Encoder struct {
	A                 channel.BinaryConfig  `yaml:"a"`
	B                 *channel.BinaryConfig `yaml:"b"`
	Resolution        int                   `yaml:"resolution"`
	SamplingFrequency float64               `yaml:"sampling_frequency"`
}

type PID struct {
	Kp float64 `yaml:"kp"`
	Ki float64 `yaml:"ki"`
	Kd float64 `yaml:"kd"`
}

// MQTT configures the setpoint subscription.
type MQTT struct {
	Broker      string `yaml:"broker" env:"MOTOR_MQTT_BROKER"`
	TopicPrefix string `yaml:"topic_prefix" env:"MOTOR_MQTT_TOPIC_PREFIX"`

	// RateLimit caps accepted setpoints per motor per second.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// Load reads and validates the rig file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a rig file, applies defaults and environment overrides and
// validates the result.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := checkVersion(cfg.Version); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := env.Parse(&cfg.MQTT); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func checkVersion(version string) error {
	if version == "" {
		return &channel.ConfigError{Field: "version", Reason: "required"}
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return &channel.ConfigError{Field: "version", Reason: err.Error()}
	}
	c, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return &channel.ConfigError{Field: "version", Reason: fmt.Sprintf("%s does not satisfy %s", v, SupportedVersions)}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = DefaultBroker
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = DefaultTopicPrefix
	}
	if c.MQTT.RateLimit == 0 {
		c.MQTT.RateLimit = DefaultRateLimit
	}
	if c.MQTT.Burst == 0 {
		c.MQTT.Burst = DefaultBurst
	}
	for i := range c.Backends {
		b := &c.Backends[i]
		if b.Type == TypePCA9685 && b.Address == 0 {
			b.Address = 0x40
		}
	}
}

// Validate reports every problem found, not just the first.
func (c *Config) Validate() error {
	var err error
	invalid := func(field, format string, args ...any) {
		err = multierr.Append(err, &channel.ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	backends := make(map[string]string)
	for i, b := range c.Backends {
		field := fmt.Sprintf("backends[%d]", i)
		if b.Name == "" {
			invalid(field+".name", "required")
			continue
		}
		if _, dup := backends[b.Name]; dup {
			invalid(field+".name", "duplicate backend %q", b.Name)
		}
		switch b.Type {
		case TypeGPIOCDev, TypePeriph, TypePCA9685, TypeFake:
		default:
			invalid(field+".type", "unknown backend type %q", b.Type)
		}
		backends[b.Name] = b.Type
	}

	motors := make(map[string]bool)
	for i, m := range c.Motors {
		field := fmt.Sprintf("motors[%d]", i)
		if m.Name == "" {
			invalid(field+".name", "required")
		} else if motors[m.Name] {
			invalid(field+".name", "duplicate motor %q", m.Name)
		}
		motors[m.Name] = true

		if _, ok := backends[m.Backend]; !ok {
			invalid(field+".backend", "unknown backend %q", m.Backend)
		} else if backends[m.Backend] == TypePCA9685 {
			invalid(field+".backend", "pca9685 has no binary channels; use it as pwm_backend")
		}
		if m.PWMBackend != "" {
			if _, ok := backends[m.PWMBackend]; !ok {
				invalid(field+".pwm_backend", "unknown backend %q", m.PWMBackend)
			}
		}

		n := len(m.Direction)
		for name, p := range map[string][]channel.Signal{
			"forward":  m.Patterns.Forward,
			"backward": m.Patterns.Backward,
			"stop":     m.Patterns.Stop,
		} {
			if len(p) != n {
				invalid(field+".patterns."+name, "has %d levels for %d direction channels", len(p), n)
			}
		}
		if m.Encoder.Resolution <= 0 {
			invalid(field+".encoder.resolution", "must be positive")
		}
		if m.MaxSpeed <= 0 {
			invalid(field+".max_speed", "must be positive")
		}
		if m.MinDutyCycle < 0 || m.MinDutyCycle >= 1 {
			invalid(field+".min_duty_cycle", "must be in [0, 1)")
		}
		if m.Period < 0 {
			invalid(field+".period", "must not be negative")
		}
	}

	if c.MQTT.RateLimit < 0 {
		invalid("mqtt.rate_limit", "must not be negative")
	}
	if c.MQTT.Burst < 0 {
		invalid("mqtt.burst", "must not be negative")
	}
	return err
}

// MotorNames returns the configured motor names in file order.
func (c *Config) MotorNames() []string {
	names := make([]string, 0, len(c.Motors))
	for _, m := range c.Motors {
		names = append(names, m.Name)
	}
	return names
}
