// Package mqtt carries speed setpoints from an MQTT broker to the motors and
// publishes lifecycle events, with abstraction for testing.
package mqtt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const setpointSuffix = "/speed/set"

// SetpointTopic returns the topic a motor's target speed is read from.
func SetpointTopic(prefix, motor string) string {
	return prefix + "/" + motor + setpointSuffix
}

// SystemTopic returns the topic lifecycle events are published on.
func SystemTopic(prefix string) string {
	return prefix + "/system"
}

// MotorFromTopic extracts the motor name from a setpoint topic.
func MotorFromTopic(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return "", false
	}
	name, ok := strings.CutSuffix(rest, setpointSuffix)
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// Client subscribes to setpoints and publishes lifecycle events.
type Client interface {
	// Subscribe delivers setpoints for the named motors to handler. The
	// handler runs on the client's goroutine and must not block.
	Subscribe(motors []string, handler func(Setpoint)) error

	// PublishSystem sends a system lifecycle event to the broker.
	// Returns error if publishing fails (should not crash the process).
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// Setpoint is a target speed for one motor, in revolutions per second.
type Setpoint struct {
	Motor string
	Speed float64
}

type setpointPayload struct {
	Speed *float64 `json:"speed"`
}

// ParseSetpoint accepts either a bare number ("2.5") or a JSON object
// ({"speed": 2.5}).
func ParseSetpoint(payload []byte) (float64, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return 0, fmt.Errorf("empty setpoint")
	}

	var speed float64
	if trimmed[0] == '{' {
		var p setpointPayload
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return 0, fmt.Errorf("decode setpoint: %w", err)
		}
		if p.Speed == nil {
			return 0, fmt.Errorf("setpoint has no speed")
		}
		speed = *p.Speed
	} else {
		v, err := strconv.ParseFloat(string(trimmed), 64)
		if err != nil {
			return 0, fmt.Errorf("decode setpoint: %w", err)
		}
		speed = v
	}
	if math.IsNaN(speed) || math.IsInf(speed, 0) {
		return 0, fmt.Errorf("setpoint %v is not finite", speed)
	}
	return speed, nil
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown).
type SystemEvent struct {
	Timestamp time.Time
	Event     string   // e.g., "STARTUP", "SHUTDOWN"
	Reason    string   // e.g., "SIGTERM", "SIGINT" (shutdown only)
	Motors    []string // motors under control (startup only)
	Retained  bool     // Whether the message should be retained by the broker
}

// SystemPayload represents the MQTT message payload for system events.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string   `json:"timestamp"`
	Event     string   `json:"event"`
	Reason    string   `json:"reason,omitempty"`
	Motors    []string `json:"motors,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
			Motors:    event.Motors,
		},
	}
	return json.Marshal(payload)
}
