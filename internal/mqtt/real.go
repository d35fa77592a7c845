package mqtt

import (
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/oklog/ulid/v2"
)

// RealClient talks to an actual MQTT broker.
type RealClient struct {
	client paho.Client
	prefix string

	mu      sync.Mutex
	motors  []string
	handler func(Setpoint)
}

// NewRealClient creates a client connected to the given broker. Topics are
// rooted at prefix.
func NewRealClient(broker, prefix string) (*RealClient, error) {
	c := &RealClient{prefix: prefix}

	will, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
	})
	if err != nil {
		return nil, fmt.Errorf("format will payload: %w", err)
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID(time.Now())).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(SystemTopic(prefix), string(will), 1, true).
		SetOnConnectHandler(func(paho.Client) { c.resubscribe() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Printf("mqtt: connection lost: %v", err)
		})

	c.client = paho.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return c, nil
}

// clientID returns a per-process client id. The broker drops an older session
// that shares an id.
func clientID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return "motor-controller-" + ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Subscribe subscribes to the setpoint topic of every motor. Subscriptions
// are renewed after a reconnect.
func (c *RealClient) Subscribe(motors []string, handler func(Setpoint)) error {
	c.mu.Lock()
	c.motors = append([]string(nil), motors...)
	c.handler = handler
	c.mu.Unlock()
	return c.subscribe(motors)
}

func (c *RealClient) resubscribe() {
	c.mu.Lock()
	motors := c.motors
	c.mu.Unlock()
	if len(motors) == 0 {
		return
	}
	if err := c.subscribe(motors); err != nil {
		log.Printf("mqtt: resubscribe: %v", err)
	}
}

func (c *RealClient) subscribe(motors []string) error {
	filters := make(map[string]byte, len(motors))
	for _, m := range motors {
		filters[SetpointTopic(c.prefix, m)] = 1
	}
	token := c.client.SubscribeMultiple(filters, c.onMessage)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func (c *RealClient) onMessage(_ paho.Client, msg paho.Message) {
	motor, ok := MotorFromTopic(c.prefix, msg.Topic())
	if !ok {
		log.Printf("mqtt: ignoring message on %s", msg.Topic())
		return
	}
	speed, err := ParseSetpoint(msg.Payload())
	if err != nil {
		log.Printf("mqtt: %s: %v", motor, err)
		return
	}

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(Setpoint{Motor: motor, Speed: speed})
	}
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (c *RealClient) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}

	// QoS 1 (at-least-once) for lifecycle events - we want to ensure delivery
	token := c.client.Publish(SystemTopic(c.prefix), 1, event.Retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish system timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish system: %w", err)
	}
	return nil
}

// IsConnected reports whether the broker connection is up.
func (c *RealClient) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (c *RealClient) Close() error {
	c.client.Disconnect(1000) // 1 second timeout
	return nil
}
