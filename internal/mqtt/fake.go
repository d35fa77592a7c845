package mqtt

import "sync"

// FakeClient records published events and lets tests inject setpoint
// messages.
type FakeClient struct {
	Prefix string

	mu      sync.Mutex
	motors  []string
	handler func(Setpoint)

	// SystemEvents contains all system events that were published.
	SystemEvents []SystemEvent

	// SystemPayloads contains the JSON payloads for system events.
	SystemPayloads [][]byte

	// SubscribeError, if set, will be returned by Subscribe.
	SubscribeError error

	// PublishSystemError, if set, will be returned by PublishSystem.
	PublishSystemError error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakeClient creates a FakeClient rooted at prefix.
func NewFakeClient(prefix string) *FakeClient {
	return &FakeClient{Prefix: prefix}
}

// Subscribe records the motors and handler.
func (f *FakeClient) Subscribe(motors []string, handler func(Setpoint)) error {
	if f.SubscribeError != nil {
		return f.SubscribeError
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.motors = append([]string(nil), motors...)
	f.handler = handler
	return nil
}

// Deliver simulates a message arriving on topic. It reports whether the
// message reached the handler.
func (f *FakeClient) Deliver(topic string, payload []byte) bool {
	f.mu.Lock()
	handler := f.handler
	subscribed := false
	motor, ok := MotorFromTopic(f.Prefix, topic)
	for _, m := range f.motors {
		if ok && m == motor {
			subscribed = true
		}
	}
	f.mu.Unlock()

	if !subscribed || handler == nil {
		return false
	}
	speed, err := ParseSetpoint(payload)
	if err != nil {
		return false
	}
	handler(Setpoint{Motor: motor, Speed: speed})
	return true
}

// Subscribed returns the motors passed to Subscribe.
func (f *FakeClient) Subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.motors...)
}

// PublishSystem records the system event.
func (f *FakeClient) PublishSystem(event SystemEvent) error {
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.SystemEvents = append(f.SystemEvents, event)

	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemPayloads = append(f.SystemPayloads, payload)
	return nil
}

// Close marks the client as closed.
func (f *FakeClient) Close() error {
	f.Closed = true
	return nil
}
