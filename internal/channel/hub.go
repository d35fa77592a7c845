package channel

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// Hub holds the two registries of a backend and runs the lifecycle hooks
// shared by every backend. Backends embed a Hub and supply channel creation.
type Hub struct {
	Binary *Registry[BinaryChannel]
	PWM    *Registry[PWMChannel]

	mu      sync.Mutex
	running bool
	closed  bool
}

// NewHub creates a Hub with empty registries.
func NewHub() *Hub {
	return &Hub{
		Binary: NewRegistry[BinaryChannel]("binary channel"),
		PWM:    NewRegistry[PWMChannel]("pwm channel"),
	}
}

// AddBinary registers ch and initializes it if the backend already runs.
func (h *Hub) AddBinary(id string, ch BinaryChannel) (*Handle[BinaryChannel], error) {
	handle, err := h.Binary.Register(id, ch)
	if err != nil {
		return nil, err
	}
	if err := h.initializeIfRunning(ch); err != nil {
		handle.Release()
		return nil, fmt.Errorf("initialize binary channel %s: %w", id, err)
	}
	return handle, nil
}

// AddPWM registers ch and initializes it if the backend already runs.
func (h *Hub) AddPWM(id string, ch PWMChannel) (*Handle[PWMChannel], error) {
	handle, err := h.PWM.Register(id, ch)
	if err != nil {
		return nil, err
	}
	if err := h.initializeIfRunning(ch); err != nil {
		handle.Release()
		return nil, fmt.Errorf("initialize pwm channel %s: %w", id, err)
	}
	return handle, nil
}

func (h *Hub) initializeIfRunning(ch Channel) error {
	h.mu.Lock()
	running := h.running
	h.mu.Unlock()
	if !running {
		return nil
	}
	if init, ok := ch.(Initializer); ok {
		return init.Initialize()
	}
	return nil
}

// Running reports whether Start succeeded and Stop was not called since.
func (h *Hub) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Start initializes every live channel. Calling Start on a running hub is a
// no-op.
func (h *Hub) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrBackendClosed
	}
	if h.running {
		return nil
	}
	for _, ch := range h.PWM.Live() {
		if init, ok := ch.(Initializer); ok {
			if err := init.Initialize(); err != nil {
				return fmt.Errorf("initialize pwm channel: %w", err)
			}
		}
	}
	for _, ch := range h.Binary.Live() {
		if init, ok := ch.(Initializer); ok {
			if err := init.Initialize(); err != nil {
				return fmt.Errorf("initialize binary channel: %w", err)
			}
		}
	}
	h.running = true
	return nil
}

// Stop drives every live output to neutral: PWM duty 0, binary outputs LOW,
// and cancels edge detection. Errors are collected, not short-circuited.
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return nil
	}
	h.running = false

	var err error
	for _, ch := range h.PWM.Live() {
		if ch.IsClosed() {
			continue
		}
		err = multierr.Append(err, ch.SetDutyCycle(0))
	}
	for _, ch := range h.Binary.Live() {
		if ch.IsClosed() {
			continue
		}
		switch ch.Mode() {
		case ModeOutput:
			err = multierr.Append(err, ch.Set(Low))
		case ModeEventDetect:
			ch.Cancel()
		}
	}
	return err
}

// Close stops the hub and force-closes every live channel.
func (h *Hub) Close() error {
	err := h.Stop()

	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	err = multierr.Append(err, h.PWM.CloseAll())
	err = multierr.Append(err, h.Binary.CloseAll())
	return err
}
