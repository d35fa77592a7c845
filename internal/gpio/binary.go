package gpio

import (
	"fmt"
	"sync"

	"github.com/sweeney/motor-controller/internal/channel"
)

// binary is a BinaryChannel over one requested line. Edge notifications are
// fed in by the line's event handler through onEvent.
type binary struct {
	mu     sync.Mutex
	name   string
	mode   channel.Mode
	event  channel.EventDetectType
	line   line
	edges  *channel.EdgeQueue
	closed bool
}

func newBinary(name string, mode channel.Mode, event channel.EventDetectType) *binary {
	return &binary{
		name:  name,
		mode:  mode,
		event: event,
		edges: channel.NewEdgeQueue(name),
	}
}

func (b *binary) Mode() channel.Mode { return b.mode }

// Initialize drives outputs LOW so the line starts in a known state.
func (b *binary) Initialize() error {
	if b.mode != channel.ModeOutput {
		return nil
	}
	return b.Set(channel.Low)
}

func (b *binary) Set(value channel.Signal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return channel.ErrClosed
	}
	if b.mode != channel.ModeOutput {
		return channel.ModeError("set", b.mode)
	}
	v := 0
	if value == channel.High {
		v = 1
	}
	if err := b.line.SetValue(v); err != nil {
		return fmt.Errorf("set %s: %w", b.name, err)
	}
	return nil
}

func (b *binary) Get() (channel.Signal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return channel.Low, channel.ErrClosed
	}
	v, err := b.line.Value()
	if err != nil {
		return channel.Low, fmt.Errorf("read %s: %w", b.name, err)
	}
	return channel.Signal(v != 0), nil
}

func (b *binary) WaitForEdge() <-chan channel.Edge {
	if b.mode != channel.ModeEventDetect {
		ch := make(chan channel.Edge, 1)
		ch <- channel.Edge{Err: channel.ModeError("wait for edge", b.mode)}
		return ch
	}
	return b.edges.Wait()
}

func (b *binary) OnEdge(callback func(channel.Signal)) error {
	if b.IsClosed() {
		return channel.ErrClosed
	}
	if b.mode != channel.ModeEventDetect {
		return channel.ModeError("subscribe", b.mode)
	}
	return b.edges.Subscribe(callback)
}

func (b *binary) Cancel() { b.edges.Cancel() }

// onEvent runs on the line's event goroutine.
func (b *binary) onEvent(level channel.Signal) {
	if !b.event.Accepts(level) {
		return
	}
	b.edges.Publish(level)
}

func (b *binary) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	l := b.line
	b.mu.Unlock()

	b.edges.Close()
	if l == nil {
		return nil
	}
	if err := l.Close(); err != nil {
		return fmt.Errorf("close %s: %w", b.name, err)
	}
	return nil
}

func (b *binary) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
