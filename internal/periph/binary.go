package periph

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"

	"github.com/sweeney/motor-controller/internal/channel"
)

// edgePoll bounds how long the watcher blocks in WaitForEdge before checking
// for shutdown.
const edgePoll = 50 * time.Millisecond

type binary struct {
	mu     sync.Mutex
	name   string
	pin    gpio.PinIO
	mode   channel.Mode
	event  channel.EventDetectType
	edges  *channel.EdgeQueue
	stop   chan struct{}
	done   chan struct{}
	closed bool
}

func newBinary(name string, pin gpio.PinIO, mode channel.Mode, event channel.EventDetectType) *binary {
	return &binary{
		name:  name,
		pin:   pin,
		mode:  mode,
		event: event,
		edges: channel.NewEdgeQueue(name),
	}
}

func (b *binary) Mode() channel.Mode { return b.mode }

// Initialize drives outputs LOW and starts the edge watcher of event detect
// channels.
func (b *binary) Initialize() error {
	switch b.mode {
	case channel.ModeOutput:
		return b.Set(channel.Low)
	case channel.ModeEventDetect:
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return channel.ErrClosed
		}
		if b.stop != nil {
			return nil
		}
		b.stop = make(chan struct{})
		b.done = make(chan struct{})
		go b.watch(b.stop, b.done)
	}
	return nil
}

// watch turns periph's blocking WaitForEdge into queue notifications.
func (b *binary) watch(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}
		if !b.pin.WaitForEdge(edgePoll) {
			continue
		}
		level := channel.Signal(b.pin.Read() == gpio.High)
		if b.event.Accepts(level) {
			b.edges.Publish(level)
		}
	}
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
	if err := b.pin.Out(gpio.Level(value)); err != nil {
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
	return channel.Signal(b.pin.Read() == gpio.High), nil
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

// Close stops the watcher, halts the pin and leaves it as a floating input.
func (b *binary) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	stop, done := b.stop, b.done
	b.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	b.edges.Close()

	if err := b.pin.Halt(); err != nil {
		return fmt.Errorf("halt %s: %w", b.name, err)
	}
	if err := b.pin.In(gpio.PullDown, gpio.NoEdge); err != nil {
		return fmt.Errorf("release %s: %w", b.name, err)
	}
	return nil
}

func (b *binary) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
