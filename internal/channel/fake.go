package channel

import (
	"fmt"
	"sync"
)

// FakeBinary is an in-memory BinaryChannel for tests and simulation.
type FakeBinary struct {
	mu          sync.Mutex
	mode        Mode
	event       EventDetectType
	level       Signal
	closed      bool
	history     []Signal
	initialized int
	edges       *EdgeQueue

	// SetError, if set, will be returned by Set.
	SetError error
}

// NewFakeBinary creates a fake channel in the given mode.
func NewFakeBinary(mode Mode, event EventDetectType) *FakeBinary {
	return &FakeBinary{
		mode:  mode,
		event: event,
		edges: NewEdgeQueue("fake"),
	}
}

func (f *FakeBinary) Mode() Mode { return f.mode }

// Set records value if the channel is an open OUTPUT.
func (f *FakeBinary) Set(value Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.mode != ModeOutput {
		return ModeError("set", f.mode)
	}
	if f.SetError != nil {
		return f.SetError
	}
	f.level = value
	f.history = append(f.history, value)
	return nil
}

// Get returns the current level.
func (f *FakeBinary) Get() (Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return Low, ErrClosed
	}
	return f.level, nil
}

func (f *FakeBinary) WaitForEdge() <-chan Edge {
	if f.mode != ModeEventDetect {
		ch := make(chan Edge, 1)
		ch <- Edge{Err: ModeError("wait for edge", f.mode)}
		return ch
	}
	return f.edges.Wait()
}

func (f *FakeBinary) OnEdge(callback func(Signal)) error {
	if f.IsClosed() {
		return ErrClosed
	}
	if f.mode != ModeEventDetect {
		return ModeError("subscribe", f.mode)
	}
	return f.edges.Subscribe(callback)
}

func (f *FakeBinary) Cancel() { f.edges.Cancel() }

// Close marks the channel closed and fails outstanding waits.
func (f *FakeBinary) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.edges.Close()
	return nil
}

func (f *FakeBinary) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Initialize counts backend start calls.
func (f *FakeBinary) Initialize() error {
	f.mu.Lock()
	f.initialized++
	f.mu.Unlock()
	return nil
}

// Edge simulates the line transitioning to level. The edge is reported when
// it passes the channel's event filter.
func (f *FakeBinary) Edge(level Signal) {
	f.mu.Lock()
	f.level = level
	closed := f.closed
	f.mu.Unlock()
	if closed || f.mode != ModeEventDetect || !f.event.Accepts(level) {
		return
	}
	f.edges.Publish(level)
}

// FailWaits completes outstanding edge waits with err, simulating a
// hardware failure.
func (f *FakeBinary) FailWaits(err error) { f.edges.Fail(err) }

// Waiting returns the number of armed edge waits.
func (f *FakeBinary) Waiting() int { return f.edges.Waiting() }

// History returns every value written with Set.
func (f *FakeBinary) History() []Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Signal, len(f.history))
	copy(out, f.history)
	return out
}

// Level returns the current level without the closed check.
func (f *FakeBinary) Level() Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.level
}

// Initialized returns how many times Initialize was called.
func (f *FakeBinary) Initialized() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized
}

// FakePWM is an in-memory PWMChannel recording every command.
type FakePWM struct {
	mu          sync.Mutex
	closed      bool
	frequency   float64
	duties      []float64
	window      [2]float64
	initialized int
	maxValue    float64

	// PulseWindowUnsupported makes SetPulseWindow fail with ErrUnsupported.
	PulseWindowUnsupported bool
}

// NewFakePWM creates a fake PWM channel with the given device range.
func NewFakePWM(maxValue float64) *FakePWM {
	if maxValue <= 0 {
		maxValue = 1
	}
	return &FakePWM{maxValue: maxValue}
}

func (f *FakePWM) SetFrequency(hz float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if hz <= 0 {
		return fmt.Errorf("pwm frequency %v: must be positive", hz)
	}
	f.frequency = hz
	return nil
}

func (f *FakePWM) SetDutyCycle(ratio float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	ratio = ClampDuty(ratio)
	f.duties = append(f.duties, ratio)
	f.window = [2]float64{0, ratio * f.maxValue}
	return nil
}

func (f *FakePWM) SetPulseWindow(start, end float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.PulseWindowUnsupported {
		return ErrUnsupported
	}
	f.window = [2]float64{start, end}
	return nil
}

func (f *FakePWM) MinValue() float64 { return 0 }

func (f *FakePWM) MaxValue() float64 { return f.maxValue }

func (f *FakePWM) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *FakePWM) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakePWM) Initialize() error {
	f.mu.Lock()
	f.initialized++
	f.mu.Unlock()
	return nil
}

// Frequency returns the last frequency set.
func (f *FakePWM) Frequency() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frequency
}

// Duties returns every duty cycle set, after clamping.
func (f *FakePWM) Duties() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]float64, len(f.duties))
	copy(out, f.duties)
	return out
}

// Duty returns the last duty cycle set, or 0.
func (f *FakePWM) Duty() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.duties) == 0 {
		return 0
	}
	return f.duties[len(f.duties)-1]
}

// Window returns the current pulse window.
func (f *FakePWM) Window() (start, end float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.window[0], f.window[1]
}

// Initialized returns how many times Initialize was called.
func (f *FakePWM) Initialized() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized
}

// FakeBackend is a Backend creating fake channels indexed by pin.
type FakeBackend struct {
	*Hub

	mu       sync.Mutex
	binaries map[int]*FakeBinary
	pwms     map[int]*FakePWM

	// StartError, if set, will be returned by Start.
	StartError error
}

// NewFakeBackend creates an empty fake backend.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		Hub:      NewHub(),
		binaries: make(map[int]*FakeBinary),
		pwms:     make(map[int]*FakePWM),
	}
}

// ConfigureBinary creates a fake binary channel for cfg.Pin.
func (b *FakeBackend) ConfigureBinary(cfg BinaryConfig) (*Handle[BinaryChannel], error) {
	if cfg.Mode == ModeEventDetect && cfg.Event == EventNone {
		return nil, &ConfigError{Field: fmt.Sprintf("pin %d event", cfg.Pin), Reason: "event detect channel needs an event type"}
	}
	ch := NewFakeBinary(cfg.Mode, cfg.Event)
	h, err := b.AddBinary(fmt.Sprintf("pin%d", cfg.Pin), ch)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.binaries[cfg.Pin] = ch
	b.mu.Unlock()
	return h, nil
}

// ConfigurePWM creates a fake PWM channel for cfg.Pin.
func (b *FakeBackend) ConfigurePWM(cfg PWMConfig) (*Handle[PWMChannel], error) {
	ch := NewFakePWM(float64(cfg.Range))
	h, err := b.AddPWM(fmt.Sprintf("pin%d", cfg.Pin), ch)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.pwms[cfg.Pin] = ch
	b.mu.Unlock()
	return h, nil
}

// Start fails with StartError when set.
func (b *FakeBackend) Start() error {
	if b.StartError != nil {
		return b.StartError
	}
	return b.Hub.Start()
}

// BinaryOn returns the fake created for pin, or nil.
func (b *FakeBackend) BinaryOn(pin int) *FakeBinary {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.binaries[pin]
}

// PWMOn returns the fake PWM created for pin, or nil.
func (b *FakeBackend) PWMOn(pin int) *FakePWM {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pwms[pin]
}
