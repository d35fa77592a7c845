package pca9685

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"

	"github.com/sweeney/motor-controller/internal/channel"
)

// fakeDevice records chip commands as strings.
type fakeDevice struct {
	mu   sync.Mutex
	cmds []string
	freq physic.Frequency
}

func (d *fakeDevice) record(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cmds = append(d.cmds, fmt.Sprintf(format, args...))
}

func (d *fakeDevice) SetPwmFreq(f physic.Frequency) error {
	d.mu.Lock()
	d.freq = f
	d.mu.Unlock()
	d.record("freq")
	return nil
}

func (d *fakeDevice) SetPwm(ch int, on, off gpio.Duty) error {
	d.record("pwm %d %d %d", ch, on, off)
	return nil
}

func (d *fakeDevice) SetFullOn(ch int) error {
	d.record("on %d", ch)
	return nil
}

func (d *fakeDevice) SetFullOff(ch int) error {
	d.record("off %d", ch)
	return nil
}

func (d *fakeDevice) last() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.cmds) == 0 {
		return ""
	}
	return d.cmds[len(d.cmds)-1]
}

func (d *fakeDevice) frequency() physic.Frequency {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.freq
}

func TestDutyCycleMapping(t *testing.T) {
	dev := &fakeDevice{}
	b := NewWithDevice(dev)
	h, err := b.ConfigurePWM(channel.PWMConfig{Pin: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ch, _ := h.Channel()

	tests := []struct {
		ratio float64
		want  string
	}{
		{0, "off 3"},
		{-1, "off 3"},
		{1, "on 3"},
		{5, "on 3"},
		{0.5, "pwm 3 0 2048"},
	}
	for _, tt := range tests {
		if err := ch.SetDutyCycle(tt.ratio); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := dev.last(); got != tt.want {
			t.Errorf("SetDutyCycle(%v): got %q, want %q", tt.ratio, got, tt.want)
		}
	}
}

func TestPulseWindow(t *testing.T) {
	dev := &fakeDevice{}
	b := NewWithDevice(dev)
	h, _ := b.ConfigurePWM(channel.PWMConfig{Pin: 0})
	ch, _ := h.Channel()

	if err := ch.SetPulseWindow(1024, 3072); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := dev.last(); got != "pwm 0 1024 3072" {
		t.Errorf("got %q", got)
	}
	if err := ch.SetPulseWindow(100, 100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := dev.last(); got != "off 0" {
		t.Errorf("empty window: got %q, want full off", got)
	}
	if err := ch.SetPulseWindow(0, 5000); err == nil {
		t.Error("expected error for window beyond range")
	}
	if ch.MaxValue() != Steps {
		t.Errorf("MaxValue: got %v, want %v", ch.MaxValue(), Steps)
	}
}

func TestSharedFrequency(t *testing.T) {
	dev := &fakeDevice{}
	b := NewWithDevice(dev)
	h0, _ := b.ConfigurePWM(channel.PWMConfig{Pin: 0})
	h1, _ := b.ConfigurePWM(channel.PWMConfig{Pin: 1})
	if err := b.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dev.frequency() != 1000*physic.Hertz {
		t.Errorf("start frequency: got %v, want 1kHz", dev.frequency())
	}

	ch0, _ := h0.Channel()
	ch1, _ := h1.Channel()
	ch0.SetFrequency(50)
	if b.Frequency() != 50 {
		t.Errorf("shared frequency: got %v, want 50", b.Frequency())
	}
	if dev.frequency() != 50*physic.Hertz {
		t.Errorf("chip frequency: got %v, want 50Hz", dev.frequency())
	}

	// Clamped to the chip limit.
	ch1.SetFrequency(10000)
	if b.Frequency() != MaxFrequency {
		t.Errorf("clamped frequency: got %v, want %v", b.Frequency(), MaxFrequency)
	}
}

func TestFrequencyAppliedOnStart(t *testing.T) {
	dev := &fakeDevice{}
	b := NewWithDevice(dev)
	h, _ := b.ConfigurePWM(channel.PWMConfig{Pin: 0})
	ch, _ := h.Channel()

	ch.SetFrequency(200)
	if dev.frequency() != 0 {
		t.Error("frequency should not reach the chip before start")
	}
	b.Start()
	if dev.frequency() != 200*physic.Hertz {
		t.Errorf("chip frequency: got %v, want 200Hz", dev.frequency())
	}
}

func TestChannelRange(t *testing.T) {
	b := NewWithDevice(&fakeDevice{})
	_, err := b.ConfigurePWM(channel.PWMConfig{Pin: 16})

	var cfgErr *channel.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected ConfigError, got %v", err)
	}
}

func TestBinaryUnsupported(t *testing.T) {
	b := NewWithDevice(&fakeDevice{})
	_, err := b.ConfigureBinary(channel.BinaryConfig{Pin: 1, Mode: channel.ModeOutput})
	if !errors.Is(err, channel.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}

func TestStopAndClose(t *testing.T) {
	dev := &fakeDevice{}
	b := NewWithDevice(dev)
	h, _ := b.ConfigurePWM(channel.PWMConfig{Pin: 7})
	b.Start()
	ch, _ := h.Channel()
	ch.SetDutyCycle(0.8)

	if err := b.Stop(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := dev.last(); got != "off 7" {
		t.Errorf("after stop: got %q, want off 7", got)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ch.SetDutyCycle(0.5); !errors.Is(err, channel.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	h.Release()
}
