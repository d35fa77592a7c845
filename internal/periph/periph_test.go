package periph

import (
	"errors"
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"

	"github.com/sweeney/motor-controller/internal/channel"
)

func testBackend(pins ...*gpiotest.Pin) *Backend {
	byNum := make(map[int]*gpiotest.Pin)
	for _, p := range pins {
		byNum[p.Num] = p
	}
	return NewWithResolver(func(n int) gpio.PinIO {
		if p, ok := byNum[n]; ok {
			return p
		}
		return nil
	})
}

func TestOutputChannel(t *testing.T) {
	p := &gpiotest.Pin{N: "GPIO5", Num: 5}
	b := testBackend(p)

	h, err := b.ConfigureBinary(channel.BinaryConfig{Pin: 5, Mode: channel.ModeOutput})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ch, _ := h.Channel()
	if err := ch.Set(channel.High); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Read() != gpio.High {
		t.Error("expected pin driven HIGH")
	}

	if err := b.Stop(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Read() != gpio.Low {
		t.Error("expected pin LOW after stop")
	}
	h.Release()
	if b.Binary.Contains("gpio5") {
		t.Error("expected gpio5 released")
	}
}

func TestUnknownPin(t *testing.T) {
	b := testBackend()
	if _, err := b.ConfigureBinary(channel.BinaryConfig{Pin: 99, Mode: channel.ModeOutput}); err == nil {
		t.Error("expected error for unknown pin")
	}
}

func TestEventDetectWithoutEvent(t *testing.T) {
	b := testBackend(&gpiotest.Pin{N: "GPIO6", Num: 6, EdgesChan: make(chan gpio.Level)})
	_, err := b.ConfigureBinary(channel.BinaryConfig{Pin: 6, Mode: channel.ModeEventDetect})

	var cfgErr *channel.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected ConfigError, got %v", err)
	}
}

func TestEdgesReachWaiter(t *testing.T) {
	p := &gpiotest.Pin{N: "GPIO17", Num: 17, EdgesChan: make(chan gpio.Level, 4)}
	b := testBackend(p)
	defer b.Close()

	h, err := b.ConfigureBinary(channel.BinaryConfig{
		Pin:   17,
		Mode:  channel.ModeEventDetect,
		Event: channel.EventBothEdges,
		Pull:  channel.PullDown,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ch, _ := h.Channel()

	w := ch.WaitForEdge()
	p.EdgesChan <- gpio.High

	select {
	case e := <-w:
		if e.Err != nil || e.Level != channel.High {
			t.Errorf("got %+v, want HIGH edge", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for edge")
	}
}

func TestRisingDetectorIgnoresFalling(t *testing.T) {
	p := &gpiotest.Pin{N: "GPIO18", Num: 18, EdgesChan: make(chan gpio.Level, 4)}
	b := testBackend(p)
	defer b.Close()

	h, _ := b.ConfigureBinary(channel.BinaryConfig{Pin: 18, Mode: channel.ModeEventDetect, Event: channel.EventRisingEdge})
	b.Start()
	ch, _ := h.Channel()

	w := ch.WaitForEdge()
	p.EdgesChan <- gpio.Low
	p.EdgesChan <- gpio.High

	select {
	case e := <-w:
		if e.Level != channel.High {
			t.Errorf("got %v, want HIGH", e.Level)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for edge")
	}
}

func TestPWMChannel(t *testing.T) {
	p := &gpiotest.Pin{N: "GPIO12", Num: 12}
	b := testBackend(p)

	h, err := b.ConfigurePWM(channel.PWMConfig{Pin: 12})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b.Start()
	ch, _ := h.Channel()

	if err := ch.SetFrequency(20000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ch.SetDutyCycle(0.5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p.Lock()
	duty, freq := p.D, p.F
	p.Unlock()
	if duty != gpio.DutyHalf {
		t.Errorf("duty: got %v, want %v", duty, gpio.DutyHalf)
	}
	if freq != 20*physic.KiloHertz {
		t.Errorf("frequency: got %v, want 20kHz", freq)
	}

	if err := ch.SetDutyCycle(3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.Lock()
	duty = p.D
	p.Unlock()
	if duty != gpio.DutyMax {
		t.Errorf("clamped duty: got %v, want %v", duty, gpio.DutyMax)
	}

	if err := ch.SetPulseWindow(10, 100); !errors.Is(err, channel.ErrUnsupported) {
		t.Errorf("offset window: got %v, want ErrUnsupported", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ch.IsClosed() {
		t.Error("expected pwm closed by backend")
	}
	h.Release()
}
