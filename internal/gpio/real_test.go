//go:build linux

package gpio

import (
	"testing"
	"time"

	"github.com/warthog618/go-gpiosim"

	"github.com/sweeney/motor-controller/internal/channel"
)

// newSim creates a simulated chip, skipping when gpio-sim is unavailable
// (needs the kernel module and root).
func newSim(t *testing.T) *gpiosim.Simpleton {
	t.Helper()
	s, err := gpiosim.NewSimpleton(8)
	if err != nil {
		t.Skipf("gpio-sim not available: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRealBackendOutput(t *testing.T) {
	s := newSim(t)
	b, err := New(s.ChipName())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer b.Close()

	h, err := b.ConfigureBinary(channel.BinaryConfig{Pin: 2, Mode: channel.ModeOutput})
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
	if v, _ := s.Level(2); v != 1 {
		t.Errorf("simulated level: got %d, want 1", v)
	}

	if err := b.Stop(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, _ := s.Level(2); v != 0 {
		t.Errorf("simulated level after stop: got %d, want 0", v)
	}
	h.Release()
}

func TestRealBackendEdges(t *testing.T) {
	s := newSim(t)
	b, err := New(s.ChipName())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer b.Close()

	h, err := b.ConfigureBinary(channel.BinaryConfig{
		Pin:   3,
		Mode:  channel.ModeEventDetect,
		Event: channel.EventBothEdges,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b.Start()
	ch, _ := h.Channel()

	w := ch.WaitForEdge()
	s.Pullup(3)

	select {
	case e := <-w:
		if e.Err != nil || e.Level != channel.High {
			t.Errorf("got %+v, want HIGH edge", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for rising edge")
	}

	s.Pulldown(3)
	select {
	case e := <-ch.WaitForEdge():
		if e.Err != nil || e.Level != channel.Low {
			t.Errorf("got %+v, want LOW edge", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for falling edge")
	}
}

func TestRealBackendDuplicatePin(t *testing.T) {
	s := newSim(t)
	b, err := New(s.ChipName())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer b.Close()

	if _, err := b.ConfigureBinary(channel.BinaryConfig{Pin: 4, Mode: channel.ModeOutput}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := b.ConfigurePWM(channel.PWMConfig{Pin: 4}); err == nil {
		t.Error("expected error requesting a pin twice")
	}
}

func TestRealBackendCloseBeforeRelease(t *testing.T) {
	s := newSim(t)
	b, err := New(s.ChipName())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h, err := b.ConfigurePWM(channel.PWMConfig{Pin: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b.Start()

	if err := b.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ch, _ := h.Channel()
	if !ch.IsClosed() {
		t.Error("expected channel force-closed by backend close")
	}
	h.Release()
}

func TestNewUnknownChip(t *testing.T) {
	if _, err := New("gpiochip-does-not-exist"); err == nil {
		t.Error("expected error opening unknown chip")
	}
}
