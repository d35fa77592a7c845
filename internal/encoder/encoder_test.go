package encoder

import (
	"errors"
	"testing"
	"time"

	"github.com/sweeney/motor-controller/internal/channel"
)

type rig struct {
	backend *channel.FakeBackend
	a, b    *channel.FakeBinary
	enc     *Encoder
}

// newRig builds an encoder on fake channels. quadrature selects whether
// channel B is configured.
func newRig(t *testing.T, quadrature bool) *rig {
	t.Helper()
	r := &rig{backend: channel.NewFakeBackend()}
	edge := channel.BinaryConfig{Mode: channel.ModeEventDetect, Event: channel.EventBothEdges}

	edge.Pin = 20
	ha, err := r.backend.ConfigureBinary(edge)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.a = r.backend.BinaryOn(20)

	cfg := Config{A: ha, Resolution: 13}
	if quadrature {
		edge.Pin = 21
		hb, err := r.backend.ConfigureBinary(edge)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		r.b = r.backend.BinaryOn(21)
		cfg.B = hb
	}

	r.enc, err = New(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ha.Valid() {
		t.Fatal("New should take ownership of channel A")
	}
	t.Cleanup(func() { r.enc.Close() })
	return r
}

// waitFor polls cond until it holds or a second elapses.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{Resolution: 13}); err == nil {
		t.Error("expected error without channel A")
	}

	b := channel.NewFakeBackend()
	h, _ := b.ConfigureBinary(channel.BinaryConfig{Pin: 1, Mode: channel.ModeEventDetect, Event: channel.EventBothEdges})
	_, err := New(Config{A: h, Resolution: 0})

	var cfgErr *channel.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected ConfigError for zero resolution, got %v", err)
	}
	if !h.Valid() {
		t.Error("failed New must not take the handle")
	}
}

func TestInitialReading(t *testing.T) {
	single := newRig(t, false)
	if d := single.enc.Direction(); d != Forward {
		t.Errorf("single channel direction: got %v, want FORWARD", d)
	}
	quad := newRig(t, true)
	if d := quad.enc.Direction(); d != Stop {
		t.Errorf("quadrature direction: got %v, want STOP", d)
	}
}

func TestStartValidation(t *testing.T) {
	r := newRig(t, false)
	var cfgErr *channel.ConfigError
	if err := r.enc.Start(0); !errors.As(err, &cfgErr) {
		t.Errorf("zero frequency: expected ConfigError, got %v", err)
	}
	if r.enc.Running() {
		t.Error("encoder should not run after failed start")
	}

	b := channel.NewFakeBackend()
	h, _ := b.ConfigureBinary(channel.BinaryConfig{Pin: 1, Mode: channel.ModeOutput})
	enc, err := New(Config{A: h, Resolution: 13})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := enc.Start(100); !errors.Is(err, channel.ErrMode) {
		t.Errorf("output channel: expected ErrMode, got %v", err)
	}
}

func TestStartOnClosedChannel(t *testing.T) {
	r := newRig(t, true)
	r.b.Close()
	if err := r.enc.Start(100); !errors.Is(err, channel.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestWorkerCountsQuadratureEdges(t *testing.T) {
	r := newRig(t, true)
	if err := r.enc.Start(1000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Two forward cycles, one edge at a time so A and B never race.
	steps := []struct {
		ch    *channel.FakeBinary
		level channel.Signal
	}{
		{r.a, channel.High}, {r.b, channel.High}, {r.a, channel.Low}, {r.b, channel.Low},
		{r.a, channel.High}, {r.b, channel.High}, {r.a, channel.Low}, {r.b, channel.Low},
	}
	for i, s := range steps {
		s.ch.Edge(s.level)
		n := uint64(i + 1)
		waitFor(t, "edge to be counted", func() bool { return r.enc.Count() >= n })
	}

	waitFor(t, "forward direction", func() bool { return r.enc.Direction() == Forward })
	if err := r.enc.Err(); err != nil {
		t.Errorf("unexpected worker error: %v", err)
	}
}

func TestWorkerBackward(t *testing.T) {
	r := newRig(t, true)
	r.enc.Start(1000)

	// B leads A.
	r.b.Edge(channel.High)
	waitFor(t, "first edge", func() bool { return r.enc.Count() >= 1 })
	r.a.Edge(channel.High)
	waitFor(t, "second edge", func() bool { return r.enc.Count() >= 2 })

	waitFor(t, "backward direction", func() bool { return r.enc.Direction() == Backward })
}

func TestStopResetsAndIsIdempotent(t *testing.T) {
	r := newRig(t, true)
	r.enc.Start(1000)
	r.a.Edge(channel.High)
	waitFor(t, "edge to be counted", func() bool { return r.enc.Count() >= 1 })

	if err := r.enc.Stop(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Reading{Direction: Stop}
	if got := r.enc.Reading(); got != want {
		t.Errorf("reading after stop: got %+v, want %+v", got, want)
	}
	if r.a.Waiting() != 0 || r.b.Waiting() != 0 {
		t.Error("stop must cancel outstanding edge waits")
	}

	if err := r.enc.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if got := r.enc.Reading(); got != want {
		t.Errorf("reading after second stop: got %+v, want %+v", got, want)
	}
	if r.enc.Running() {
		t.Error("encoder should not be running")
	}
}

func TestRestartAfterStop(t *testing.T) {
	r := newRig(t, false)
	r.enc.Start(1000)
	r.enc.Stop()

	if err := r.enc.Start(1000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.a.Edge(channel.High)
	waitFor(t, "edge after restart", func() bool { return r.enc.Count() == 1 })
}

func TestHardwareFailureSurfaces(t *testing.T) {
	r := newRig(t, false)
	r.enc.Start(1000)
	waitFor(t, "worker to arm its wait", func() bool { return r.a.Waiting() == 1 })

	hwErr := errors.New("line vanished")
	r.a.FailWaits(hwErr)

	waitFor(t, "worker error", func() bool { return r.enc.Err() != nil })
	if !errors.Is(r.enc.Err(), hwErr) {
		t.Errorf("Err: got %v, want wrapped hardware error", r.enc.Err())
	}
	if err := r.enc.Stop(); !errors.Is(err, hwErr) {
		t.Errorf("Stop: got %v, want wrapped hardware error", err)
	}
}

func TestBackendCancelIsCleanExit(t *testing.T) {
	r := newRig(t, false)
	r.enc.Start(1000)
	waitFor(t, "worker to arm its wait", func() bool { return r.a.Waiting() == 1 })

	r.a.Cancel()

	waitFor(t, "worker to end", func() bool { return r.enc.Err() != nil })
	if !errors.Is(r.enc.Err(), ErrEdgeDetectionEnded) {
		t.Errorf("Err: got %v, want ErrEdgeDetectionEnded", r.enc.Err())
	}
	if err := r.enc.Stop(); err != nil {
		t.Errorf("cancellation should not be reported as failure: %v", err)
	}
}

func TestBackendStopClearsReading(t *testing.T) {
	r := newRig(t, false)
	if err := r.backend.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.enc.Start(20); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	level := channel.High
	waitFor(t, "non-zero speed", func() bool {
		if r.a.Waiting() == 1 {
			r.a.Edge(level)
			if level == channel.High {
				level = channel.Low
			} else {
				level = channel.High
			}
		}
		return r.enc.Speed() > 0
	})
	waitFor(t, "worker to re-arm", func() bool { return r.a.Waiting() == 1 })

	if err := r.backend.Stop(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, "worker to end", func() bool { return r.enc.Err() != nil })
	if !errors.Is(r.enc.Err(), ErrEdgeDetectionEnded) {
		t.Errorf("Err: got %v, want ErrEdgeDetectionEnded", r.enc.Err())
	}
	want := Reading{Direction: Forward}
	if got := r.enc.Reading(); got != want {
		t.Errorf("reading after backend stop: got %+v, want %+v", got, want)
	}
}

func TestCloseReleasesChannels(t *testing.T) {
	r := newRig(t, true)
	r.enc.Start(1000)

	if err := r.enc.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.backend.Binary.Len() != 0 {
		t.Errorf("expected no live channels, got %d", r.backend.Binary.Len())
	}
	if !r.a.IsClosed() || !r.b.IsClosed() {
		t.Error("expected channels closed")
	}
}

func TestCloseAfterBackendTeardown(t *testing.T) {
	r := newRig(t, true)
	r.enc.Start(1000)

	// Backend goes first; the encoder must stop cleanly and release
	// without touching the torn down channels.
	r.backend.Close()
	if err := r.enc.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
