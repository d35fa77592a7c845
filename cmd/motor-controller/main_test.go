package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sweeney/motor-controller/internal/channel"
	"github.com/sweeney/motor-controller/internal/config"
	"github.com/sweeney/motor-controller/internal/mqtt"
	"github.com/sweeney/motor-controller/internal/rig"
)

// fakeClock returns a function that yields start, start+step, start+2*step, ...
// on successive calls. Not safe for concurrent use (only called from runLoop's goroutine).
func fakeClock(start time.Time, step time.Duration) func() time.Time {
	n := 0
	return func() time.Time {
		t := start.Add(time.Duration(n) * step)
		n++
		return t
	}
}

type fakeMotor struct {
	name string

	mu  sync.Mutex
	err error
}

func (m *fakeMotor) Name() string { return m.name }

func (m *fakeMotor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *fakeMotor) fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// runRunLoop drives runLoop for nTicks, calling before(i) ahead of tick i,
// then sends signal and returns runLoop's error.
func runRunLoop(t *testing.T, motors []faultSource, pub *mqtt.FakeClient, nTicks int, before func(int), signal os.Signal) error {
	t.Helper()
	tick := make(chan time.Time)
	sig := make(chan os.Signal, 1)
	clock := fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Second)

	errCh := make(chan error, 1)
	go func() {
		errCh <- runLoop(motors, pub, clock, tick, sig)
	}()

	for i := 0; i < nTicks; i++ {
		if before != nil {
			before(i)
		}
		tick <- time.Time{}
	}
	sig <- signal

	return <-errCh
}

func TestRunLoopShutdownOnly(t *testing.T) {
	pub := mqtt.NewFakeClient("motors")
	motors := []faultSource{&fakeMotor{name: "left"}}

	if err := runRunLoop(t, motors, pub, 3, nil, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	if len(pub.SystemEvents) != 1 {
		t.Fatalf("expected 1 system event, got %d", len(pub.SystemEvents))
	}
	ev := pub.SystemEvents[0]
	if ev.Event != "SHUTDOWN" || ev.Reason != "SIGTERM" || !ev.Retained {
		t.Errorf("unexpected shutdown event: %+v", ev)
	}
}

func TestRunLoopSignalNames(t *testing.T) {
	tests := []struct {
		sig  os.Signal
		want string
	}{
		{syscall.SIGINT, "SIGINT"},
		{syscall.SIGTERM, "SIGTERM"},
		{syscall.SIGHUP, "UNKNOWN"},
	}
	for _, tt := range tests {
		pub := mqtt.NewFakeClient("motors")
		runRunLoop(t, nil, pub, 0, nil, tt.sig)
		if got := pub.SystemEvents[0].Reason; got != tt.want {
			t.Errorf("%v: got reason %q, want %q", tt.sig, got, tt.want)
		}
	}
}

func TestRunLoopReportsFaultOnce(t *testing.T) {
	pub := mqtt.NewFakeClient("motors")
	left := &fakeMotor{name: "left"}
	right := &fakeMotor{name: "right"}

	err := runRunLoop(t, []faultSource{left, right}, pub, 4, func(i int) {
		if i == 1 {
			right.fail(errors.New("encoder line vanished"))
		}
	}, syscall.SIGINT)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	if len(pub.SystemEvents) != 2 {
		t.Fatalf("expected FAULT then SHUTDOWN, got %+v", pub.SystemEvents)
	}
	fault := pub.SystemEvents[0]
	if fault.Event != "FAULT" {
		t.Errorf("expected FAULT event, got %q", fault.Event)
	}
	if fault.Reason != "right: encoder line vanished" {
		t.Errorf("unexpected reason %q", fault.Reason)
	}
	if fault.Retained {
		t.Error("fault events should not be retained")
	}
	if pub.SystemEvents[1].Event != "SHUTDOWN" {
		t.Errorf("expected SHUTDOWN last, got %q", pub.SystemEvents[1].Event)
	}
}

func TestRunLoopPublishFailureDoesNotStop(t *testing.T) {
	pub := mqtt.NewFakeClient("motors")
	pub.PublishSystemError = errors.New("broker down")
	m := &fakeMotor{name: "left"}
	m.fail(errors.New("stalled"))

	if err := runRunLoop(t, []faultSource{m}, pub, 2, nil, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
}

// TestRunLoopSeesRealMotorFault wires the loop to motors built from a rig file
// on fake backends, then breaks an encoder line.
func TestRunLoopSeesRealMotorFault(t *testing.T) {
	cfg, err := config.Parse(strings.NewReader(`
version: "1"
backends:
  - {name: header, type: fake}
motors:
  - name: left
    backend: header
    pwm: {pin: 12}
    direction: [{pin: 5}]
    patterns: {forward: [HIGH], backward: [LOW], stop: [LOW]}
    encoder: {a: {pin: 20}, resolution: 13}
    max_speed: 10
    period: 1ms
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r, err := rig.New(cfg, rig.Open)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer r.Close()
	if err := r.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	b, _ := r.Backend("header")
	line := b.(*channel.FakeBackend).BinaryOn(20)
	waitUntil(t, func() bool { return line.Waiting() == 1 })
	line.FailWaits(errors.New("line vanished"))
	m, _ := r.Motor("left")
	waitUntil(t, func() bool { return m.Err() != nil })

	pub := mqtt.NewFakeClient("motors")
	if err := runRunLoop(t, watched(r.Motors()), pub, 1, nil, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if len(pub.SystemEvents) != 2 || pub.SystemEvents[0].Event != "FAULT" {
		t.Fatalf("expected FAULT then SHUTDOWN, got %+v", pub.SystemEvents)
	}
	if !strings.Contains(pub.SystemEvents[0].Reason, "line vanished") {
		t.Errorf("unexpected reason %q", pub.SystemEvents[0].Reason)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within a second")
}

func TestRunPrintConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rig.yaml")
	if err := os.WriteFile(path, []byte("version: \"1\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := run(path, "tcp://elsewhere:1883", time.Second, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunMissingConfig(t *testing.T) {
	if err := run(filepath.Join(t.TempDir(), "absent.yaml"), "", time.Second, false); err == nil {
		t.Fatal("expected error for a missing config file")
	}
}
