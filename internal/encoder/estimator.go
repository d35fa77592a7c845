package encoder

import (
	"time"

	"github.com/sweeney/motor-controller/internal/channel"
)

// estimator turns edges into readings. It has no hardware or clock access:
// edge levels and sample times are passed in, so it is driven directly by
// tests and by the worker goroutine alike.
type estimator struct {
	quadrature bool
	resolution float64

	a, b    bool
	history uint8
	ticks   uint64 // since last sample
	count   uint64
	last    time.Time
}

func newEstimator(resolution int, quadrature bool, start time.Time) *estimator {
	return &estimator{
		quadrature: quadrature,
		resolution: float64(resolution),
		last:       start,
	}
}

// seed sets the levels observed before the first edge. The history starts
// as a transition from that pair to itself, which decodes as Stop.
func (e *estimator) seed(a, b channel.Signal) {
	e.a, e.b = bool(a), bool(b)
	p := e.pair()
	e.history = p<<2 | p
}

func (e *estimator) pair() uint8 {
	var p uint8
	if e.a {
		p |= 2
	}
	if e.b {
		p |= 1
	}
	return p
}

func (e *estimator) edgeA(level channel.Signal) {
	e.a = bool(level)
	e.edge()
}

func (e *estimator) edgeB(level channel.Signal) {
	e.b = bool(level)
	e.edge()
}

func (e *estimator) edge() {
	e.history = (e.history<<2 | e.pair()) & 0x0f
	e.ticks++
	e.count++
}

// direction decodes the last transition.
func (e *estimator) direction() Direction {
	if !e.quadrature {
		return Forward
	}
	return Decode(e.history)
}

// sample closes the current sampling window at now and returns the reading.
// Direction is that of the last decoded transition, even when the window saw
// no edges; the speed then reads zero.
func (e *estimator) sample(now time.Time) Reading {
	dt := now.Sub(e.last).Seconds()
	r := Reading{Count: e.count, Direction: e.direction()}

	edgesPerRev := 2 * e.resolution
	if e.quadrature {
		edgesPerRev = 4 * e.resolution
	}
	if dt > 0 && edgesPerRev > 0 {
		r.Speed = float64(e.ticks) / (dt * edgesPerRev)
	}

	e.ticks = 0
	e.last = now
	return r
}
