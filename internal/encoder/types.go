// Package encoder estimates shaft position, direction and speed from one
// (single channel) or two (quadrature) edge detecting binary channels.
package encoder

import "fmt"

// Direction is the rotation direction decoded from the channel history.
type Direction int

const (
	Stop Direction = iota
	Forward
	Backward
	Invalid
)

func (d Direction) String() string {
	switch d {
	case Stop:
		return "STOP"
	case Forward:
		return "FORWARD"
	case Backward:
		return "BACKWARD"
	case Invalid:
		return "INVALID"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// Sign returns 1 for Forward, -1 for Backward and 0 otherwise.
func (d Direction) Sign() float64 {
	switch d {
	case Forward:
		return 1
	case Backward:
		return -1
	}
	return 0
}

// qem is the quadrature encoder matrix. The index is 4*previous + current,
// where each pair is 2*A + B.
var qem = [16]Direction{
	Stop, Backward, Forward, Invalid,
	Forward, Stop, Invalid, Backward,
	Backward, Invalid, Stop, Forward,
	Invalid, Forward, Backward, Stop,
}

// Decode returns the direction for a 4-bit transition history. Only the low
// four bits of history are used.
func Decode(history uint8) Direction {
	return qem[history&0x0f]
}

// Reading is one published estimate.
type Reading struct {
	// Count is the total number of edges seen since start.
	Count uint64

	Direction Direction

	// Speed is unsigned, in revolutions per second.
	Speed float64
}
