package channel

import "log"

// ring is a fixed-capacity FIFO that overwrites the oldest entry when full.
// Not safe for concurrent use; the caller synchronizes.
type ring[T any] struct {
	buf      []T
	capacity int
	head     int // next write position
	count    int
	overflow bool // an edge was dropped since the queue last emptied
	name     string
}

func newRing[T any](name string, capacity int) *ring[T] {
	return &ring[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
		name:     name,
	}
}

func (r *ring[T]) push(v T) {
	if r.count == r.capacity {
		if !r.overflow {
			log.Printf("channel: %s queue full (%d entries), dropping oldest", r.name, r.capacity)
			r.overflow = true
		}
		// Full: the slot at head holds the edge nobody consumed longest.
		r.buf[r.head] = v
		r.head = (r.head + 1) % r.capacity
		return
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % r.capacity
	r.count++
}

// pop removes and returns the oldest entry. The first unconsumed edge sits
// count slots behind head.
func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	start := (r.head - r.count + r.capacity) % r.capacity
	v := r.buf[start]
	r.buf[start] = zero
	r.count--
	if r.count == 0 {
		r.overflow = false
	}
	return v, true
}

// drainAll hands every queued edge, oldest first, to a new subscriber.
func (r *ring[T]) drainAll() []T {
	if r.count == 0 {
		return nil
	}

	result := make([]T, r.count)
	start := (r.head - r.count + r.capacity) % r.capacity
	for i := 0; i < r.count; i++ {
		result[i] = r.buf[(start+i)%r.capacity]
	}

	r.reset()
	return result
}

func (r *ring[T]) reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.count = 0
	r.head = 0
	r.overflow = false
}

func (r *ring[T]) len() int {
	return r.count
}
