package channel

import (
	"log"
	"sync"
)

const edgeQueueSize = 64

// EdgeQueue delivers detected edges either to one-shot waiters or to a
// standing callback subscription, never both. Backends call Publish from their
// hardware notification path; consumers call Wait or Subscribe.
//
// Edges arriving while nobody waits are queued (oldest dropped when full), so a
// consumer re-arming its wait does not lose the edges in between.
type EdgeQueue struct {
	mu      sync.Mutex
	name    string
	pending *ring[Signal]
	waiters []chan Edge
	sub     *subscription
	closed  bool
}

type subscription struct {
	edges    chan Signal
	stop     chan struct{}
	done     chan struct{}
	overflow bool
}

// NewEdgeQueue creates an empty queue. The name only appears in log lines.
func NewEdgeQueue(name string) *EdgeQueue {
	return &EdgeQueue{
		name:    name,
		pending: newRing[Signal](name, edgeQueueSize),
	}
}

// Wait arms a one-shot wait. The returned channel receives exactly one Edge.
func (q *EdgeQueue) Wait() <-chan Edge {
	ch := make(chan Edge, 1)

	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case q.closed:
		ch <- Edge{Err: ErrClosed}
	case q.sub != nil:
		ch <- Edge{Err: ErrBusy}
	default:
		if level, ok := q.pending.pop(); ok {
			ch <- Edge{Level: level}
		} else {
			q.waiters = append(q.waiters, ch)
		}
	}
	return ch
}

// Subscribe starts a goroutine calling callback for every edge. A previous
// subscription is stopped and joined first. Must not be called from inside a
// callback.
func (q *EdgeQueue) Subscribe(callback func(Signal)) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if len(q.waiters) > 0 {
		q.mu.Unlock()
		return ErrBusy
	}
	old := q.sub
	q.sub = nil
	q.mu.Unlock()

	if old != nil {
		old.shutdown()
	}

	sub := &subscription{
		edges: make(chan Signal, edgeQueueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if len(q.waiters) > 0 || q.sub != nil {
		q.mu.Unlock()
		return ErrBusy
	}
	for _, level := range q.pending.drainAll() {
		sub.edges <- level
	}
	q.sub = sub
	q.mu.Unlock()

	go sub.run(callback)
	return nil
}

// Publish delivers an edge to the oldest waiter, the subscription, or the
// pending queue, in that order of preference.
func (q *EdgeQueue) Publish(level Signal) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters[0] = nil
		q.waiters = q.waiters[1:]
		w <- Edge{Level: level}
		return
	}
	if q.sub != nil {
		select {
		case q.sub.edges <- level:
		default:
			if !q.sub.overflow {
				log.Printf("channel: %s subscriber is falling behind, dropping edges", q.name)
				q.sub.overflow = true
			}
		}
		return
	}
	q.pending.push(level)
}

// Fail completes every outstanding wait with err.
func (q *EdgeQueue) Fail(err error) {
	q.mu.Lock()
	waiters := q.waiters
	q.waiters = nil
	q.mu.Unlock()

	for _, w := range waiters {
		w <- Edge{Err: err}
	}
}

// Cancel completes outstanding waits with ErrCanceled, drops queued edges and
// stops the subscription goroutine, waiting for it to exit.
func (q *EdgeQueue) Cancel() {
	q.mu.Lock()
	waiters := q.waiters
	q.waiters = nil
	sub := q.sub
	q.sub = nil
	q.pending.reset()
	q.mu.Unlock()

	for _, w := range waiters {
		w <- Edge{Err: ErrCanceled}
	}
	if sub != nil {
		sub.shutdown()
	}
}

// Close cancels everything; later waits complete with ErrClosed.
func (q *EdgeQueue) Close() {
	q.Cancel()
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Waiting returns the number of armed one-shot waits.
func (q *EdgeQueue) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// Subscribed reports whether a callback subscription is active.
func (q *EdgeQueue) Subscribed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sub != nil
}

func (s *subscription) run(callback func(Signal)) {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case level := <-s.edges:
			callback(level)
		}
	}
}

func (s *subscription) shutdown() {
	close(s.stop)
	<-s.done
}
