package channel

import (
	"fmt"
	"log"
	"sync"

	"go.uber.org/multierr"
)

// Registry tracks the channels a backend created and has not yet torn down.
// An id is present iff its channel is live.
type Registry[T Channel] struct {
	mu     sync.Mutex
	kind   string
	live   map[string]T
	order  []string
	closed bool
}

// NewRegistry creates an empty registry. kind names the channel type in
// errors and panics.
func NewRegistry[T Channel](kind string) *Registry[T] {
	return &Registry[T]{
		kind: kind,
		live: make(map[string]T),
	}
}

// Register records ch under id and returns the owning handle.
func (r *Registry[T]) Register(id string, ch T) (*Handle[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrBackendClosed
	}
	if _, exists := r.live[id]; exists {
		return nil, fmt.Errorf("%s %s: %w", r.kind, id, ErrDuplicateChannel)
	}
	r.live[id] = ch
	r.order = append(r.order, id)

	return NewHandle(ch, func(c T) { r.release(id, c) }), nil
}

// Contains reports whether id is live.
func (r *Registry[T]) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.live[id]
	return ok
}

// Len returns the number of live channels.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Live returns the live channels in creation order.
func (r *Registry[T]) Live() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, 0, len(r.live))
	for _, id := range r.order {
		out = append(out, r.live[id])
	}
	return out
}

// CloseAll force-closes every live channel and refuses further
// registrations. Handles released afterwards, or while the channels are still
// being closed, skip teardown.
func (r *Registry[T]) CloseAll() error {
	r.mu.Lock()
	r.closed = true
	ids := r.order
	channels := make([]T, 0, len(ids))
	for _, id := range ids {
		channels = append(channels, r.live[id])
	}
	r.live = make(map[string]T)
	r.order = nil
	r.mu.Unlock()

	var err error
	for i, ch := range channels {
		if cerr := ch.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close %s %s: %w", r.kind, ids[i], cerr))
		}
	}
	return err
}

// release is the teardown callback of every handle this registry issues.
func (r *Registry[T]) release(id string, ch T) {
	if ch.IsClosed() {
		// Torn down by the backend, or closed by its owner. Only forget it.
		r.mu.Lock()
		if existing, ok := r.live[id]; ok && same(existing, ch) {
			r.remove(id)
		}
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	existing, ok := r.live[id]
	if !ok && r.closed {
		// CloseAll took it and is closing it now.
		r.mu.Unlock()
		return
	}
	if !ok || !same(existing, ch) {
		r.mu.Unlock()
		panic(fmt.Sprintf("channel: FATAL: %s %s is being released but was not created by this registry", r.kind, id))
	}
	r.remove(id)
	r.mu.Unlock()

	if err := ch.Close(); err != nil {
		// The handle owner has nobody to report to; the channel is gone either way.
		log.Printf("channel: close %s %s: %v", r.kind, id, err)
	}
}

// remove must be called with r.mu held.
func (r *Registry[T]) remove(id string) {
	delete(r.live, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func same[T Channel](a, b T) bool {
	return any(a) == any(b)
}
