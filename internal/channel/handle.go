package channel

import "sync"

// Handle is the sole owning reference to a channel. Ownership moves with
// Transfer; Release tears the channel down exactly once no matter how many
// times it is called.
type Handle[T Channel] struct {
	mu       sync.Mutex
	ch       T
	valid    bool
	teardown func(T)
}

// NewHandle wraps ch. teardown runs on the first Release.
func NewHandle[T Channel](ch T, teardown func(T)) *Handle[T] {
	return &Handle[T]{ch: ch, valid: true, teardown: teardown}
}

// Channel returns the owned channel, or ErrReleased once the handle was
// released or transferred.
func (h *Handle[T]) Channel() (T, error) {
	var zero T
	if h == nil {
		return zero, ErrReleased
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.valid {
		return zero, ErrReleased
	}
	return h.ch, nil
}

// Valid reports whether the handle still owns its channel.
func (h *Handle[T]) Valid() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.valid
}

// Transfer moves ownership to a new handle. The receiver is left empty and
// its Release becomes a no-op.
func (h *Handle[T]) Transfer() *Handle[T] {
	if h == nil {
		return &Handle[T]{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.valid {
		return &Handle[T]{}
	}
	moved := &Handle[T]{ch: h.ch, valid: true, teardown: h.teardown}
	var zero T
	h.ch = zero
	h.valid = false
	h.teardown = nil
	return moved
}

// Release gives the channel back to its backend.
func (h *Handle[T]) Release() {
	if h == nil {
		return
	}
	h.mu.Lock()
	if !h.valid {
		h.mu.Unlock()
		return
	}
	ch, teardown := h.ch, h.teardown
	var zero T
	h.ch = zero
	h.valid = false
	h.teardown = nil
	h.mu.Unlock()

	if teardown != nil {
		teardown(ch)
	}
}
