// Package ringbuf provides a small bounded FIFO queue with shed-on-full
// semantics. The executor uses it to decouple bus delivery from strategy
// evaluation: when the queue is full, the oldest entry the caller deems
// equivalent (same interval) is dropped to make room, so a burst on one
// interval cannot starve the others.
package ringbuf

import (
	"sync"
	"sync/atomic"
)

// Ring is a mutex-guarded circular queue. Push never blocks and never
// fails; at capacity it sheds one old entry instead.
type Ring[T any] struct {
	mu   sync.Mutex
	buf  []T
	head int // index of the oldest entry
	size int

	shed atomic.Uint64
}

// New creates a ring with the given capacity (minimum 1).
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push enqueues v. When the ring is full, the oldest entry for which same
// returns true is removed first; if none matches (or same is nil), the
// oldest entry overall is removed. Returns true when an entry was shed.
func (r *Ring[T]) Push(v T, same func(T) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	shed := false
	if r.size == len(r.buf) {
		idx := r.head
		if same != nil {
			idx = -1
			for i := 0; i < r.size; i++ {
				at := (r.head + i) % len(r.buf)
				if same(r.buf[at]) {
					idx = at
					break
				}
			}
			if idx < 0 {
				idx = r.head
			}
		}
		r.removeAt(idx)
		r.shed.Add(1)
		shed = true
	}

	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
	return shed
}

// removeAt deletes the entry at buffer index idx, preserving FIFO order of
// the rest. Caller holds the lock.
func (r *Ring[T]) removeAt(idx int) {
	pos := (idx - r.head + len(r.buf)) % len(r.buf)
	for i := pos; i > 0; i-- {
		cur := (r.head + i) % len(r.buf)
		prev := (r.head + i - 1) % len(r.buf)
		r.buf[cur] = r.buf[prev]
	}
	var zero T
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
}

// Pop dequeues the oldest entry. Non-blocking.
func (r *Ring[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

// Len returns the number of queued entries.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Shed returns the total number of entries dropped to make room.
func (r *Ring[T]) Shed() uint64 {
	return r.shed.Load()
}
