// Package eventbus provides typed in-process pub/sub. Each event kind has
// its own topic; every subscriber owns a bounded buffer and a slow consumer
// sheds its oldest buffered event instead of blocking the publisher.
package eventbus

import (
	"sync"

	"screener-systemv1/internal/model"
)

// Topic fans out events of one kind to N subscriber channels.
// Publish is non-blocking; delivery is FIFO per subscriber, best-effort
// across subscribers.
type Topic[T any] struct {
	mu      sync.RWMutex
	subs    []chan T
	bufSize int
	closed  bool

	// OnDrop is called when a full subscriber buffer sheds its oldest
	// event. subscriberIdx is the 0-based subscriber index.
	OnDrop func(subscriberIdx int)
}

// NewTopic creates a topic with the given per-subscriber buffer size.
func NewTopic[T any](bufSize int) *Topic[T] {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Topic[T]{bufSize: bufSize}
}

// Subscribe creates and returns a new subscriber channel.
func (t *Topic[T]) Subscribe() <-chan T {
	ch := make(chan T, t.bufSize)
	t.mu.Lock()
	if t.closed {
		close(ch)
	} else {
		t.subs = append(t.subs, ch)
	}
	t.mu.Unlock()
	return ch
}

// Publish delivers ev to every subscriber without blocking. When a
// subscriber's buffer is full, the oldest buffered event is discarded to
// make room and OnDrop fires for that subscriber.
func (t *Topic[T]) Publish(ev T) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	for i, ch := range t.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		// Buffer full: shed the oldest, then retry once. The second send
		// only fails if the consumer drained everything in between, in
		// which case it succeeds on delivery order anyway.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
		if t.OnDrop != nil {
			t.OnDrop(i)
		}
	}
}

// Close closes all subscriber channels. Publishing after Close is a no-op.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for _, ch := range t.subs {
		close(ch)
	}
	t.subs = nil
}

// Len returns (length, capacity) pairs per subscriber, for saturation gauges.
func (t *Topic[T]) Len() [][2]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([][2]int, len(t.subs))
	for i, ch := range t.subs {
		out[i] = [2]int{len(ch), cap(ch)}
	}
	return out
}

// Bus bundles the engine's three event topics.
type Bus struct {
	CandleOpen      *Topic[model.CandleOpenEvent]
	KlineClose      *Topic[model.KlineCloseEvent]
	TraderLifecycle *Topic[model.TraderLifecycleEvent]
}

// New creates a bus with the given per-subscriber buffer size for each kind.
func New(bufSize int) *Bus {
	return &Bus{
		CandleOpen:      NewTopic[model.CandleOpenEvent](bufSize),
		KlineClose:      NewTopic[model.KlineCloseEvent](bufSize),
		TraderLifecycle: NewTopic[model.TraderLifecycleEvent](bufSize),
	}
}

// Stop closes every topic.
func (b *Bus) Stop() {
	b.CandleOpen.Close()
	b.KlineClose.Close()
	b.TraderLifecycle.Close()
}
