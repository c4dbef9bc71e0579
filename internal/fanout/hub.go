// Package fanout provides bounded, non-blocking publish/subscribe channels
// used between pipeline stages and for live side channels such as volume.
package fanout

import (
	"sync"
	"sync/atomic"
)

// Hub delivers every published value to all current subscribers in publish
// order. A subscriber whose buffer is full misses the value; Publish never blocks.
type Hub[T any] struct {
	subs    map[uint64]chan T
	nextID  uint64
	closed  bool
	dropped atomic.Uint64

	mu sync.RWMutex
}

// NewHub creates an empty hub
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[uint64]chan T)}
}

// Subscribe registers a listener with the given buffer size. The returned
// cancel function detaches the listener and closes its channel.
func (h *Hub[T]) Subscribe(buffer int) (<-chan T, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan T, buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() { h.unsubscribe(id) })
	}
}

func (h *Hub[T]) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Publish fans the value out and returns how many subscribers missed it
func (h *Hub[T]) Publish(v T) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return 0
	}

	missed := 0
	for _, ch := range h.subs {
		select {
		case ch <- v:
		default:
			missed++
		}
	}
	if missed > 0 {
		h.dropped.Add(uint64(missed))
	}
	return missed
}

// Close closes every subscriber channel. Later subscriptions receive a closed channel.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// Subscribers returns the number of attached listeners
func (h *Hub[T]) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns the total number of values missed by slow subscribers
func (h *Hub[T]) Dropped() uint64 {
	return h.dropped.Load()
}
