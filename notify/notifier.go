package notify

import (
	"sync"
	"sync/atomic"
)

// defaultBufferSize is the buffer size of subscriber channels.
// Subscribers that can't keep up will have events dropped (non-blocking send).
const defaultBufferSize = 64

// subscription represents a single subscriber.
type subscription[T any] struct {
	id     uint64
	filter func(T) bool
	ch     chan T
	closed atomic.Bool
}

// matches reports whether the event passes this subscription's filter.
func (s *subscription[T]) matches(event T) bool {
	return s.filter == nil || s.filter(event)
}

// close closes the subscription channel if not already closed.
func (s *subscription[T]) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe fan-out of events to buffered subscriber channels.
type Hub[T any] struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription[T]
	nextID        atomic.Uint64
	bufferSize    int
	dropped       atomic.Uint64
}

// NewHub creates a hub with the default subscriber buffer size.
func NewHub[T any]() *Hub[T] {
	return NewHubWithBuffer[T](defaultBufferSize)
}

// NewHubWithBuffer creates a hub whose subscriber channels hold size events.
func NewHubWithBuffer[T any](size int) *Hub[T] {
	if size < 1 {
		size = 1
	}
	return &Hub[T]{
		subscriptions: make(map[uint64]*subscription[T]),
		bufferSize:    size,
	}
}

// Publish sends event to all matching subscribers (non-blocking).
func (h *Hub[T]) Publish(event T) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(event) {
			continue
		}

		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe creates a new subscription and returns its channel and cancel function.
// A nil filter receives every event. The cancel function is idempotent.
func (h *Hub[T]) Subscribe(filter func(T) bool) (<-chan T, func()) {
	sub := &subscription[T]{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan T, h.bufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// Dropped returns how many events were discarded because a subscriber was full.
func (h *Hub[T]) Dropped() uint64 {
	return h.dropped.Load()
}

// Len returns the number of live subscriptions.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

// Close cancels every subscription.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = make(map[uint64]*subscription[T])
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub[T]) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
