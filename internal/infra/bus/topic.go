// Package bus provides typed in-process publish/subscribe topics.
package bus

import (
	"sync"
)

// SubscriptionID identifies a topic handler.
type SubscriptionID uint64

// Topic fans a single payload type out to registered handlers. Publish delivers
// synchronously in subscription order, so handlers observe events in publish order.
type Topic[T any] struct {
	mu       sync.RWMutex
	handlers map[SubscriptionID]func(T)
	order    []SubscriptionID
	nextID   SubscriptionID
}

// NewTopic constructs an empty topic.
func NewTopic[T any]() *Topic[T] {
	return &Topic[T]{handlers: make(map[SubscriptionID]func(T))}
}

// Subscribe registers fn and returns a function that removes it. The returned function is idempotent.
func (t *Topic[T]) Subscribe(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.handlers[id] = fn
	t.order = append(t.order, id)
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { t.remove(id) })
	}
}

func (t *Topic[T]) remove(id SubscriptionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.handlers[id]; !ok {
		return
	}
	delete(t.handlers, id)
	for i, existing := range t.order {
		if existing == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Publish delivers payload to every handler registered at call time.
func (t *Topic[T]) Publish(payload T) {
	t.mu.RLock()
	handlers := make([]func(T), 0, len(t.order))
	for _, id := range t.order {
		handlers = append(handlers, t.handlers[id])
	}
	t.mu.RUnlock()
	for _, fn := range handlers {
		fn(payload)
	}
}

// Len returns the number of active handlers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers)
}

// Clear removes every handler.
func (t *Topic[T]) Clear() {
	t.mu.Lock()
	t.handlers = make(map[SubscriptionID]func(T))
	t.order = nil
	t.mu.Unlock()
}
