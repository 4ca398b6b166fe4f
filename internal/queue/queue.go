package queue

import (
	"sync"
)

// Coalescing is a thread-safe FIFO of keyed items where a newer item
// replaces a pending one with the same key and keeps its place in line.
type Coalescing[K comparable, V any] struct {
	mu    sync.Mutex
	order []K
	items map[K]V
}

// New creates a new empty queue.
func New[K comparable, V any]() *Coalescing[K, V] {
	return &Coalescing[K, V]{
		items: make(map[K]V),
	}
}

// Put enqueues v under k. It reports whether a pending item was replaced.
func (q *Coalescing[K, V]) Put(k K, v V) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, replaced := q.items[k]
	if !replaced {
		q.order = append(q.order, k)
	}
	q.items[k] = v
	return replaced
}

// Pop removes and returns the oldest pending item.
func (q *Coalescing[K, V]) Pop() (K, V, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		var zk K
		var zv V
		return zk, zv, false
	}
	k := q.order[0]
	q.order = q.order[1:]
	v := q.items[k]
	delete(q.items, k)
	return k, v, true
}

// Peek returns the pending item for k without removing it.
func (q *Coalescing[K, V]) Peek(k K) (V, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.items[k]
	return v, ok
}

// Empty returns true if the queue has no items.
func (q *Coalescing[K, V]) Empty() bool {
	return q.Len() == 0
}

// Len returns the number of items in the queue.
func (q *Coalescing[K, V]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Clear removes all items from the queue.
func (q *Coalescing[K, V]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.order = q.order[:0]
	q.items = make(map[K]V)
}

// GetAndEmpty returns all items in queue order and clears the queue.
func (q *Coalescing[K, V]) GetAndEmpty() []V {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]V, 0, len(q.order))
	for _, k := range q.order {
		result = append(result, q.items[k])
	}
	q.order = q.order[:0]
	q.items = make(map[K]V)
	return result
}
