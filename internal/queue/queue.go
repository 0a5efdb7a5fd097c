// Package queue provides a bounded FIFO that evicts its oldest items when
// full, so a stalled consumer never blocks the acquisition loop.
package queue

import (
	"sync"
)

// Queue is a thread-safe ring buffer of fixed capacity.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int
	size    int
	dropped uint64
}

// New creates an empty queue holding at most capacity items. A capacity
// below 1 is raised to 1.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{items: make([]T, capacity)}
}

// Push appends items, evicting the oldest ones when the queue is full. It
// returns how many items were evicted.
func (q *Queue[T]) Push(items ...T) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	evicted := 0
	for _, it := range items {
		if q.size == len(q.items) {
			q.head = (q.head + 1) % len(q.items)
			q.size--
			evicted++
		}
		q.items[(q.head+q.size)%len(q.items)] = it
		q.size++
	}
	q.dropped += uint64(evicted)
	return evicted
}

// PushFront puts items back ahead of everything queued, keeping their
// order. Items that do not fit are dropped, since they are the oldest.
// It returns how many were dropped.
func (q *Queue[T]) PushFront(items ...T) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	evicted := 0
	for i := len(items) - 1; i >= 0; i-- {
		if q.size == len(q.items) {
			evicted += i + 1
			break
		}
		q.head = (q.head - 1 + len(q.items)) % len(q.items)
		q.items[q.head] = items[i]
		q.size++
	}
	q.dropped += uint64(evicted)
	return evicted
}

// Pop removes and returns the oldest item.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if q.size == 0 {
		return zero, false
	}
	it := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--
	return it, true
}

// Drain removes up to max of the oldest items, all of them when max < 1.
func (q *Queue[T]) Drain(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.size
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}
	var zero T
	out := make([]T, n)
	for i := range out {
		out[i] = q.items[q.head]
		q.items[q.head] = zero
		q.head = (q.head + 1) % len(q.items)
	}
	q.size -= n
	return out
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the capacity.
func (q *Queue[T]) Cap() int {
	return len(q.items)
}

// Dropped returns how many items were evicted since creation.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
