package channel

import (
	"sync"
	"sync/atomic"
)

// Buffered is a bounded queue whose sends never block. A full buffer drops
// the new value.
type Buffered[T any] struct {
	mu      sync.RWMutex
	ch      chan T
	closed  bool
	dropped atomic.Uint64
}

// NewBuffered creates a new buffered channel with the given size
func NewBuffered[T any](size int) *Buffered[T] {
	return &Buffered[T]{ch: make(chan T, size)}
}

// TrySend enqueues v unless the buffer is full or closed.
func (b *Buffered[T]) TrySend(v T) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case b.ch <- v:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// Receive returns the receive-only channel
func (b *Buffered[T]) Receive() <-chan T {
	return b.ch
}

// Len returns the number of items currently in the buffer
func (b *Buffered[T]) Len() int {
	return len(b.ch)
}

// Dropped returns how many sends were refused because the buffer was full.
func (b *Buffered[T]) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes the channel. Safe to call more than once.
func (b *Buffered[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}
