package channel

import "sync"

// Latest is a single-slot mailbox that keeps only the newest value.
// Set overwrites an unread value; Poll consumes it.
type Latest[T any] struct {
	mu      sync.Mutex
	value   T
	fresh   bool
	closed  bool
	sets    uint64
	overrun uint64
	notify  chan struct{}
	done    chan struct{}
}

// NewLatest creates an empty mailbox.
func NewLatest[T any]() *Latest[T] {
	return &Latest[T]{notify: make(chan struct{}, 1), done: make(chan struct{})}
}

// TrySend stores v, replacing any unread value. It fails only after Close.
func (l *Latest[T]) TrySend(v T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	if l.fresh {
		l.overrun++
	}
	l.value = v
	l.fresh = true
	l.sets++
	select {
	case l.notify <- struct{}{}:
	default:
	}
	return true
}

// Poll returns the newest value if it has not been polled yet.
func (l *Latest[T]) Poll() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.fresh {
		var zero T
		return zero, false
	}
	l.fresh = false
	return l.value, true
}

// Ready is signalled after a send; a value may already have been polled by then.
func (l *Latest[T]) Ready() <-chan struct{} {
	return l.notify
}

// Stats returns the number of sends and how many of them replaced an unread value.
func (l *Latest[T]) Stats() (sets, overrun uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sets, l.overrun
}

// Done is closed by Close.
func (l *Latest[T]) Done() <-chan struct{} {
	return l.done
}

// Close stops accepting values. A pending value can still be polled.
func (l *Latest[T]) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.done)
}
