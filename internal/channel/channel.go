// Package channel provides generic channel types for decoupled communication
// between the acquisition loop, transports and consumers.
package channel

import "errors"

// ErrClosed is returned when sending on a closed channel.
var ErrClosed = errors.New("channel closed")

// Receiver provides read access to a channel.
type Receiver[T any] interface {
	Receive() <-chan T
	Len() int
}

// Sender provides non-blocking write access to a channel. TrySend reports
// whether the value was accepted.
type Sender[T any] interface {
	TrySend(T) bool
}

// Poller returns the newest value if one arrived since the last poll.
type Poller[T any] interface {
	Poll() (T, bool)
}
