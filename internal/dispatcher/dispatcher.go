// Package dispatcher routes named commands to handlers. The server uses it
// for rpc queries, which run one at a time, and for tick sinks, which run
// behind a bounded queue so a slow consumer never stalls acquisition.
package dispatcher

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/depthwire/kinectwrapper/internal/channel"
)

// Errors returned by Dispatch.
var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrQueueFull      = errors.New("queue full")
	ErrClosed         = errors.New("dispatcher closed")
)

// Event is a request routed by command name. Args holds the positional
// arguments of an rpc request; Payload carries in-process data such as the
// players published on a tick.
type Event struct {
	Command   string
	Args      []string
	Payload   any
	Timestamp time.Time
}

// HandlerFunc processes an event and returns a result.
type HandlerFunc func(Event) (any, error)

// Logger is satisfied by *slog.Logger and logging.DispatcherLogger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures handler registration.
type Option func(*route)

// Buffered runs the handler on its own goroutine behind a queue of the
// given size. Dispatch returns as soon as the event is queued and fails with
// ErrQueueFull when it is not.
func Buffered(size int) Option {
	return func(r *route) { r.bufferSize = size }
}

// Logged adds debug logging around the handler.
func Logged() Option {
	return func(r *route) { r.logged = true }
}

// Serialized runs the handler under the dispatcher-wide request lock, so at
// most one serialized handler executes at a time.
func Serialized() Option {
	return func(r *route) { r.serialized = true }
}

type route struct {
	bufferSize int
	logged     bool
	serialized bool

	call  HandlerFunc
	queue *channel.Buffered[Event]
}

// Dispatcher routes events to registered handlers.
type Dispatcher struct {
	logger  Logger
	metrics *metrics

	// held while a Serialized handler runs
	requestMu sync.Mutex

	mu     sync.RWMutex
	routes map[string]*route
	closed bool
	wg     sync.WaitGroup
}

// New creates a dispatcher. Metrics go to the global OTel meter.
func New(logger Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		logger: logger,
		routes: make(map[string]*route),
	}
	m, err := newMetrics(d)
	if err != nil {
		return nil, err
	}
	d.metrics = m
	return d, nil
}

// Register installs h for command, replacing any previous handler.
func (d *Dispatcher) Register(command string, h HandlerFunc, opts ...Option) {
	r := &route{}
	for _, opt := range opts {
		opt(r)
	}

	call := h
	if r.serialized {
		call = d.serialize(call)
	}
	if r.logged {
		call = d.logged(command, call)
	}
	r.call = call

	if r.bufferSize > 0 {
		r.queue = channel.NewBuffered[Event](r.bufferSize)
		d.wg.Add(1)
		go d.drain(command, r)
	}

	d.mu.Lock()
	old := d.routes[command]
	d.routes[command] = r
	d.mu.Unlock()
	if old != nil && old.queue != nil {
		old.queue.Close()
	}
}

// Dispatch routes an event to its handler. Buffered handlers return a nil
// result once the event is queued.
func (d *Dispatcher) Dispatch(e Event) (any, error) {
	d.mu.RLock()
	r, ok := d.routes[e.Command]
	closed := d.closed
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, e.Command)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if r.queue == nil {
		return r.call(e)
	}
	if closed {
		return nil, fmt.Errorf("%w: %s", ErrClosed, e.Command)
	}
	if !r.queue.TrySend(e) {
		d.metrics.drop(e.Command)
		return nil, fmt.Errorf("%w: %s", ErrQueueFull, e.Command)
	}
	return nil, nil
}

// HasHandler returns true if a handler is registered for the command.
func (d *Dispatcher) HasHandler(command string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.routes[command]
	return ok
}

// Commands lists the registered commands in order.
func (d *Dispatcher) Commands() []string {
	d.mu.RLock()
	out := make([]string, 0, len(d.routes))
	for cmd := range d.routes {
		out = append(out, cmd)
	}
	d.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Close stops accepting buffered events and waits for queued ones to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, r := range d.routes {
		if r.queue != nil {
			r.queue.Close()
		}
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) drain(command string, r *route) {
	defer d.wg.Done()
	for e := range r.queue.Receive() {
		if _, err := r.call(e); err != nil {
			d.logger.Error("buffered handler failed", "command", command, "error", err)
		}
		d.metrics.processed(command)
	}
}

func (d *Dispatcher) queueLengths() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]int)
	for cmd, r := range d.routes {
		if r.queue != nil {
			out[cmd] = r.queue.Len()
		}
	}
	return out
}

func (d *Dispatcher) serialize(h HandlerFunc) HandlerFunc {
	return func(e Event) (any, error) {
		d.requestMu.Lock()
		defer d.requestMu.Unlock()
		return h(e)
	}
}

func (d *Dispatcher) logged(command string, h HandlerFunc) HandlerFunc {
	return func(e Event) (any, error) {
		start := time.Now()
		d.logger.Debug("handling event", "command", command, "args", e.Args)

		result, err := h(e)
		if err != nil {
			d.logger.Error("event failed", "command", command, "duration", time.Since(start), "error", err)
			return result, err
		}
		d.logger.Debug("event complete", "command", command, "duration", time.Since(start))
		return result, nil
	}
}
