package dispatcher

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/depthwire/kinectwrapper/internal/dispatcher"

type metrics struct {
	queueSize metric.Int64ObservableGauge
	handled   metric.Int64Counter
	dropped   metric.Int64Counter
}

// newMetrics creates the dispatcher instruments on the global meter; the
// queue gauge is observed from d on every collection.
func newMetrics(d *Dispatcher) (*metrics, error) {
	m := otel.Meter(instrumentationName)
	var (
		out metrics
		err error
	)

	if out.queueSize, err = m.Int64ObservableGauge("dispatcher.queue.size",
		metric.WithDescription("Events waiting in a buffered handler queue")); err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}
	if _, err = m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for cmd, n := range d.queueLengths() {
			o.ObserveInt64(out.queueSize, int64(n), metric.WithAttributes(attribute.String("command", cmd)))
		}
		return nil
	}, out.queueSize); err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	if out.handled, err = m.Int64Counter("dispatcher.events.processed",
		metric.WithDescription("Buffered events handled")); err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}
	if out.dropped, err = m.Int64Counter("dispatcher.events.dropped",
		metric.WithDescription("Events refused because the queue was full")); err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}
	return &out, nil
}

func (m *metrics) processed(command string) {
	m.handled.Add(context.Background(), 1, metric.WithAttributes(attribute.String("command", command)))
}

func (m *metrics) drop(command string) {
	m.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("command", command)))
}
