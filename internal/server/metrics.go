package server

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/depthwire/kinectwrapper/internal/server"

type metrics struct {
	ticks     metric.Int64Counter
	skipped   metric.Int64Counter
	published metric.Int64Counter
	duration  metric.Float64Histogram
}

// newMetrics creates the acquisition instruments on the global meter
// (no-op unless a provider is installed).
func newMetrics() (*metrics, error) {
	m := otel.Meter(instrumentationName)
	var (
		out metrics
		err error
	)
	if out.ticks, err = m.Int64Counter("acquisition.ticks",
		metric.WithDescription("Acquisition ticks run")); err != nil {
		return nil, fmt.Errorf("creating ticks counter: %w", err)
	}
	if out.skipped, err = m.Int64Counter("acquisition.skipped",
		metric.WithDescription("Reads skipped because the driver had no data")); err != nil {
		return nil, fmt.Errorf("creating skipped counter: %w", err)
	}
	if out.published, err = m.Int64Counter("acquisition.published",
		metric.WithDescription("Frames published to at least one subscriber")); err != nil {
		return nil, fmt.Errorf("creating published counter: %w", err)
	}
	if out.duration, err = m.Float64Histogram("acquisition.tick.duration",
		metric.WithDescription("Duration of one acquisition tick"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("creating duration histogram: %w", err)
	}
	return &out, nil
}

func (m *metrics) skip(ctx context.Context, category string) {
	m.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}
