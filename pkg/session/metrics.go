// MetricObserver derives test duration, count, and failure metrics from finished tests.
// Uses the OTel Metrics API to record measurements with package and outcome attributes.
package session

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricObserver records derived metrics for each observed test.
type MetricObserver struct {
	duration metric.Float64Histogram
	tests    metric.Int64Counter
	failures metric.Int64Counter
}

// NewMetricObserver creates a MetricObserver backed by the given MeterProvider.
func NewMetricObserver(mp metric.MeterProvider) (*MetricObserver, error) {
	meter := mp.Meter("testotel")

	duration, err := meter.Float64Histogram("tests.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of executed tests in seconds"),
	)
	if err != nil {
		return nil, err
	}

	tests, err := meter.Int64Counter("tests.count",
		metric.WithDescription("Number of executed tests"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("tests.failure.count",
		metric.WithDescription("Number of failed tests"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricObserver{
		duration: duration,
		tests:    tests,
		failures: failures,
	}, nil
}

// Observe records metrics derived from the finished test.
func (m *MetricObserver) Observe(info TestInfo) {
	attrs := metric.WithAttributes(
		attribute.String(AttrPackage, info.ID.Package),
		attribute.String(AttrStatus, info.Outcome.String()),
	)
	m.tests.Add(context.Background(), 1, attrs)
	m.duration.Record(context.Background(), info.Duration.Seconds(), attrs)
	if info.Outcome == OutcomeFailed {
		m.failures.Add(context.Background(), 1, attrs)
	}
}
