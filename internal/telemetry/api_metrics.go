package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// APIMetrics holds the instruments for the request-facing servers (HTTP and gRPC).
type APIMetrics struct {
	RequestsStartedCounter      metric.Int64Counter
	RequestsHandledCounter      metric.Int64Counter
	RequestLatencyHistogram     metric.Int64Histogram
	ActiveRequestsUpDownCounter metric.Int64UpDownCounter
	RejectedCounter             metric.Int64Counter
}

// NewAPIMetrics creates and registers the API instruments.
func NewAPIMetrics(meter metric.Meter) (*APIMetrics, error) {
	started, err := meter.Int64Counter(
		"photobook.api.started_total",
		metric.WithDescription("Total number of requests started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	handled, err := meter.Int64Counter(
		"photobook.api.handled_total",
		metric.WithDescription("Total number of requests completed, by route and code."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Int64Histogram(
		"photobook.api.duration",
		metric.WithDescription("The latency of requests."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter(
		"photobook.api.active_requests",
		metric.WithDescription("Number of in-flight requests."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rejected, err := meter.Int64Counter(
		"photobook.api.rate_limited_total",
		metric.WithDescription("Requests rejected by the admission limiter."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &APIMetrics{
		RequestsStartedCounter:      started,
		RequestsHandledCounter:      handled,
		RequestLatencyHistogram:     latency,
		ActiveRequestsUpDownCounter: active,
		RejectedCounter:             rejected,
	}, nil
}
