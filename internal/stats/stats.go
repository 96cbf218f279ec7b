// Package stats accumulates RPC engine counters on OpenTelemetry
// instruments. It is the in-repo face of the external stats collaborator:
// the engine reports request outcomes here and a periodic reader exports
// them wherever the meter provider points.
package stats

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Result labels the terminal state of one dispatched request.
type Result string

const (
	ResultOK        Result = "ok"
	ResultException Result = "exception"
	ResultTimeout   Result = "timeout"
	ResultRejected  Result = "rejected"
	ResultDropped   Result = "dropped"
)

// Collector records per-request outcomes. A nil *Collector is valid and
// records nothing, so call sites don't need to guard.
type Collector struct {
	requests  metric.Int64Counter
	responses metric.Int64Counter
	inflight  metric.Int64UpDownCounter
}

// New builds a Collector on meter. meter must be non-nil; callers that
// want a no-op collector pass a nil *Collector around instead.
func New(meter metric.Meter) (*Collector, error) {
	requests, err := meter.Int64Counter(
		"pebble.rpc.requests_total",
		metric.WithDescription("dispatched requests by terminal result"),
	)
	if err != nil {
		return nil, err
	}
	responses, err := meter.Int64Counter(
		"pebble.rpc.responses_total",
		metric.WithDescription("responses sent or dropped by result"),
	)
	if err != nil {
		return nil, err
	}
	inflight, err := meter.Int64UpDownCounter(
		"pebble.rpc.inflight_requests",
		metric.WithDescription("server-side requests currently in a handler"),
	)
	if err != nil {
		return nil, err
	}
	return &Collector{requests: requests, responses: responses, inflight: inflight}, nil
}

func (c *Collector) Request(ctx context.Context, result Result) {
	if c == nil {
		return
	}
	c.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(result))))
}

func (c *Collector) Response(ctx context.Context, result Result) {
	if c == nil {
		return
	}
	c.responses.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(result))))
}

func (c *Collector) InflightDelta(ctx context.Context, delta int64) {
	if c == nil {
		return
	}
	c.inflight.Add(ctx, delta)
}
