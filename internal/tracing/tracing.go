// Package tracing assembles the OpenTelemetry SDK plumbing the rest of
// the core records against: a meter provider whose periodic reader
// reports through slog on the [stat] section's report cycle, standing in
// for the external gdata sink.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/pebblerpc/pebble/internal/config"
)

// NewMeterProvider builds the process meter provider and installs it as
// the otel global. Shutdown via the returned provider.
func NewMeterProvider(stat config.Stat, app config.AppIdentity, log *slog.Logger) (*sdkmetric.MeterProvider, error) {
	if log == nil {
		log = slog.Default()
	}
	cycle := time.Duration(stat.ReportCycleS) * time.Second
	if cycle <= 0 {
		cycle = time.Minute
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", "pebble"),
		attribute.String("app.id", app.AppID),
		attribute.String("app.instance_id", app.InstanceID),
		attribute.String("app.unit_id", app.UnitID),
	)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
			&slogExporter{log: log},
			sdkmetric.WithInterval(cycle),
		)),
	)
	otel.SetMeterProvider(mp)
	return mp, nil
}

// slogExporter prints each collected instrument through the process
// logger, one line per metric, which is all the stat collaborator's
// report cycle needs in-repo.
type slogExporter struct {
	log *slog.Logger
}

func (e *slogExporter) Temporality(k sdkmetric.InstrumentKind) metricdata.Temporality {
	return sdkmetric.DefaultTemporalitySelector(k)
}

func (e *slogExporter) Aggregation(k sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(k)
}

func (e *slogExporter) Export(_ context.Context, rm *metricdata.ResourceMetrics) error {
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			e.log.Info("stat: report",
				"metric", m.Name,
				"value", summarize(m.Data))
		}
	}
	return nil
}

func (e *slogExporter) ForceFlush(context.Context) error { return nil }
func (e *slogExporter) Shutdown(context.Context) error   { return nil }

func summarize(data metricdata.Aggregation) string {
	switch d := data.(type) {
	case metricdata.Sum[int64]:
		var total int64
		for _, p := range d.DataPoints {
			total += p.Value
		}
		return fmt.Sprintf("%d", total)
	case metricdata.Sum[float64]:
		var total float64
		for _, p := range d.DataPoints {
			total += p.Value
		}
		return fmt.Sprintf("%g", total)
	case metricdata.Gauge[int64]:
		if n := len(d.DataPoints); n > 0 {
			return fmt.Sprintf("%d", d.DataPoints[n-1].Value)
		}
	case metricdata.Gauge[float64]:
		if n := len(d.DataPoints); n > 0 {
			return fmt.Sprintf("%g", d.DataPoints[n-1].Value)
		}
	}
	return "?"
}
