package lock

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type lockMetrics struct {
	acquires metric.Int64Counter
	waitTime metric.Int64Histogram
	lost     metric.Int64Counter
}

func newLockMetrics(logger pslog.Logger) *lockMetrics {
	meter := otel.Meter("pkt.systems/zkgate/lock")
	m := &lockMetrics{}
	var err error

	m.acquires, err = meter.Int64Counter(
		"zkgate.lock.acquires",
		metric.WithDescription("Lock acquisition attempts by result"),
	)
	logMetricInitError(logger, "zkgate.lock.acquires", err)

	m.waitTime, err = meter.Int64Histogram(
		"zkgate.lock.wait_ms",
		metric.WithDescription("Time spent waiting for a lock"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "zkgate.lock.wait_ms", err)

	m.lost, err = meter.Int64Counter(
		"zkgate.lock.lost",
		metric.WithDescription("Held locks lost underneath their holder"),
	)
	logMetricInitError(logger, "zkgate.lock.lost", err)
	return m
}

func (m *lockMetrics) recordAcquire(ctx context.Context, kind string, waited time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("zkgate.lock.kind", kind),
		attribute.String("zkgate.lock.result", result),
	)
	if m.acquires != nil {
		m.acquires.Add(ctx, 1, attrs)
	}
	if m.waitTime != nil {
		m.waitTime.Record(ctx, waited.Milliseconds(), attrs)
	}
}

func (m *lockMetrics) recordLost(kind string) {
	if m == nil || m.lost == nil {
		return
	}
	m.lost.Add(context.Background(), 1, metric.WithAttributes(attribute.String("zkgate.lock.kind", kind)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
