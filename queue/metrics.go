package queue

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type queueMetrics struct {
	sent      metric.Int64Counter
	delivered metric.Int64Counter
	deleted   metric.Int64Counter
	conflicts metric.Int64Counter
}

func newQueueMetrics(logger pslog.Logger) *queueMetrics {
	meter := otel.Meter("pkt.systems/zkgate/queue")
	m := &queueMetrics{}
	var err error

	m.sent, err = meter.Int64Counter("zkgate.queue.sent", metric.WithDescription("Messages enqueued"))
	logMetricInitError(logger, "zkgate.queue.sent", err)

	m.delivered, err = meter.Int64Counter("zkgate.queue.delivered", metric.WithDescription("Messages handed to receivers or consumers"))
	logMetricInitError(logger, "zkgate.queue.delivered", err)

	m.deleted, err = meter.Int64Counter("zkgate.queue.deleted", metric.WithDescription("Messages deleted after processing"))
	logMetricInitError(logger, "zkgate.queue.deleted", err)

	m.conflicts, err = meter.Int64Counter("zkgate.queue.claim_conflicts", metric.WithDescription("Claims lost to a concurrent receiver"))
	logMetricInitError(logger, "zkgate.queue.claim_conflicts", err)
	return m
}

func (m *queueMetrics) add(ctx context.Context, c metric.Int64Counter, queue, mode string, n int) {
	if m == nil || c == nil || n == 0 {
		return
	}
	c.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("zkgate.queue", queue),
		attribute.String("zkgate.queue.mode", mode),
	))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
