package prefs

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type prefsMetrics struct {
	writes    metric.Int64Counter
	conflicts metric.Int64Counter
}

func newPrefsMetrics(logger pslog.Logger) *prefsMetrics {
	meter := otel.Meter("pkt.systems/zkgate/prefs")
	m := &prefsMetrics{}
	var err error

	m.writes, err = meter.Int64Counter("zkgate.prefs.writes", metric.WithDescription("Preference nodes written by flush"))
	logMetricInitError(logger, "zkgate.prefs.writes", err)

	m.conflicts, err = meter.Int64Counter("zkgate.prefs.conflicts", metric.WithDescription("Writes rejected by a modification conflict"))
	logMetricInitError(logger, "zkgate.prefs.conflicts", err)
	return m
}

func (m *prefsMetrics) record(ctx context.Context, op string, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("zkgate.prefs.op", op))
	if err != nil {
		if m.conflicts != nil {
			m.conflicts.Add(ctx, 1, attrs)
		}
		return
	}
	if m.writes != nil {
		m.writes.Add(ctx, 1, attrs)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
