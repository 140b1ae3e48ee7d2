package gate

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type gateMetrics struct {
	transitions metric.Int64Counter
	sessions    metric.Int64Counter
	rejected    metric.Int64Counter
}

func newGateMetrics(logger pslog.Logger) *gateMetrics {
	meter := otel.Meter("pkt.systems/zkgate/gate")
	m := &gateMetrics{}
	var err error

	m.transitions, err = meter.Int64Counter(
		"zkgate.gate.transitions",
		metric.WithDescription("Gate state transitions"),
	)
	logMetricInitError(logger, "zkgate.gate.transitions", err)

	m.sessions, err = meter.Int64Counter(
		"zkgate.gate.sessions",
		metric.WithDescription("Sessions established with the coordination store"),
	)
	logMetricInitError(logger, "zkgate.gate.sessions", err)

	m.rejected, err = meter.Int64Counter(
		"zkgate.gate.rejected",
		metric.WithDescription("Store operations rejected because the gate was not online"),
	)
	logMetricInitError(logger, "zkgate.gate.rejected", err)
	return m
}

func (m *gateMetrics) recordTransition(state State) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("zkgate.gate.state", state.String())))
}

func (m *gateMetrics) recordSession(result string) {
	if m == nil || m.sessions == nil {
		return
	}
	m.sessions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("zkgate.gate.result", result)))
}

func (m *gateMetrics) recordRejected(ctx context.Context, op string) {
	if m == nil || m.rejected == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("zkgate.store.operation", op)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
