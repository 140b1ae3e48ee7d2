package logging

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/zkgate/internal/store"
)

type conn struct {
	store.Conn
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrapper returns a store.ConnWrapper that decorates sessions with spans and
// trace/debug logging.
func Wrapper(logger pslog.Logger, sys string) store.ConnWrapper {
	return func(inner store.Conn) store.Conn {
		return Wrap(inner, logger, sys)
	}
}

// Wrap decorates inner with spans and trace/debug logging.
func Wrap(inner store.Conn, logger pslog.Logger, sys string) store.Conn {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &conn{
		Conn:   inner,
		logger: logger.With("session_id", inner.SessionID()),
		tracer: otel.Tracer("pkt.systems/zkgate/store"),
		sys:    sys,
	}
}

// outcome classifies err; expected conflicts are not span errors.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, store.ErrNoNode), errors.Is(err, store.ErrNodeExists),
		errors.Is(err, store.ErrBadVersion), errors.Is(err, store.ErrNotEmpty):
		return "conflict"
	default:
		return "error"
	}
}

func (c *conn) start(ctx context.Context, op, path string) (context.Context, trace.Span, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := c.tracer.Start(ctx, "zkgate.store."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("zkgate.store.operation", op),
		attribute.String("zkgate.store.path", path),
		attribute.String("zkgate.sys", c.sys),
		attribute.Int64("zkgate.store.session_id", c.SessionID()),
	)
	logger := c.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger.With("session_id", c.SessionID())
	}
	logger = logger.With("path", path)
	logger.Trace("store." + op + ".begin")
	return ctx, span, logger, func(err error) {
		result := outcome(err)
		elapsed := time.Since(begin)
		if result == "error" {
			span.RecordError(err)
			span.SetStatus(codes.Error, "store_error")
			logger.Debug("store."+op+".error", "error", err, "elapsed", elapsed)
		} else {
			span.SetStatus(codes.Ok, "")
			logger.Trace("store."+op+".end", "result", result, "error", err, "elapsed", elapsed)
		}
		span.SetAttributes(
			attribute.String("zkgate.store.result", result),
			attribute.Int64("zkgate.store.duration_ms", elapsed.Milliseconds()),
		)
		span.End()
	}
}

func (c *conn) Create(ctx context.Context, path string, data []byte, mode store.CreateMode) (string, error) {
	ctx, span, logger, finish := c.start(ctx, "create", path)
	span.SetAttributes(attribute.String("zkgate.store.mode", mode.String()), attribute.Int("zkgate.store.bytes", len(data)))
	created, err := c.Conn.Create(ctx, path, data, mode)
	if err == nil && created != path {
		logger.Trace("store.create.sequential", "created", created)
	}
	finish(err)
	return created, err
}

func (c *conn) Delete(ctx context.Context, path string, version int64) error {
	ctx, span, _, finish := c.start(ctx, "delete", path)
	span.SetAttributes(attribute.Int64("zkgate.store.expected_version", version))
	err := c.Conn.Delete(ctx, path, version)
	finish(err)
	return err
}

func (c *conn) Exists(ctx context.Context, path string, watch bool) (*store.Stat, <-chan store.Event, error) {
	ctx, span, _, finish := c.start(ctx, "exists", path)
	span.SetAttributes(attribute.Bool("zkgate.store.watch", watch))
	stat, ch, err := c.Conn.Exists(ctx, path, watch)
	span.SetAttributes(attribute.Bool("zkgate.store.found", stat != nil))
	finish(err)
	return stat, ch, err
}

func (c *conn) Get(ctx context.Context, path string, watch bool) ([]byte, *store.Stat, <-chan store.Event, error) {
	ctx, span, _, finish := c.start(ctx, "get", path)
	span.SetAttributes(attribute.Bool("zkgate.store.watch", watch))
	data, stat, ch, err := c.Conn.Get(ctx, path, watch)
	if stat != nil {
		span.SetAttributes(attribute.Int64("zkgate.store.version", stat.Version))
	}
	finish(err)
	return data, stat, ch, err
}

func (c *conn) Children(ctx context.Context, path string, watch bool) ([]string, *store.Stat, <-chan store.Event, error) {
	ctx, span, _, finish := c.start(ctx, "children", path)
	span.SetAttributes(attribute.Bool("zkgate.store.watch", watch))
	names, stat, ch, err := c.Conn.Children(ctx, path, watch)
	span.SetAttributes(attribute.Int("zkgate.store.children", len(names)))
	finish(err)
	return names, stat, ch, err
}

func (c *conn) Set(ctx context.Context, path string, data []byte, version int64) (*store.Stat, error) {
	ctx, span, _, finish := c.start(ctx, "set", path)
	span.SetAttributes(attribute.Int64("zkgate.store.expected_version", version), attribute.Int("zkgate.store.bytes", len(data)))
	stat, err := c.Conn.Set(ctx, path, data, version)
	finish(err)
	return stat, err
}

func (c *conn) Close() error {
	c.logger.Debug("store.session.close")
	return c.Conn.Close()
}
