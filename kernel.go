package zkgate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/zkgate/gate"
	"pkt.systems/zkgate/internal/clock"
	"pkt.systems/zkgate/internal/store"
	"pkt.systems/zkgate/internal/svcfields"
	"pkt.systems/zkgate/lock"
	"pkt.systems/zkgate/prefs"
	"pkt.systems/zkgate/queue"
)

// Kernel assembles a Gate and the components built on it. Components
// receive the Gate at construction; there is no process-wide instance.
type Kernel struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	connector store.Connector
	gate      *gate.Gate
	locks     *lock.Manager
	queues    *queue.Manager
	prefs     *prefs.Store
	telemetry *telemetry

	mu     sync.Mutex
	closed bool
}

// Option configures kernel instances.
type Option func(*options)

type options struct {
	Logger    pslog.Logger
	Clock     clock.Clock
	Connector store.Connector
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithConnector injects a pre-built store connector instead of opening
// cfg.Store. The kernel closes it on Close.
func WithConnector(c store.Connector) Option {
	return func(o *options) {
		o.Connector = c
	}
}

// New validates cfg, opens the store, and wires the components. The
// session is not opened until Start.
func New(ctx context.Context, cfg Config, opts ...Option) (*Kernel, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := svcfields.EnsureLogger(o.Logger)
	clk := clock.Or(o.Clock)

	tel, err := setupTelemetry(ctx, cfg, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	connector := o.Connector
	if connector == nil {
		connector, err = openConnector(ctx, cfg, logger, clk)
		if err != nil {
			_ = tel.Shutdown(context.WithoutCancel(ctx))
			return nil, err
		}
	}

	g := gate.New(connector, gate.Config{
		NodeID:            cfg.NodeID,
		WaitForCluster:    cfg.WaitForCluster,
		Presence:          cfg.Presence,
		RegisterNode:      cfg.RegisterNode,
		Connection:        cfg.Connection,
		ConnectAttempts:   cfg.ConnectAttempts,
		ConnectBackoff:    cfg.ConnectBackoff,
		ConnectMaxBackoff: cfg.ConnectMaxBackoff,
		Logger:            logger,
		Clock:             clk,
	})
	k := &Kernel{
		cfg:       cfg,
		logger:    logger,
		clock:     clk,
		connector: connector,
		gate:      g,
		locks:     lock.NewManager(g, lock.Config{}),
		queues:    queue.NewManager(g, queue.Config{VisibilityTimeout: cfg.VisibilityTimeout}),
		prefs:     prefs.New(g, prefs.Config{}),
		telemetry: tel,
	}
	logger.Info("kernel.configured", "store", cfg.Store, "node_id", g.NodeID(), "presence", cfg.Presence, "wait_for_cluster", cfg.WaitForCluster)
	return k, nil
}

// Start opens the session. It does not wait for the online signal.
func (k *Kernel) Start(ctx context.Context) error {
	return k.gate.Start(ctx)
}

// AwaitOnline blocks until the gate reports online; see gate.Gate.AwaitOnline.
func (k *Kernel) AwaitOnline(ctx context.Context, timeout time.Duration) error {
	return k.gate.AwaitOnline(ctx, timeout)
}

// Config returns the validated configuration.
func (k *Kernel) Config() Config { return k.cfg }

// Logger returns the base logger.
func (k *Kernel) Logger() pslog.Logger { return k.logger }

// Gate returns the session gate.
func (k *Kernel) Gate() *gate.Gate { return k.gate }

// Locks returns the lock manager.
func (k *Kernel) Locks() *lock.Manager { return k.locks }

// Queues returns the queue manager.
func (k *Kernel) Queues() *queue.Manager { return k.queues }

// Prefs returns the preferences store.
func (k *Kernel) Prefs() *prefs.Store { return k.prefs }

// Close ends the session, closes the store, and flushes telemetry. When
// ctx is already done a fresh DefaultShutdownTimeout budget is used.
func (k *Kernel) Close(ctx context.Context) error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
		defer cancel()
	}
	var errs []error
	if err := k.gate.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("gate close: %w", err))
	}
	if err := k.connector.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	if err := k.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		k.logger.Warn("kernel.close.failure", "error", err)
		return err
	}
	k.logger.Info("kernel.closed")
	return nil
}

// StartKernel builds a kernel, starts it, and waits up to awaitOnline for
// the online signal (non-positive selects DefaultAwaitOnline). The returned
// stop function is idempotent; it also runs when ctx ends.
func StartKernel(ctx context.Context, cfg Config, awaitOnline time.Duration, opts ...Option) (*Kernel, func(context.Context) error, error) {
	k, err := New(ctx, cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	if awaitOnline <= 0 {
		awaitOnline = DefaultAwaitOnline
	}
	if err := k.Start(ctx); err != nil {
		_ = k.Close(context.WithoutCancel(ctx))
		return nil, nil, err
	}
	if err := k.AwaitOnline(ctx, awaitOnline); err != nil {
		_ = k.Close(context.WithoutCancel(ctx))
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
		stopped  = make(chan struct{})
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			close(stopped)
			stopErr = k.Close(shutdownCtx)
		})
		return stopErr
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = stop(context.Background())
		case <-stopped:
		}
	}()
	return k, stop, nil
}
