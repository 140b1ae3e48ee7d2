package retry

import (
	"context"
	"errors"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/zkgate/internal/clock"
	"pkt.systems/zkgate/internal/store"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

func (cfg Config) sanitize() Config {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	return cfg
}

// Wrapper returns a store.ConnWrapper that retries transient errors on the
// same session according to cfg.
func Wrapper(logger pslog.Logger, clk clock.Clock, cfg Config) store.ConnWrapper {
	return func(inner store.Conn) store.Conn {
		return Wrap(inner, logger, clk, cfg)
	}
}

// Wrap returns a session that retries transient errors according to cfg.
// Sequential creates are never retried: a lost reply may hide a node that
// was created, and a retry would create a second one.
func Wrap(inner store.Conn, logger pslog.Logger, clk clock.Clock, cfg Config) store.Conn {
	if inner == nil {
		return nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &conn{
		Conn:   inner,
		logger: logger,
		clock:  clock.Or(clk),
		cfg:    cfg.sanitize(),
	}
}

type conn struct {
	store.Conn
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (c *conn) Create(ctx context.Context, path string, data []byte, mode store.CreateMode) (string, error) {
	if mode.Sequential() {
		return c.Conn.Create(ctx, path, data, mode)
	}
	var created string
	err := c.withRetry(ctx, "create", path, func(ctx context.Context) error {
		var err error
		created, err = c.Conn.Create(ctx, path, data, mode)
		return err
	})
	return created, err
}

func (c *conn) Delete(ctx context.Context, path string, version int64) error {
	retried := false
	err := c.withRetry(ctx, "delete", path, func(ctx context.Context) error {
		err := c.Conn.Delete(ctx, path, version)
		if store.IsTransient(err) {
			retried = true
		}
		return err
	})
	// An unconditional delete whose first reply was lost may have succeeded.
	if retried && version == store.AnyVersion && errors.Is(err, store.ErrNoNode) {
		return nil
	}
	return err
}

func (c *conn) Exists(ctx context.Context, path string, watch bool) (*store.Stat, <-chan store.Event, error) {
	var (
		stat *store.Stat
		ch   <-chan store.Event
	)
	err := c.withRetry(ctx, "exists", path, func(ctx context.Context) error {
		var err error
		stat, ch, err = c.Conn.Exists(ctx, path, watch)
		return err
	})
	return stat, ch, err
}

func (c *conn) Get(ctx context.Context, path string, watch bool) ([]byte, *store.Stat, <-chan store.Event, error) {
	var (
		data []byte
		stat *store.Stat
		ch   <-chan store.Event
	)
	err := c.withRetry(ctx, "get", path, func(ctx context.Context) error {
		var err error
		data, stat, ch, err = c.Conn.Get(ctx, path, watch)
		return err
	})
	return data, stat, ch, err
}

func (c *conn) Children(ctx context.Context, path string, watch bool) ([]string, *store.Stat, <-chan store.Event, error) {
	var (
		names []string
		stat  *store.Stat
		ch    <-chan store.Event
	)
	err := c.withRetry(ctx, "children", path, func(ctx context.Context) error {
		var err error
		names, stat, ch, err = c.Conn.Children(ctx, path, watch)
		return err
	})
	return names, stat, ch, err
}

func (c *conn) Set(ctx context.Context, path string, data []byte, version int64) (*store.Stat, error) {
	var stat *store.Stat
	err := c.withRetry(ctx, "set", path, func(ctx context.Context) error {
		var err error
		stat, err = c.Conn.Set(ctx, path, data, version)
		return err
	})
	return stat, err
}

func (c *conn) withRetry(ctx context.Context, op, path string, fn func(context.Context) error) error {
	attempts := c.cfg.MaxAttempts
	delay := c.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !store.IsTransient(err) || attempt == attempts {
			return err
		}
		c.logger.Warn("store.retry.transient",
			"operation", op,
			"path", path,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		if err := clock.SleepContext(ctx, c.clock, delay); err != nil {
			return err
		}
		next := time.Duration(float64(delay) * c.cfg.Multiplier)
		if c.cfg.MaxDelay > 0 && next > c.cfg.MaxDelay {
			next = c.cfg.MaxDelay
		}
		delay = next
	}
	return lastErr
}
