// Package gate owns the node's single logical session with the coordination
// store. It tracks the session state, exposes a one-shot online signal the
// other components wait on, and hands out a store that fails fast with
// coord.ErrNotOnline while the node is not connected.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowchartsman/retry"
	"pkt.systems/pslog"

	"pkt.systems/zkgate/coord"
	"pkt.systems/zkgate/internal/clock"
	"pkt.systems/zkgate/internal/ident"
	"pkt.systems/zkgate/internal/store"
	"pkt.systems/zkgate/internal/svcfields"
)

// ErrClosed is returned by operations on a closed gate.
var ErrClosed = errors.New("gate: closed")

// ErrNotStarted is returned by Reconnect and Reset before Start.
var ErrNotStarted = errors.New("gate: not started")

const (
	defaultConnectAttempts   = 5
	defaultConnectBackoff    = 100 * time.Millisecond
	defaultConnectMaxBackoff = 5 * time.Second
	presenceTimeout          = 5 * time.Second
)

// Config configures a Gate.
type Config struct {
	// NodeID identifies this node in presence and registry records. Defaults
	// to a generated id.
	NodeID string
	// OnlinePath is the cluster online marker watched when WaitForCluster is
	// set. Defaults to coord.OnlinePath.
	OnlinePath string
	// WaitForCluster holds the online signal until OnlinePath exists.
	WaitForCluster bool
	// Presence publishes an ephemeral presence node for every new session.
	Presence bool
	// RegisterNode records the node as pending in the registry when it
	// publishes presence and is not yet known.
	RegisterNode bool
	// Connection is the connection string advertised in presence records.
	Connection string

	ConnectAttempts   int
	ConnectBackoff    time.Duration
	ConnectMaxBackoff time.Duration

	Logger pslog.Logger
	Clock  clock.Clock
}

func (c *Config) sanitize() {
	if c.NodeID == "" {
		c.NodeID = ident.NewNodeID()
	}
	if c.OnlinePath == "" {
		c.OnlinePath = coord.OnlinePath
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = defaultConnectAttempts
	}
	if c.ConnectBackoff <= 0 {
		c.ConnectBackoff = defaultConnectBackoff
	}
	if c.ConnectMaxBackoff <= 0 {
		c.ConnectMaxBackoff = defaultConnectMaxBackoff
	}
	c.Clock = clock.Or(c.Clock)
}

// Gate manages the session lifecycle.
type Gate struct {
	connector store.Connector
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	metrics   *gateMetrics
	guarded   *guardedStore

	online     chan struct{}
	onlineOnce sync.Once

	mu              sync.Mutex
	started         bool
	closed          bool
	conn            store.Conn
	state           State
	lastConnected   time.Time
	presenceSession int64
	listeners       map[uint64]func(State)
	nextListener    uint64

	reconnecting atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// New returns a Gate over connector. Call Start to establish the session.
func New(connector store.Connector, cfg Config) *Gate {
	cfg.sanitize()
	logger := svcfields.WithSubsystem(cfg.Logger, "gate").With("node_id", cfg.NodeID)
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gate{
		connector: connector,
		cfg:       cfg,
		logger:    logger,
		clock:     cfg.Clock,
		metrics:   newGateMetrics(logger),
		online:    make(chan struct{}),
		state:     StateConnecting,
		listeners: make(map[uint64]func(State)),
		ctx:       ctx,
		cancel:    cancel,
	}
	g.guarded = &guardedStore{gate: g}
	return g
}

// NodeID returns the identity of this node.
func (g *Gate) NodeID() string { return g.cfg.NodeID }

// Logger returns the gate's logger for components built on it.
func (g *Gate) Logger() pslog.Logger { return g.logger }

// Clock returns the gate's clock.
func (g *Gate) Clock() clock.Clock { return g.clock }

// Start establishes the session and begins following connectivity events.
// It is a no-op when already started.
func (g *Gate) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	if g.started {
		g.mu.Unlock()
		return nil
	}
	g.started = true
	g.mu.Unlock()

	g.logger.Info("gate.start.begin", "wait_for_cluster", g.cfg.WaitForCluster)
	conn, err := g.connect(ctx)
	if err != nil {
		g.mu.Lock()
		g.started = false
		g.mu.Unlock()
		g.logger.Error("gate.start.error", "error", err)
		return err
	}
	g.install(conn)
	return nil
}

// connect opens a session, backing off on transient failures.
func (g *Gate) connect(ctx context.Context) (store.Conn, error) {
	var conn store.Conn
	retrier := retry.NewRetrier(g.cfg.ConnectAttempts, g.cfg.ConnectBackoff, g.cfg.ConnectMaxBackoff)
	err := retrier.RunContext(ctx, func(ctx context.Context) error {
		c, err := g.connector.Connect(ctx)
		if err != nil {
			if store.IsTransient(err) {
				g.logger.Warn("gate.connect.retry", "error", err)
				return err
			}
			return retry.Stop(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		g.metrics.recordSession("error")
		return nil, fmt.Errorf("gate: connect: %w", err)
	}
	g.metrics.recordSession("success")
	return conn, nil
}

func (g *Gate) install(conn store.Conn) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = conn.Close()
		return
	}
	g.conn = conn
	g.mu.Unlock()
	g.logger.Info("gate.session.established", "session_id", conn.SessionID())
	g.wg.Add(1)
	go g.watchSession(conn)
	g.onConnected(conn)
}

func (g *Gate) watchSession(conn store.Conn) {
	defer g.wg.Done()
	for ev := range conn.Events() {
		switch ev.State {
		case store.SessionConnected:
			g.logger.Info("gate.session.resumed", "session_id", ev.SessionID)
			g.onConnected(conn)
		case store.SessionDisconnected:
			g.logger.Warn("gate.session.suspended", "session_id", ev.SessionID)
			g.setState(conn, StateSuspended)
		case store.SessionExpired, store.SessionClosed:
			g.onSessionEnd(conn, ev.State)
		}
	}
}

func (g *Gate) onConnected(conn store.Conn) {
	if !g.setState(conn, StateConnected) {
		return
	}
	if g.cfg.Presence {
		g.mu.Lock()
		fresh := g.presenceSession != conn.SessionID()
		g.presenceSession = conn.SessionID()
		g.mu.Unlock()
		if fresh {
			ctx, cancel := context.WithTimeout(g.ctx, presenceTimeout)
			if err := g.publishPresence(ctx, conn); err != nil {
				g.logger.Warn("gate.presence.publish_failed", "session_id", conn.SessionID(), "error", err)
			}
			cancel()
		}
	}
	if !g.cfg.WaitForCluster {
		g.releaseOnline()
		return
	}
	if g.IsOnline() {
		return
	}
	g.wg.Add(1)
	go g.watchOnline(conn)
}

func (g *Gate) onSessionEnd(conn store.Conn, final store.SessionState) {
	g.mu.Lock()
	stale := conn != g.conn
	closed := g.closed
	g.mu.Unlock()
	if stale || closed {
		return
	}
	g.logger.Warn("gate.session.expired", "session_id", conn.SessionID(), "state", final.String())
	g.setState(conn, StateExpired)
	g.wg.Add(1)
	go g.reestablish(conn)
}

// reestablish replaces an expired session, retrying until the gate closes.
func (g *Gate) reestablish(expired store.Conn) {
	defer g.wg.Done()
	if !g.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer g.reconnecting.Store(false)
	g.setState(expired, StateConnecting)
	for {
		conn, err := g.connect(g.ctx)
		if err == nil {
			g.mu.Lock()
			current := g.conn
			g.mu.Unlock()
			if current != expired {
				_ = conn.Close()
				return
			}
			g.install(conn)
			return
		}
		if g.ctx.Err() != nil {
			return
		}
		g.logger.Warn("gate.session.reestablish_failed", "error", err)
		if clock.SleepContext(g.ctx, g.clock, g.cfg.ConnectMaxBackoff) != nil {
			return
		}
	}
}

func (g *Gate) watchOnline(conn store.Conn) {
	defer g.wg.Done()
	for !g.IsOnline() {
		stat, ch, err := conn.Exists(g.ctx, g.cfg.OnlinePath, true)
		if err != nil {
			if store.IsSessionLoss(err) || g.ctx.Err() != nil {
				return
			}
			g.logger.Warn("gate.online.watch_failed", "path", g.cfg.OnlinePath, "error", err)
			if clock.SleepContext(g.ctx, g.clock, g.cfg.ConnectBackoff) != nil {
				return
			}
			continue
		}
		if stat != nil {
			g.releaseOnline()
			return
		}
		select {
		case ev := <-ch:
			if ev.Type == store.EventNotWatching {
				return
			}
		case <-g.ctx.Done():
			return
		}
	}
}

func (g *Gate) releaseOnline() {
	g.onlineOnce.Do(func() {
		close(g.online)
		g.logger.Info("gate.online")
	})
}

// setState records a transition for conn; a nil conn forces the transition.
// It reports false when conn is no longer the gate's session.
func (g *Gate) setState(conn store.Conn, state State) bool {
	g.mu.Lock()
	if conn != nil && conn != g.conn {
		g.mu.Unlock()
		return false
	}
	if g.state == state {
		g.mu.Unlock()
		return true
	}
	prev := g.state
	g.state = state
	if state == StateConnected {
		g.lastConnected = g.clock.Now()
	}
	listeners := make([]func(State), 0, len(g.listeners))
	for _, fn := range g.listeners {
		listeners = append(listeners, fn)
	}
	g.mu.Unlock()

	g.logger.Debug("gate.state.transition", "from", prev.String(), "to", state.String())
	g.metrics.recordTransition(state)
	for _, fn := range listeners {
		fn(state)
	}
	return true
}

// AwaitOnline blocks until the online signal fires, ctx ends, or timeout
// elapses. A non-positive timeout waits on ctx alone. The signal fires once
// per Gate and does not re-arm; callers needing continuous connectivity must
// check State.
func (g *Gate) AwaitOnline(ctx context.Context, timeout time.Duration) error {
	select {
	case <-g.online:
		return nil
	default:
	}
	var deadline clock.Deadline
	if timeout > 0 {
		deadline = clock.NewDeadline(g.clock, timeout)
	}
	select {
	case <-g.online:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-g.ctx.Done():
		return ErrClosed
	case <-deadline.C():
		return coord.Fail(coord.ErrTimeout, "", fmt.Sprintf("gate not online after %s", timeout), nil)
	}
}

// Online returns a channel closed when the online signal fires.
func (g *Gate) Online() <-chan struct{} { return g.online }

// IsOnline reports whether the online signal has fired.
func (g *Gate) IsOnline() bool {
	select {
	case <-g.online:
		return true
	default:
		return false
	}
}

// State returns the current session state without blocking.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Session returns a snapshot of the current session.
func (g *Gate) Session() Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := Session{State: g.state, LastConnected: g.lastConnected}
	if g.conn != nil {
		s.ID = g.conn.SessionID()
	}
	return s
}

// Subscribe registers fn for state transitions. fn runs synchronously on the
// goroutine that observed the transition and must not block.
func (g *Gate) Subscribe(fn func(State)) (cancel func()) {
	g.mu.Lock()
	id := g.nextListener
	g.nextListener++
	g.listeners[id] = fn
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		delete(g.listeners, id)
		g.mu.Unlock()
	}
}

// Store returns the guarded store every component must use.
func (g *Gate) Store() store.Store { return g.guarded }

// Reconnect tears the session down and establishes a new one. Ephemeral
// nodes of the old session are removed. Only one Reconnect or Reset runs at
// a time; a concurrent call returns coord.ErrReconnectInFlight.
func (g *Gate) Reconnect(ctx context.Context) error {
	if !g.reconnecting.CompareAndSwap(false, true) {
		return coord.ErrReconnectInFlight
	}
	defer g.reconnecting.Store(false)
	return g.replaceSession(ctx, false)
}

// Reset is Reconnect that also rebuilds the connector's transport when it
// supports that.
func (g *Gate) Reset(ctx context.Context) error {
	if !g.reconnecting.CompareAndSwap(false, true) {
		return coord.ErrReconnectInFlight
	}
	defer g.reconnecting.Store(false)
	return g.replaceSession(ctx, true)
}

func (g *Gate) replaceSession(ctx context.Context, reset bool) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	if !g.started {
		g.mu.Unlock()
		return ErrNotStarted
	}
	old := g.conn
	g.conn = nil
	g.mu.Unlock()

	g.logger.Info("gate.reconnect.begin", "reset", reset)
	g.setState(nil, StateConnecting)
	if old != nil {
		if err := old.Close(); err != nil {
			g.logger.Warn("gate.reconnect.close_failed", "session_id", old.SessionID(), "error", err)
		}
	}
	if reset {
		if r, ok := g.connector.(store.Resetter); ok {
			if err := r.Reset(ctx); err != nil {
				return fmt.Errorf("gate: reset connector: %w", err)
			}
		}
	}
	conn, err := g.connect(ctx)
	if err != nil {
		return err
	}
	g.install(conn)
	g.logger.Info("gate.reconnect.success", "session_id", conn.SessionID())
	return nil
}

// Close ends the session and stops background work. It does not close the
// connector.
func (g *Gate) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	conn := g.conn
	g.conn = nil
	g.mu.Unlock()

	g.cancel()
	var errs []error
	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gate: close session: %w", err))
		}
	}
	g.setState(nil, StateClosed)

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	g.logger.Info("gate.closed")
	return errors.Join(errs...)
}

// rawConn returns the session while it is connected, regardless of the
// online signal. It backs operations that must run before the node is
// online, such as marking the cluster online.
func (g *Gate) rawConn(path string) (store.Conn, error) {
	g.mu.Lock()
	conn, state := g.conn, g.state
	g.mu.Unlock()
	if conn == nil || state != StateConnected {
		return nil, coord.Fail(coord.ErrNotOnline, path, "session is "+state.String(), nil)
	}
	return conn, nil
}
