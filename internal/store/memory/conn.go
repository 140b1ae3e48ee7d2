package memory

import (
	"context"
	"sync"

	"pkt.systems/zkgate/internal/store"
)

// Conn is one session on a Tree. Besides store.Conn it exposes fault
// injection used by tests: Disconnect, Resume, and Expire.
type Conn struct {
	tree *Tree
	id   int64

	mu     sync.Mutex
	state  store.SessionState
	events chan store.SessionEvent
	done   bool
}

var _ store.Conn = (*Conn)(nil)

// SessionID returns the store-assigned session id.
func (c *Conn) SessionID() int64 { return c.id }

// Events delivers connectivity transitions.
func (c *Conn) Events() <-chan store.SessionEvent { return c.events }

// State returns the current session state.
func (c *Conn) State() store.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close ends the session; its ephemeral nodes are removed.
func (c *Conn) Close() error {
	c.tree.endSession(c, store.SessionClosed)
	return nil
}

// Disconnect simulates transport loss. The session stays alive store-side,
// but every primitive fails with store.ErrConnectionLoss until Resume.
func (c *Conn) Disconnect() {
	c.transition(store.SessionDisconnected)
}

// Resume restores a disconnected session.
func (c *Conn) Resume() {
	c.transition(store.SessionConnected)
}

// Expire simulates a session timeout: ephemeral nodes and watches of the
// session are dropped and the session is unusable afterwards.
func (c *Conn) Expire() {
	c.tree.endSession(c, store.SessionExpired)
}

func (c *Conn) transition(state store.SessionState) {
	c.mu.Lock()
	if c.done || c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.emitLocked(state)
	c.mu.Unlock()
}

func (c *Conn) finish(final store.SessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.state = final
	c.done = true
	c.emitLocked(final)
	close(c.events)
}

func (c *Conn) emitLocked(state store.SessionState) {
	select {
	case c.events <- store.SessionEvent{State: state, SessionID: c.id}:
	default:
		c.tree.logger.Warn("store.memory.session.event_dropped", "session_id", c.id, "state", state.String())
	}
}

func (c *Conn) check(ctx context.Context) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case store.SessionConnected:
		return nil
	case store.SessionDisconnected:
		return store.ErrConnectionLoss
	case store.SessionExpired:
		return store.ErrSessionExpired
	default:
		return store.ErrClosed
	}
}

func (c *Conn) Create(ctx context.Context, path string, data []byte, mode store.CreateMode) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	return c.tree.create(c.id, path, data, mode)
}

func (c *Conn) Delete(ctx context.Context, path string, version int64) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	return c.tree.delete(path, version)
}

func (c *Conn) Exists(ctx context.Context, path string, watch bool) (*store.Stat, <-chan store.Event, error) {
	if err := c.check(ctx); err != nil {
		return nil, nil, err
	}
	return c.tree.exists(c.id, path, watch)
}

func (c *Conn) Get(ctx context.Context, path string, watch bool) ([]byte, *store.Stat, <-chan store.Event, error) {
	if err := c.check(ctx); err != nil {
		return nil, nil, nil, err
	}
	return c.tree.get(c.id, path, watch)
}

func (c *Conn) Children(ctx context.Context, path string, watch bool) ([]string, *store.Stat, <-chan store.Event, error) {
	if err := c.check(ctx); err != nil {
		return nil, nil, nil, err
	}
	return c.tree.children(c.id, path, watch)
}

func (c *Conn) Set(ctx context.Context, path string, data []byte, version int64) (*store.Stat, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.tree.set(path, data, version)
}

// Connector hands out sessions on a Tree.
type Connector struct {
	tree      *Tree
	closeTree bool

	mu      sync.Mutex
	current *Conn
}

var _ store.Connector = (*Connector)(nil)

// NewConnector returns a Connector for tree. When closeTree is set, Close
// also closes the tree; leave it unset when several connectors share a tree.
func NewConnector(tree *Tree, closeTree bool) *Connector {
	return &Connector{tree: tree, closeTree: closeTree}
}

// Connect opens a new session.
func (c *Connector) Connect(ctx context.Context) (store.Conn, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	conn, err := c.tree.Connect()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.current = conn
	c.mu.Unlock()
	return conn, nil
}

// Current returns the most recently opened session, or nil.
func (c *Connector) Current() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Tree returns the underlying tree.
func (c *Connector) Tree() *Tree { return c.tree }

// Close closes the tree when the connector owns it.
func (c *Connector) Close() error {
	if c.closeTree {
		return c.tree.Close()
	}
	return nil
}
