package store

import (
	"context"
	"errors"
	"time"
)

// Error sentinels shared by every backend. Components translate them into the
// public coord taxonomy at their boundary.
var (
	ErrNoNode                = errors.New("store: node does not exist")
	ErrNodeExists            = errors.New("store: node already exists")
	ErrBadVersion            = errors.New("store: version mismatch")
	ErrNotEmpty              = errors.New("store: node has children")
	ErrNoChildrenForEphemera = errors.New("store: ephemeral nodes cannot have children")
	ErrInvalidPath           = errors.New("store: invalid path")
	ErrConnectionLoss        = errors.New("store: connection loss")
	ErrSessionExpired        = errors.New("store: session expired")
	ErrClosed                = errors.New("store: closed")
)

// AnyVersion disables the version check on Delete and Set.
const AnyVersion int64 = -1

// IsTransient reports whether err may succeed when retried on the same session.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConnectionLoss)
}

// IsSessionLoss reports whether err means the session is unusable.
func IsSessionLoss(err error) bool {
	return errors.Is(err, ErrConnectionLoss) || errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrClosed)
}

// CreateMode selects the lifetime and naming of a created node.
type CreateMode int

const (
	ModePersistent CreateMode = iota
	ModeEphemeral
	ModePersistentSequential
	ModeEphemeralSequential
)

// Ephemeral reports whether nodes created with m are bound to the session.
func (m CreateMode) Ephemeral() bool {
	return m == ModeEphemeral || m == ModeEphemeralSequential
}

// Sequential reports whether the store appends a sequence suffix.
func (m CreateMode) Sequential() bool {
	return m == ModePersistentSequential || m == ModeEphemeralSequential
}

func (m CreateMode) String() string {
	switch m {
	case ModePersistent:
		return "persistent"
	case ModeEphemeral:
		return "ephemeral"
	case ModePersistentSequential:
		return "persistent_sequential"
	case ModeEphemeralSequential:
		return "ephemeral_sequential"
	default:
		return "unknown"
	}
}

// Stat is the store-maintained metadata of a node.
type Stat struct {
	// Version counts data changes; it starts at 0 when the node is created.
	Version int64
	// CVersion counts child changes.
	CVersion int64
	// EphemeralOwner is the owning session id, or 0 for persistent nodes.
	EphemeralOwner int64
	Ctime          time.Time
	Mtime          time.Time
	NumChildren    int
	DataLength     int
}

// EventType classifies a watch notification.
type EventType int

const (
	EventNodeCreated EventType = iota + 1
	EventNodeDeleted
	EventNodeDataChanged
	EventNodeChildrenChanged
	// EventNotWatching is delivered when the session that registered the
	// watch ends before the watch fired.
	EventNotWatching
)

func (t EventType) String() string {
	switch t {
	case EventNodeCreated:
		return "created"
	case EventNodeDeleted:
		return "deleted"
	case EventNodeDataChanged:
		return "data_changed"
	case EventNodeChildrenChanged:
		return "children_changed"
	case EventNotWatching:
		return "not_watching"
	default:
		return "unknown"
	}
}

// Event is a one-shot watch notification.
type Event struct {
	Type EventType
	Path string
	Err  error
}

// Store exposes the raw path primitives. Watch channels are one-shot: each
// delivers at most one Event and is never closed, so callers that need
// continued notification must re-register.
type Store interface {
	// Create makes a node at path and returns the created path, which differs
	// from path when mode is sequential. The parent must exist.
	Create(ctx context.Context, path string, data []byte, mode CreateMode) (string, error)
	// Delete removes a node without children. version may be AnyVersion.
	Delete(ctx context.Context, path string, version int64) error
	// Exists returns a nil Stat when the node is missing. When watch is set the
	// channel fires on creation, deletion, or data change.
	Exists(ctx context.Context, path string, watch bool) (*Stat, <-chan Event, error)
	// Get returns the data and Stat of an existing node.
	Get(ctx context.Context, path string, watch bool) ([]byte, *Stat, <-chan Event, error)
	// Children returns the unsorted child names of an existing node. When
	// watch is set the channel fires on child creation/deletion or when the
	// node itself is deleted.
	Children(ctx context.Context, path string, watch bool) ([]string, *Stat, <-chan Event, error)
	// Set replaces the data of an existing node. version may be AnyVersion.
	Set(ctx context.Context, path string, data []byte, version int64) (*Stat, error)
}

// SessionState is the connectivity state reported by a backend session.
type SessionState int

const (
	SessionConnected SessionState = iota + 1
	// SessionDisconnected means the transport is down but the session may
	// still be alive store-side.
	SessionDisconnected
	SessionExpired
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnected:
		return "connected"
	case SessionDisconnected:
		return "disconnected"
	case SessionExpired:
		return "expired"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionEvent reports a connectivity transition of one session.
type SessionEvent struct {
	State     SessionState
	SessionID int64
}

// Conn is one session with the store. Events delivers transitions that
// happen after Connect returned; the channel is closed once the session
// reaches SessionExpired or SessionClosed and the final event was delivered.
type Conn interface {
	Store
	SessionID() int64
	Events() <-chan SessionEvent
	Close() error
}

// Connector establishes sessions. A Connector may hand out any number of
// sessions over its lifetime.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
	Close() error
}

// Resetter is implemented by connectors that can rebuild their transport.
type Resetter interface {
	Reset(ctx context.Context) error
}

// ConnWrapper decorates sessions handed out by a Connector.
type ConnWrapper func(Conn) Conn

// WrapConnector applies wrappers, outermost last, to every Conn produced by inner.
func WrapConnector(inner Connector, wrappers ...ConnWrapper) Connector {
	if len(wrappers) == 0 {
		return inner
	}
	return &wrappedConnector{inner: inner, wrappers: wrappers}
}

type wrappedConnector struct {
	inner    Connector
	wrappers []ConnWrapper
}

func (w *wrappedConnector) Connect(ctx context.Context) (Conn, error) {
	conn, err := w.inner.Connect(ctx)
	if err != nil {
		return nil, err
	}
	for _, wrap := range w.wrappers {
		conn = wrap(conn)
	}
	return conn, nil
}

func (w *wrappedConnector) Close() error {
	return w.inner.Close()
}

func (w *wrappedConnector) Reset(ctx context.Context) error {
	if r, ok := w.inner.(Resetter); ok {
		return r.Reset(ctx)
	}
	return nil
}

// EnsurePath creates path and any missing ancestors as persistent nodes.
// Existing nodes are left untouched.
func EnsurePath(ctx context.Context, s Store, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if path == "/" {
		return nil
	}
	stat, _, err := s.Exists(ctx, path, false)
	if err != nil {
		return err
	}
	if stat != nil {
		return nil
	}
	if err := EnsurePath(ctx, s, Parent(path)); err != nil {
		return err
	}
	if _, err := s.Create(ctx, path, nil, ModePersistent); err != nil && !errors.Is(err, ErrNodeExists) {
		return err
	}
	return nil
}

// DeleteTree removes path and every descendant, deepest first. Missing nodes
// are ignored so concurrent deleters converge.
func DeleteTree(ctx context.Context, s Store, path string) error {
	children, _, _, err := s.Children(ctx, path, false)
	if err != nil {
		if errors.Is(err, ErrNoNode) {
			return nil
		}
		return err
	}
	for _, child := range children {
		if err := DeleteTree(ctx, s, Join(path, child)); err != nil {
			return err
		}
	}
	if path == "/" {
		return nil
	}
	if err := s.Delete(ctx, path, AnyVersion); err != nil && !errors.Is(err, ErrNoNode) {
		return err
	}
	return nil
}
