// Package queue implements a distributed work queue with visibility-timeout
// semantics on the coordination tree.
//
// Each message is a persistent sequential child of its queue node. Receive
// hides a message for a visibility window by rewriting its envelope with a
// version check, so concurrent receivers never both win it; the message
// reappears when the window elapses unless Delete removed it first. Consume
// claims a visible message outright by a version-checked delete.
package queue

import (
	"context"
	"errors"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/zkgate/coord"
	"pkt.systems/zkgate/gate"
	"pkt.systems/zkgate/internal/clock"
	"pkt.systems/zkgate/internal/store"
	"pkt.systems/zkgate/internal/svcfields"
)

// DefaultVisibilityTimeout hides received messages when ReceiveOptions
// leaves the window unset.
const DefaultVisibilityTimeout = 30 * time.Second

// Config configures a Manager.
type Config struct {
	VisibilityTimeout time.Duration
	Logger            pslog.Logger
	Clock             clock.Clock
}

// Manager opens and administers queues.
type Manager struct {
	store      store.Store
	logger     pslog.Logger
	clock      clock.Clock
	visibility time.Duration
	metrics    *queueMetrics
}

// NewManager returns a Manager that issues every store call through g.
func NewManager(g *gate.Gate, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = g.Logger()
	}
	if cfg.Clock == nil {
		cfg.Clock = g.Clock()
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "queue")
	return &Manager{
		store:      g.Store(),
		logger:     logger,
		clock:      clock.Or(cfg.Clock),
		visibility: cfg.VisibilityTimeout,
		metrics:    newQueueMetrics(logger),
	}
}

// Open returns a handle on queue id, creating its node when missing.
func (m *Manager) Open(ctx context.Context, id string) (*Queue, error) {
	path, err := coord.QueuePath(id)
	if err != nil {
		return nil, err
	}
	if err := store.EnsurePath(ctx, m.store, path); err != nil {
		return nil, err
	}
	return &Queue{m: m, id: id, path: path, logger: m.logger.With("queue", id)}, nil
}

// Create makes queue id and reports whether it was newly created.
func (m *Manager) Create(ctx context.Context, id string) (bool, error) {
	path, err := coord.QueuePath(id)
	if err != nil {
		return false, err
	}
	if err := store.EnsurePath(ctx, m.store, store.Parent(path)); err != nil {
		return false, err
	}
	if _, err := m.store.Create(ctx, path, nil, store.ModePersistent); err != nil {
		if errors.Is(err, store.ErrNodeExists) {
			return false, nil
		}
		return false, err
	}
	m.logger.Info("queue.created", "queue", id)
	return true, nil
}

// Remove deletes queue id together with every message in it.
func (m *Manager) Remove(ctx context.Context, id string) error {
	path, err := coord.QueuePath(id)
	if err != nil {
		return err
	}
	if err := store.DeleteTree(ctx, m.store, path); err != nil {
		return err
	}
	m.logger.Info("queue.removed", "queue", id)
	return nil
}

// List returns the ids of existing queues.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	names, _, _, err := m.store.Children(ctx, coord.QueuesRoot, false)
	if err != nil {
		if errors.Is(err, store.ErrNoNode) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if id, err := coord.UnescapeName(n); err == nil {
			out = append(out, id)
		}
	}
	return out, nil
}
