// Package lock implements exclusive and durable distributed locks on the
// coordination tree.
//
// Every contender creates a sequential child below the lock's node; the
// child with the lowest sequence holds the lock and the others each watch
// their next-lower sibling. Exclusive locks use ephemeral children and are
// lost with the session. Durable locks use persistent children whose content
// is a recovery key, so a restarted owner can re-adopt its position.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/zkgate/coord"
	"pkt.systems/zkgate/gate"
	"pkt.systems/zkgate/internal/clock"
	"pkt.systems/zkgate/internal/ident"
	"pkt.systems/zkgate/internal/store"
	"pkt.systems/zkgate/internal/svcfields"
)

const cleanupTimeout = 5 * time.Second

// Config configures a Manager.
type Config struct {
	// Owner identifies this process in exclusive lock content. Defaults to
	// the gate's node id.
	Owner  string
	Logger pslog.Logger
	Clock  clock.Clock
}

// Manager hands out locks.
type Manager struct {
	gate    *gate.Gate
	store   store.Store
	owner   string
	logger  pslog.Logger
	clock   clock.Clock
	metrics *lockMetrics
}

// NewManager returns a Manager that issues every store call through g.
func NewManager(g *gate.Gate, cfg Config) *Manager {
	if cfg.Owner == "" {
		cfg.Owner = g.NodeID()
	}
	if cfg.Logger == nil {
		cfg.Logger = g.Logger()
	}
	if cfg.Clock == nil {
		cfg.Clock = g.Clock()
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "lock")
	return &Manager{
		gate:    g,
		store:   g.Store(),
		owner:   cfg.Owner,
		logger:  logger,
		clock:   clock.Or(cfg.Clock),
		metrics: newLockMetrics(logger),
	}
}

// Contender is one child below a lock's node.
type Contender struct {
	Name     string `json:"name" yaml:"name"`
	Path     string `json:"path" yaml:"path"`
	Sequence int64  `json:"sequence" yaml:"sequence"`
	Content  string `json:"content" yaml:"content"`
	// Ephemeral is set for exclusive contenders.
	Ephemeral bool `json:"ephemeral" yaml:"ephemeral"`
	Holder    bool `json:"holder" yaml:"holder"`
	// Owner and Issued are decoded from exclusive lock content.
	Owner  string    `json:"owner,omitempty" yaml:"owner,omitempty"`
	Issued time.Time `json:"issued,omitzero" yaml:"issued,omitempty"`
}

// Acquire takes the exclusive lock name, waiting up to wait. A non-positive
// wait makes a single attempt. On timeout the contender node is removed and
// an error matching coord.ErrTimeout is returned.
func (m *Manager) Acquire(ctx context.Context, name string, wait time.Duration) (*Lock, error) {
	content := ident.OwnerToken(m.owner)
	return m.acquire(ctx, name, "exclusive", wait, func(ctx context.Context, lockPath string) (string, bool, error) {
		created, err := m.store.Create(ctx, store.Join(lockPath, coord.LockNodePrefix), []byte(content), store.ModeEphemeralSequential)
		return created, true, err
	}, func(l *Lock) { l.content = content })
}

// TryAcquire takes the exclusive lock name only if it is free.
func (m *Manager) TryAcquire(ctx context.Context, name string) (*Lock, error) {
	return m.Acquire(ctx, name, 0)
}

// AcquireDurable takes the durable lock name on behalf of ownerContent. The
// contender node persists across sessions; its recovery key is available
// from the returned Lock and lets Recover re-adopt it later.
func (m *Manager) AcquireDurable(ctx context.Context, name, ownerContent string, wait time.Duration) (*Lock, error) {
	key := CreateRecoveryKey(name, ownerContent)
	return m.acquire(ctx, name, "durable", wait, func(ctx context.Context, lockPath string) (string, bool, error) {
		created, err := m.store.Create(ctx, store.Join(lockPath, coord.LockNodePrefix), []byte(key), store.ModePersistentSequential)
		return created, true, err
	}, func(l *Lock) { l.durable, l.recoveryKey, l.content = true, key, key })
}

// Recover re-adopts the durable contender node carrying recoveryKey,
// keeping its sequence and therefore its place in line, then waits for the
// lock like AcquireDurable. When no such node exists a new one is created.
// A re-adopted node is kept on timeout; only a node created by this call is
// removed.
func (m *Manager) Recover(ctx context.Context, recoveryKey string, wait time.Duration) (*Lock, error) {
	name, _, err := ExtractRecoveryKeyDetails(recoveryKey)
	if err != nil {
		return nil, err
	}
	return m.acquire(ctx, name, "durable", wait, func(ctx context.Context, lockPath string) (string, bool, error) {
		contenders, err := m.contenders(ctx, lockPath, true)
		if err != nil {
			return "", false, err
		}
		for _, c := range contenders {
			if !c.Ephemeral && c.Content == recoveryKey {
				m.logger.Info("lock.recover.adopted", "lock", name, "path", c.Path, "sequence", c.Sequence)
				return c.Path, false, nil
			}
		}
		m.logger.Info("lock.recover.requeued", "lock", name)
		created, err := m.store.Create(ctx, store.Join(lockPath, coord.LockNodePrefix), []byte(recoveryKey), store.ModePersistentSequential)
		return created, true, err
	}, func(l *Lock) { l.durable, l.recoveryKey, l.content = true, recoveryKey, recoveryKey })
}

type enqueueFunc func(ctx context.Context, lockPath string) (path string, created bool, err error)

func (m *Manager) acquire(ctx context.Context, name, kind string, wait time.Duration, enqueue enqueueFunc, init func(*Lock)) (*Lock, error) {
	begin := m.clock.Now()
	logger := svcfields.FromContext(ctx, m.logger).With("lock", name, "kind", kind)
	logger.Debug("lock.acquire.begin", "wait", wait)
	l, err := m.acquireOnce(ctx, logger, name, wait, enqueue, init)
	m.metrics.recordAcquire(ctx, kind, m.clock.Now().Sub(begin), err)
	if err != nil {
		logger.Debug("lock.acquire.error", "error", err)
		return nil, err
	}
	logger.Info("lock.acquire.success", "path", l.path, "sequence", l.seq)
	return l, nil
}

func (m *Manager) acquireOnce(ctx context.Context, logger pslog.Logger, name string, wait time.Duration, enqueue enqueueFunc, init func(*Lock)) (*Lock, error) {
	lockPath, err := coord.LockPath(name)
	if err != nil {
		return nil, err
	}
	if err := store.EnsurePath(ctx, m.store, lockPath); err != nil {
		return nil, err
	}
	deadline := clock.NewDeadline(m.clock, wait)
	path, created, err := enqueue(ctx, lockPath)
	if err != nil {
		return nil, err
	}
	_, seq, _ := store.ParseSequence(store.Base(path))
	if err := m.waitForTurn(ctx, lockPath, path, deadline); err != nil {
		if created {
			m.cleanup(ctx, logger, path)
		}
		return nil, err
	}
	l := newLock(m, name, path, seq)
	init(l)
	l.start()
	return l, nil
}

// cleanup removes a contender node after a failed wait.
func (m *Manager) cleanup(ctx context.Context, logger pslog.Logger, path string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := m.store.Delete(cctx, path, store.AnyVersion); err != nil && !errors.Is(err, store.ErrNoNode) {
		logger.Warn("lock.acquire.cleanup_failed", "path", path, "error", err)
		return
	}
	logger.Debug("lock.acquire.cleanup", "path", path)
}

// waitForTurn blocks until path is the lowest contender below lockPath.
func (m *Manager) waitForTurn(ctx context.Context, lockPath, path string, deadline clock.Deadline) error {
	own := store.Base(path)
	for {
		names, _, _, err := m.store.Children(ctx, lockPath, false)
		if err != nil {
			return err
		}
		names = contenderNames(names)
		idx := -1
		for i, n := range names {
			if n == own {
				idx = i
				break
			}
		}
		if idx < 0 {
			return coord.Fail(coord.ErrNotOnline, path, "contender node vanished while waiting", store.ErrNoNode)
		}
		if idx == 0 {
			return nil
		}
		if deadline.Expired() {
			return coord.Fail(coord.ErrTimeout, lockPath, fmt.Sprintf("%d contenders ahead", idx), nil)
		}
		prev := store.Join(lockPath, names[idx-1])
		stat, watch, err := m.store.Exists(ctx, prev, true)
		if err != nil {
			return err
		}
		if stat == nil {
			continue
		}
		select {
		case ev := <-watch:
			if ev.Type == store.EventNotWatching {
				return coord.Fail(coord.ErrNotOnline, path, "session ended while waiting", ev.Err)
			}
		case <-deadline.C():
			return coord.Fail(coord.ErrTimeout, lockPath, fmt.Sprintf("%d contenders ahead", idx), nil)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// contenderNames filters and orders lock children by sequence.
func contenderNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if strings.HasPrefix(n, coord.LockNodePrefix) {
			if _, _, ok := store.ParseSequence(n); ok {
				out = append(out, n)
			}
		}
	}
	store.SortBySequence(out)
	return out
}

func (m *Manager) contenders(ctx context.Context, lockPath string, withContent bool) ([]Contender, error) {
	names, _, _, err := m.store.Children(ctx, lockPath, false)
	if err != nil {
		if errors.Is(err, store.ErrNoNode) {
			return nil, nil
		}
		return nil, err
	}
	names = contenderNames(names)
	out := make([]Contender, 0, len(names))
	for _, n := range names {
		_, seq, _ := store.ParseSequence(n)
		c := Contender{Name: n, Path: store.Join(lockPath, n), Sequence: seq}
		if withContent {
			data, stat, _, err := m.store.Get(ctx, c.Path, false)
			if err != nil {
				if errors.Is(err, store.ErrNoNode) {
					continue
				}
				return nil, err
			}
			c.Content = string(data)
			c.Ephemeral = stat.EphemeralOwner != 0
			if owner, issued, ok := ident.ParseOwnerToken(c.Content); ok {
				c.Owner, c.Issued = owner, issued
			} else if name, owner, err := ExtractRecoveryKeyDetails(c.Content); err == nil && name != "" {
				c.Owner = owner
			}
		}
		out = append(out, c)
	}
	if len(out) > 0 {
		out[0].Holder = true
	}
	return out, nil
}

// Holders lists the contenders of name in acquisition order; the first is
// the current holder.
func (m *Manager) Holders(ctx context.Context, name string) ([]Contender, error) {
	lockPath, err := coord.LockPath(name)
	if err != nil {
		return nil, err
	}
	return m.contenders(ctx, lockPath, true)
}

// List returns the names of locks that currently have a node.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	names, _, _, err := m.store.Children(ctx, coord.LocksRoot, false)
	if err != nil {
		if errors.Is(err, store.ErrNoNode) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if name, err := coord.UnescapeName(n); err == nil {
			out = append(out, name)
		}
	}
	return out, nil
}
