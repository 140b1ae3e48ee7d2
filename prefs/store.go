// Package prefs implements a hierarchical preferences tree with optimistic
// concurrency. Each preference node is one store node below /preferences
// holding a key/value map. Reads populate a local view; Put and Remove
// change only that view until Flush writes every touched node back,
// presenting the version it last read. A write that loses a race reports a
// *coord.ConflictError so the caller can Reload and retry.
package prefs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/zkgate/coord"
	"pkt.systems/zkgate/gate"
	"pkt.systems/zkgate/internal/store"
	"pkt.systems/zkgate/internal/svcfields"
)

// Config configures a Store.
type Config struct {
	Logger pslog.Logger
}

// Store is a preferences view bound to a gate. It is safe for concurrent
// use; callers of one Store are serialized before they reach the tree.
type Store struct {
	store   store.Store
	logger  pslog.Logger
	metrics *prefsMetrics

	mu    sync.Mutex
	nodes map[string]*node
}

// New returns a Store that issues every store call through g.
func New(g *gate.Gate, cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = g.Logger()
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "prefs")
	return &Store{
		store:   g.Store(),
		logger:  logger,
		metrics: newPrefsMetrics(logger),
		nodes:   make(map[string]*node),
	}
}

// Get returns the value of key at path. Byte values are returned as their
// raw string form.
func (s *Store) Get(ctx context.Context, path, key string) (string, bool, error) {
	v, ok, err := s.lookup(ctx, path, key)
	if err != nil || !ok {
		return "", false, err
	}
	return string(v.data), true, nil
}

// GetBytes returns the value of key at path as bytes.
func (s *Store) GetBytes(ctx context.Context, path, key string) ([]byte, bool, error) {
	v, ok, err := s.lookup(ctx, path, key)
	if err != nil || !ok {
		return nil, false, err
	}
	return append([]byte(nil), v.data...), true, nil
}

func (s *Store) lookup(ctx context.Context, path, key string) (value, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.nodeLocked(ctx, path)
	if err != nil {
		return value{}, false, err
	}
	v, ok := n.values[key]
	return v, ok, nil
}

// Put sets key at path in the local view. It is written by the next Flush.
func (s *Store) Put(ctx context.Context, path, key, val string) error {
	return s.mutate(ctx, path, key, func(n *node) { n.values[key] = value{data: []byte(val)} })
}

// PutBytes sets key at path to a byte value in the local view.
func (s *Store) PutBytes(ctx context.Context, path, key string, val []byte) error {
	data := append([]byte(nil), val...)
	return s.mutate(ctx, path, key, func(n *node) { n.values[key] = value{data: data, bytes: true} })
}

// Remove deletes key at path from the local view.
func (s *Store) Remove(ctx context.Context, path, key string) error {
	return s.mutate(ctx, path, key, func(n *node) { delete(n.values, key) })
}

func (s *Store) mutate(ctx context.Context, path, key string, apply func(*node)) error {
	if key == "" {
		return fmt.Errorf("prefs: empty key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.nodeLocked(ctx, path)
	if err != nil {
		return err
	}
	apply(n)
	n.dirty = true
	return nil
}

// Keys lists the keys at path in the local view.
func (s *Store) Keys(ctx context.Context, path string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.nodeLocked(ctx, path)
	if err != nil {
		return nil, err
	}
	return n.keys(), nil
}

// ChildrenNames lists the child nodes of path, including children that
// exist only as pending local changes.
func (s *Store) ChildrenNames(ctx context.Context, path string) ([]string, error) {
	storePath, err := coord.PreferencePath(path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	names, _, _, err := s.store.Children(ctx, storePath, false)
	if err != nil && !errors.Is(err, store.ErrNoNode) {
		return nil, err
	}
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		seen[name] = struct{}{}
	}
	for p, n := range s.nodes {
		if n.dirty && n.version < 0 && store.Parent(p) == storePath {
			if _, ok := seen[store.Base(p)]; !ok {
				names = append(names, store.Base(p))
				seen[store.Base(p)] = struct{}{}
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

// Flush writes every pending change at or below path. Each node is written
// against the version last read; a node changed, created, or deleted by
// another writer since then fails with a *coord.ConflictError and is left
// pending. Nodes are written parents first.
func (s *Store) Flush(ctx context.Context, path string) error {
	root, err := coord.PreferencePath(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx, root)
}

func (s *Store) flushLocked(ctx context.Context, root string) error {
	var pending []*node
	for p, n := range s.nodes {
		if n.dirty && within(p, root) {
			pending = append(pending, n)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if di, dj := depth(pending[i].path), depth(pending[j].path); di != dj {
			return di < dj
		}
		return pending[i].path < pending[j].path
	})
	for _, n := range pending {
		if err := s.writeLocked(ctx, n); err != nil {
			var conflict *coord.ConflictError
			if errors.As(err, &conflict) {
				s.metrics.record(ctx, "flush", err)
				s.logger.Warn("prefs.flush.conflict", "path", n.path, "expected_version", n.version, "error", err)
			}
			return err
		}
		s.metrics.record(ctx, "flush", nil)
	}
	if len(pending) > 0 {
		s.logger.Debug("prefs.flush", "root", root, "nodes", len(pending))
	}
	return nil
}

func (s *Store) writeLocked(ctx context.Context, n *node) error {
	data := encodeValues(n.values)
	if n.version < 0 {
		if err := s.ensureAncestorsLocked(ctx, n.path); err != nil {
			return err
		}
		if _, err := s.store.Create(ctx, n.path, data, store.ModePersistent); err != nil {
			if errors.Is(err, store.ErrNodeExists) {
				return &coord.ConflictError{Path: n.path, Expected: n.version, Cause: err}
			}
			return err
		}
		n.version = 0
		n.dirty = false
		return nil
	}
	stat, err := s.store.Set(ctx, n.path, data, n.version)
	if err != nil {
		if errors.Is(err, store.ErrBadVersion) || errors.Is(err, store.ErrNoNode) {
			return &coord.ConflictError{Path: n.path, Expected: n.version, Cause: err}
		}
		return err
	}
	n.version = stat.Version
	n.dirty = false
	return nil
}

// ensureAncestorsLocked creates the missing ancestors of path as empty
// nodes. An ancestor created here is recorded at version 0 in the view, so
// pending keys on it are later written with Set instead of colliding with
// the node this writer just made. Clean ancestors that another writer
// created are re-read.
func (s *Store) ensureAncestorsLocked(ctx context.Context, path string) error {
	var missing []string
	for p := store.Parent(path); p != "/"; p = store.Parent(p) {
		if n, ok := s.nodes[p]; ok && n.version >= 0 {
			break
		}
		missing = append(missing, p)
	}
	for i := len(missing) - 1; i >= 0; i-- {
		p := missing[i]
		_, err := s.store.Create(ctx, p, nil, store.ModePersistent)
		n, ok := s.nodes[p]
		switch {
		case err == nil:
			if ok {
				n.version = 0
			}
		case errors.Is(err, store.ErrNodeExists):
			if ok && !n.dirty {
				fresh, err := s.fetch(ctx, p)
				if err != nil {
					return err
				}
				s.nodes[p] = fresh
			}
		default:
			return err
		}
	}
	return nil
}

// Sync flushes pending changes at or below path, then re-reads every node
// of that subtree held in the local view.
func (s *Store) Sync(ctx context.Context, path string) error {
	root, err := coord.PreferencePath(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.flushLocked(ctx, root); err != nil {
		return err
	}
	return s.refreshLocked(ctx, root)
}

// Reload discards pending changes at or below path and re-reads the
// subtree's nodes. It is the recovery step after a conflict.
func (s *Store) Reload(ctx context.Context, path string) error {
	root, err := coord.PreferencePath(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(ctx, root)
}

func (s *Store) refreshLocked(ctx context.Context, root string) error {
	for p := range s.nodes {
		if !within(p, root) {
			continue
		}
		n, err := s.fetch(ctx, p)
		if err != nil {
			return err
		}
		s.nodes[p] = n
	}
	return nil
}

// RemoveNode deletes path together with its descendants. The node itself
// is checked against the version last read when it is in the local view,
// so a concurrent change or delete is reported as a conflict. Before any
// descendant is touched the node is claimed with a version-checked rewrite
// of its own data; a change that lands after the claim still fails the
// final delete, but by then the descendants are gone. Removing the
// preferences root is rejected.
func (s *Store) RemoveNode(ctx context.Context, path string) error {
	storePath, err := coord.PreferencePath(path)
	if err != nil {
		return err
	}
	if storePath == coord.PreferencesRoot {
		return fmt.Errorf("prefs: cannot remove the root node")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	version := store.AnyVersion
	if n, ok := s.nodes[storePath]; ok && n.version >= 0 {
		version = n.version
	}
	data, stat, _, err := s.store.Get(ctx, storePath, false)
	if err != nil {
		if !errors.Is(err, store.ErrNoNode) {
			return err
		}
		if version != store.AnyVersion {
			return s.conflict(ctx, storePath, version, err)
		}
		s.forgetLocked(storePath)
		return nil
	}
	if version != store.AnyVersion && stat.Version != version {
		return s.conflict(ctx, storePath, version, store.ErrBadVersion)
	}
	claimed, err := s.store.Set(ctx, storePath, data, stat.Version)
	if err != nil {
		if errors.Is(err, store.ErrBadVersion) || errors.Is(err, store.ErrNoNode) {
			return s.conflict(ctx, storePath, stat.Version, err)
		}
		return err
	}
	children, _, _, err := s.store.Children(ctx, storePath, false)
	if err != nil && !errors.Is(err, store.ErrNoNode) {
		return err
	}
	for _, child := range children {
		if err := store.DeleteTree(ctx, s.store, store.Join(storePath, child)); err != nil {
			return err
		}
	}
	if err := s.store.Delete(ctx, storePath, claimed.Version); err != nil {
		if errors.Is(err, store.ErrBadVersion) || errors.Is(err, store.ErrNoNode) {
			return s.conflict(ctx, storePath, claimed.Version, err)
		}
		return err
	}
	s.forgetLocked(storePath)
	s.logger.Info("prefs.node.removed", "path", storePath, "children", len(children))
	return nil
}

func (s *Store) conflict(ctx context.Context, path string, version int64, cause error) error {
	err := &coord.ConflictError{Path: path, Expected: version, Cause: cause}
	s.metrics.record(ctx, "remove_node", err)
	s.logger.Warn("prefs.remove.conflict", "path", path, "expected_version", version, "error", cause)
	return err
}

func (s *Store) forgetLocked(root string) {
	for p := range s.nodes {
		if within(p, root) {
			delete(s.nodes, p)
		}
	}
}

// nodeLocked returns the local view of path, reading it on first use.
func (s *Store) nodeLocked(ctx context.Context, path string) (*node, error) {
	storePath, err := coord.PreferencePath(path)
	if err != nil {
		return nil, err
	}
	if n, ok := s.nodes[storePath]; ok {
		return n, nil
	}
	n, err := s.fetch(ctx, storePath)
	if err != nil {
		return nil, err
	}
	s.nodes[storePath] = n
	return n, nil
}

func (s *Store) fetch(ctx context.Context, storePath string) (*node, error) {
	data, stat, _, err := s.store.Get(ctx, storePath, false)
	if err != nil {
		if errors.Is(err, store.ErrNoNode) {
			return newNode(storePath), nil
		}
		return nil, err
	}
	values, err := decodeValues(data)
	if err != nil {
		return nil, fmt.Errorf("prefs: %s: %w", storePath, err)
	}
	return &node{path: storePath, values: values, version: stat.Version}, nil
}
