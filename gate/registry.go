package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"pkt.systems/zkgate/coord"
	"pkt.systems/zkgate/internal/store"
)

// NodeState is the administrative state of a registered node.
type NodeState string

const (
	NodePending  NodeState = "pending"
	NodeApproved NodeState = "approved"
	NodeRetired  NodeState = "retired"
)

// ErrUnknownNode is returned for registry operations on a missing node.
var ErrUnknownNode = errors.New("gate: unknown node")

// NodeRecord is the persistent registry entry of a cluster member.
type NodeRecord struct {
	ID         string    `json:"id" yaml:"id"`
	State      NodeState `json:"state" yaml:"state"`
	Connection string    `json:"connection,omitempty" yaml:"connection,omitempty"`
	UpdatedAt  time.Time `json:"updated_at" yaml:"updated_at"`
	// Version is the store version the record was read at.
	Version int64 `json:"-" yaml:"version"`
}

// Registry administers the node records below coord.NodesRoot.
type Registry struct {
	gate *Gate
}

// Registry returns the node registry.
func (g *Gate) Registry() *Registry { return &Registry{gate: g} }

// List returns every registered node ordered by id.
func (r *Registry) List(ctx context.Context) ([]NodeRecord, error) {
	s := r.gate.Store()
	names, _, _, err := s.Children(ctx, coord.NodesRoot, false)
	if err != nil {
		if errors.Is(err, store.ErrNoNode) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]NodeRecord, 0, len(names))
	for _, name := range names {
		id, err := coord.UnescapeName(name)
		if err != nil {
			continue
		}
		rec, err := r.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrUnknownNode) {
				continue
			}
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get reads one node record.
func (r *Registry) Get(ctx context.Context, id string) (NodeRecord, error) {
	return r.get(ctx, r.gate.Store(), id)
}

func (r *Registry) get(ctx context.Context, s store.Store, id string) (NodeRecord, error) {
	path, err := coord.NodePath(id)
	if err != nil {
		return NodeRecord{}, err
	}
	data, stat, _, err := s.Get(ctx, path, false)
	if err != nil {
		if errors.Is(err, store.ErrNoNode) {
			return NodeRecord{}, fmt.Errorf("%w: %s", ErrUnknownNode, id)
		}
		return NodeRecord{}, err
	}
	var rec NodeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return NodeRecord{}, fmt.Errorf("gate: decode node record %s: %w", id, err)
	}
	rec.ID = id
	rec.Version = stat.Version
	return rec, nil
}

// Approve marks a node approved, registering it when unknown.
func (r *Registry) Approve(ctx context.Context, id string) (NodeRecord, error) {
	return r.upsert(ctx, id, func(rec *NodeRecord) { rec.State = NodeApproved })
}

// Retire marks a known node retired.
func (r *Registry) Retire(ctx context.Context, id string) (NodeRecord, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return NodeRecord{}, err
	}
	return r.upsert(ctx, id, func(rec *NodeRecord) { rec.State = NodeRetired })
}

// SetConnection records the connection string of a node.
func (r *Registry) SetConnection(ctx context.Context, id, connection string) (NodeRecord, error) {
	return r.upsert(ctx, id, func(rec *NodeRecord) { rec.Connection = connection })
}

// Remove deletes a node record. Removing an unknown node is a no-op.
func (r *Registry) Remove(ctx context.Context, id string) error {
	path, err := coord.NodePath(id)
	if err != nil {
		return err
	}
	if err := r.gate.Store().Delete(ctx, path, store.AnyVersion); err != nil && !errors.Is(err, store.ErrNoNode) {
		return err
	}
	return nil
}

// upsert applies mutate with optimistic retries on version conflicts.
func (r *Registry) upsert(ctx context.Context, id string, mutate func(*NodeRecord)) (NodeRecord, error) {
	return r.upsertOn(ctx, r.gate.Store(), id, mutate)
}

func (r *Registry) upsertOn(ctx context.Context, s store.Store, id string, mutate func(*NodeRecord)) (NodeRecord, error) {
	path, err := coord.NodePath(id)
	if err != nil {
		return NodeRecord{}, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return NodeRecord{}, err
		}
		rec, err := r.get(ctx, s, id)
		exists := err == nil
		if err != nil && !errors.Is(err, ErrUnknownNode) {
			return NodeRecord{}, err
		}
		if !exists {
			rec = NodeRecord{ID: id, State: NodePending}
		}
		mutate(&rec)
		rec.UpdatedAt = r.gate.clock.Now().UTC()
		payload, err := json.Marshal(rec)
		if err != nil {
			return NodeRecord{}, fmt.Errorf("gate: encode node record: %w", err)
		}
		if exists {
			stat, err := s.Set(ctx, path, payload, rec.Version)
			if errors.Is(err, store.ErrBadVersion) || errors.Is(err, store.ErrNoNode) {
				continue
			}
			if err != nil {
				return NodeRecord{}, err
			}
			rec.Version = stat.Version
			return rec, nil
		}
		if err := store.EnsurePath(ctx, s, coord.NodesRoot); err != nil {
			return NodeRecord{}, err
		}
		_, err = s.Create(ctx, path, payload, store.ModePersistent)
		if errors.Is(err, store.ErrNodeExists) {
			continue
		}
		if err != nil {
			return NodeRecord{}, err
		}
		rec.Version = 0
		r.gate.logger.Info("gate.registry.node_registered", "node", id, "state", string(rec.State))
		return rec, nil
	}
}

// ensurePending registers id as pending when it has no record yet.
func (r *Registry) ensurePending(ctx context.Context, s store.Store, id, connection string) error {
	if _, err := r.get(ctx, s, id); err == nil || !errors.Is(err, ErrUnknownNode) {
		return err
	}
	_, err := r.upsertOn(ctx, s, id, func(rec *NodeRecord) {
		if rec.Connection == "" {
			rec.Connection = connection
		}
	})
	return err
}
