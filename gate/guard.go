package gate

import (
	"context"

	"pkt.systems/zkgate/coord"
	"pkt.systems/zkgate/internal/store"
)

// guardedStore forwards primitives to the current session only while the
// gate is online and connected. Session loss surfaces as coord.ErrNotOnline.
type guardedStore struct {
	gate *Gate
}

var _ store.Store = (*guardedStore)(nil)

func (s *guardedStore) conn(ctx context.Context, op, path string) (store.Conn, error) {
	g := s.gate
	if !g.IsOnline() {
		g.metrics.recordRejected(ctx, op)
		return nil, coord.Fail(coord.ErrNotOnline, path, "online signal has not fired", nil)
	}
	conn, err := g.rawConn(path)
	if err != nil {
		g.metrics.recordRejected(ctx, op)
		return nil, err
	}
	return conn, nil
}

// translate maps session loss onto the public taxonomy. Other store errors
// pass through for components to interpret.
func translate(path string, err error) error {
	if err == nil || !store.IsSessionLoss(err) {
		return err
	}
	return coord.Fail(coord.ErrNotOnline, path, "session lost", err)
}

func (s *guardedStore) Create(ctx context.Context, path string, data []byte, mode store.CreateMode) (string, error) {
	conn, err := s.conn(ctx, "create", path)
	if err != nil {
		return "", err
	}
	created, err := conn.Create(ctx, path, data, mode)
	return created, translate(path, err)
}

func (s *guardedStore) Delete(ctx context.Context, path string, version int64) error {
	conn, err := s.conn(ctx, "delete", path)
	if err != nil {
		return err
	}
	return translate(path, conn.Delete(ctx, path, version))
}

func (s *guardedStore) Exists(ctx context.Context, path string, watch bool) (*store.Stat, <-chan store.Event, error) {
	conn, err := s.conn(ctx, "exists", path)
	if err != nil {
		return nil, nil, err
	}
	stat, ch, err := conn.Exists(ctx, path, watch)
	return stat, ch, translate(path, err)
}

func (s *guardedStore) Get(ctx context.Context, path string, watch bool) ([]byte, *store.Stat, <-chan store.Event, error) {
	conn, err := s.conn(ctx, "get", path)
	if err != nil {
		return nil, nil, nil, err
	}
	data, stat, ch, err := conn.Get(ctx, path, watch)
	return data, stat, ch, translate(path, err)
}

func (s *guardedStore) Children(ctx context.Context, path string, watch bool) ([]string, *store.Stat, <-chan store.Event, error) {
	conn, err := s.conn(ctx, "children", path)
	if err != nil {
		return nil, nil, nil, err
	}
	names, stat, ch, err := conn.Children(ctx, path, watch)
	return names, stat, ch, translate(path, err)
}

func (s *guardedStore) Set(ctx context.Context, path string, data []byte, version int64) (*store.Stat, error) {
	conn, err := s.conn(ctx, "set", path)
	if err != nil {
		return nil, err
	}
	stat, err := conn.Set(ctx, path, data, version)
	return stat, translate(path, err)
}

// SessionID returns the id of the session backing the store, or 0.
func (g *Gate) SessionID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return 0
	}
	return g.conn.SessionID()
}
