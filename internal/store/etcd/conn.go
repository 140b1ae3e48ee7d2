package etcd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc/connectivity"

	"pkt.systems/zkgate/internal/store"
)

const revokeTimeout = 3 * time.Second

// Conn is one lease-backed session.
type Conn struct {
	cfg    Config
	ns     namespaced
	client *clientv3.Client
	lease  clientv3.LeaseID

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  store.SessionState
	done   bool
	events chan store.SessionEvent
}

var _ store.Conn = (*Conn)(nil)

func newConn(ctx context.Context, cfg Config, client *clientv3.Client) (*Conn, error) {
	ns := newNamespaced(client, cfg.Prefix)
	grant, err := ns.lease.Grant(ctx, cfg.ttlSeconds())
	if err != nil {
		return nil, fmt.Errorf("store/etcd: grant session lease: %w", mapError(err))
	}
	sessionCtx, cancel := context.WithCancel(context.Background())
	keepAlive, err := ns.lease.KeepAlive(sessionCtx, grant.ID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("store/etcd: keepalive session lease: %w", mapError(err))
	}
	c := &Conn{
		cfg:    cfg,
		ns:     ns,
		client: client,
		lease:  grant.ID,
		ctx:    sessionCtx,
		cancel: cancel,
		state:  store.SessionConnected,
		events: make(chan store.SessionEvent, 64),
	}
	go c.drainKeepAlive(keepAlive)
	go c.monitorTransport()
	cfg.Logger.Debug("store.etcd.session.open", "session_id", c.SessionID(), "ttl_seconds", grant.TTL)
	return c, nil
}

// SessionID returns the lease id of the session.
func (c *Conn) SessionID() int64 { return int64(c.lease) }

// Events delivers connectivity transitions.
func (c *Conn) Events() <-chan store.SessionEvent { return c.events }

// Close revokes the lease, which removes every ephemeral node of the session.
func (c *Conn) Close() error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), revokeTimeout)
	defer cancel()
	_, err := c.ns.lease.Revoke(ctx, c.lease)
	c.finish(store.SessionClosed)
	if err != nil {
		err = mapError(err)
		if errors.Is(err, store.ErrSessionExpired) {
			return nil
		}
		return fmt.Errorf("store/etcd: revoke session lease: %w", err)
	}
	return nil
}

func (c *Conn) drainKeepAlive(ch <-chan *clientv3.LeaseKeepAliveResponse) {
	for range ch {
	}
	if c.ctx.Err() != nil {
		return
	}
	c.cfg.Logger.Warn("store.etcd.session.expired", "session_id", c.SessionID())
	c.finish(store.SessionExpired)
}

// monitorTransport reports gRPC connectivity changes as session transitions.
func (c *Conn) monitorTransport() {
	cc := c.client.ActiveConnection()
	if cc == nil {
		return
	}
	for {
		st := cc.GetState()
		switch st {
		case connectivity.Ready:
			c.transition(store.SessionConnected)
		case connectivity.TransientFailure, connectivity.Shutdown:
			c.transition(store.SessionDisconnected)
		}
		if !cc.WaitForStateChange(c.ctx, st) {
			return
		}
	}
}

func (c *Conn) transition(state store.SessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done || c.state == state {
		return
	}
	c.state = state
	c.emitLocked(state)
}

func (c *Conn) finish(final store.SessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.done = true
	c.state = final
	c.cancel()
	c.emitLocked(final)
	close(c.events)
	c.cfg.Logger.Debug("store.etcd.session.end", "session_id", c.SessionID(), "state", final.String())
}

func (c *Conn) emitLocked(state store.SessionState) {
	select {
	case c.events <- store.SessionEvent{State: state, SessionID: c.SessionID()}:
	default:
		c.cfg.Logger.Warn("store.etcd.session.event_dropped", "session_id", c.SessionID(), "state", state.String())
	}
}

func (c *Conn) check(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := store.ValidatePath(path); err != nil {
		return err
	}
	return c.endError()
}

// endError is nil while the session is live.
func (c *Conn) endError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.done {
		return nil
	}
	if c.state == store.SessionExpired {
		return store.ErrSessionExpired
	}
	return store.ErrClosed
}

// snapshot reads a node, its child-change marker, and its children at one revision.
type snapshot struct {
	kv       *mvccpb.KeyValue
	value    nodeValue
	mark     *mvccpb.KeyValue
	children []string
	revision int64
}

func (s snapshot) exists(path string) bool { return path == "/" || s.kv != nil }

func (s snapshot) stat(path string) *store.Stat {
	var cversion int64
	if s.mark != nil {
		cversion = s.mark.Version
	}
	if path == "/" {
		return rootStat(cversion, len(s.children))
	}
	return statOf(s.kv, s.value, cversion, len(s.children))
}

func (c *Conn) snapshot(ctx context.Context, path string, withChildren bool) (snapshot, error) {
	ops := []clientv3.Op{
		clientv3.OpGet(nodeKey(path)),
		clientv3.OpGet(childMarkKey(path)),
	}
	if withChildren {
		ops = append(ops, clientv3.OpGet(childPrefix(path), clientv3.WithPrefix(), clientv3.WithKeysOnly()))
	} else {
		ops = append(ops, clientv3.OpGet(childPrefix(path), clientv3.WithPrefix(), clientv3.WithKeysOnly(), clientv3.WithLimit(1)))
	}
	resp, err := c.ns.kv.Txn(ctx).Then(ops...).Commit()
	if err != nil {
		return snapshot{}, mapError(err)
	}
	var snap snapshot
	snap.revision = resp.Header.Revision
	if kvs := resp.Responses[0].GetResponseRange().Kvs; len(kvs) > 0 {
		snap.kv = kvs[0]
		snap.value, err = decodeValue(kvs[0].Value)
		if err != nil {
			return snapshot{}, err
		}
	}
	if kvs := resp.Responses[1].GetResponseRange().Kvs; len(kvs) > 0 {
		snap.mark = kvs[0]
	}
	snap.children = directChildren(path, resp.Responses[2].GetResponseRange().Kvs)
	return snap, nil
}

// Create makes a node; sequential modes draw the suffix from a per-parent counter.
func (c *Conn) Create(ctx context.Context, path string, data []byte, mode store.CreateMode) (string, error) {
	if err := c.check(ctx, path); err != nil {
		return "", err
	}
	if path == "/" {
		return "", fmt.Errorf("%w: %s", store.ErrNodeExists, path)
	}
	parent := store.Parent(path)
	if parent != "/" {
		resp, err := c.ns.kv.Get(ctx, nodeKey(parent))
		if err != nil {
			return "", mapError(err)
		}
		if len(resp.Kvs) == 0 {
			return "", fmt.Errorf("%w: %s", store.ErrNoNode, parent)
		}
		if resp.Kvs[0].Lease != 0 {
			return "", fmt.Errorf("%w: %s", store.ErrNoChildrenForEphemera, parent)
		}
	}
	now := c.cfg.Clock.Now()
	value := encodeValue(nodeValue{ctime: now, mtime: now, data: data})
	var putOpts []clientv3.OpOption
	if mode.Ephemeral() {
		putOpts = append(putOpts, clientv3.WithLease(c.lease))
	}
	for {
		target := path
		cmps := []clientv3.Cmp{}
		ops := []clientv3.Op{}
		if parent != "/" {
			cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(nodeKey(parent)), ">", 0))
		}
		if mode.Sequential() {
			seq, seqVersion, err := c.nextSequence(ctx, parent)
			if err != nil {
				return "", err
			}
			target = path + store.FormatSequence(seq)
			cmps = append(cmps, clientv3.Compare(clientv3.Version(seqKey(parent)), "=", seqVersion))
			ops = append(ops, clientv3.OpPut(seqKey(parent), strconv.FormatInt(seq+1, 10)))
		}
		cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(nodeKey(target)), "=", 0))
		ops = append(ops,
			clientv3.OpPut(nodeKey(target), string(value), putOpts...),
			clientv3.OpPut(childMarkKey(parent), ""),
		)
		resp, err := c.ns.kv.Txn(ctx).If(cmps...).Then(ops...).Commit()
		if err != nil {
			return "", mapError(err)
		}
		if resp.Succeeded {
			return target, nil
		}
		retry, err := c.explainCreateConflict(ctx, parent, target, mode)
		if err != nil {
			return "", err
		}
		if !retry {
			return "", fmt.Errorf("%w: %s", store.ErrNodeExists, target)
		}
	}
}

func (c *Conn) nextSequence(ctx context.Context, parent string) (int64, int64, error) {
	resp, err := c.ns.kv.Get(ctx, seqKey(parent))
	if err != nil {
		return 0, 0, mapError(err)
	}
	if len(resp.Kvs) == 0 {
		return 0, 0, nil
	}
	seq, err := strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("store/etcd: corrupt sequence counter for %s: %w", parent, err)
	}
	return seq, resp.Kvs[0].Version, nil
}

// explainCreateConflict reports whether a failed create transaction lost a
// sequence race and should be retried.
func (c *Conn) explainCreateConflict(ctx context.Context, parent, target string, mode store.CreateMode) (bool, error) {
	if parent != "/" {
		resp, err := c.ns.kv.Get(ctx, nodeKey(parent), clientv3.WithCountOnly())
		if err != nil {
			return false, mapError(err)
		}
		if resp.Count == 0 {
			return false, fmt.Errorf("%w: %s", store.ErrNoNode, parent)
		}
	}
	if !mode.Sequential() {
		return false, nil
	}
	resp, err := c.ns.kv.Get(ctx, nodeKey(target), clientv3.WithCountOnly())
	if err != nil {
		return false, mapError(err)
	}
	return resp.Count == 0, nil
}

// Delete removes a childless node.
func (c *Conn) Delete(ctx context.Context, path string, version int64) error {
	if err := c.check(ctx, path); err != nil {
		return err
	}
	if path == "/" {
		return fmt.Errorf("%w: cannot delete the root", store.ErrInvalidPath)
	}
	for {
		snap, err := c.snapshot(ctx, path, false)
		if err != nil {
			return err
		}
		if snap.kv == nil {
			return fmt.Errorf("%w: %s", store.ErrNoNode, path)
		}
		if version != store.AnyVersion && snap.kv.Version-1 != version {
			return fmt.Errorf("%w: %s at %d, expected %d", store.ErrBadVersion, path, snap.kv.Version-1, version)
		}
		if len(snap.children) > 0 {
			return fmt.Errorf("%w: %s", store.ErrNotEmpty, path)
		}
		var markRev int64
		if snap.mark != nil {
			markRev = snap.mark.ModRevision
		}
		resp, err := c.ns.kv.Txn(ctx).
			If(
				clientv3.Compare(clientv3.ModRevision(nodeKey(path)), "=", snap.kv.ModRevision),
				clientv3.Compare(clientv3.ModRevision(childMarkKey(path)), "=", markRev),
			).
			Then(
				clientv3.OpDelete(nodeKey(path)),
				clientv3.OpDelete(childMarkKey(path)),
				clientv3.OpDelete(seqKey(path)),
				clientv3.OpPut(childMarkKey(store.Parent(path)), ""),
			).
			Commit()
		if err != nil {
			return mapError(err)
		}
		if resp.Succeeded {
			return nil
		}
	}
}

// Exists reports the Stat of path, or nil when it is missing.
func (c *Conn) Exists(ctx context.Context, path string, watch bool) (*store.Stat, <-chan store.Event, error) {
	if err := c.check(ctx, path); err != nil {
		return nil, nil, err
	}
	snap, err := c.snapshot(ctx, path, true)
	if err != nil {
		return nil, nil, err
	}
	var ch <-chan store.Event
	if watch {
		ch = c.watch(path, snap.revision+1, watchNode(path, true))
	}
	if !snap.exists(path) {
		return nil, ch, nil
	}
	return snap.stat(path), ch, nil
}

// Get returns the data of an existing node.
func (c *Conn) Get(ctx context.Context, path string, watch bool) ([]byte, *store.Stat, <-chan store.Event, error) {
	if err := c.check(ctx, path); err != nil {
		return nil, nil, nil, err
	}
	snap, err := c.snapshot(ctx, path, true)
	if err != nil {
		return nil, nil, nil, err
	}
	if !snap.exists(path) {
		return nil, nil, nil, fmt.Errorf("%w: %s", store.ErrNoNode, path)
	}
	var ch <-chan store.Event
	if watch {
		ch = c.watch(path, snap.revision+1, watchNode(path, true))
	}
	return snap.value.data, snap.stat(path), ch, nil
}

// Children lists the immediate children of an existing node.
func (c *Conn) Children(ctx context.Context, path string, watch bool) ([]string, *store.Stat, <-chan store.Event, error) {
	if err := c.check(ctx, path); err != nil {
		return nil, nil, nil, err
	}
	snap, err := c.snapshot(ctx, path, true)
	if err != nil {
		return nil, nil, nil, err
	}
	if !snap.exists(path) {
		return nil, nil, nil, fmt.Errorf("%w: %s", store.ErrNoNode, path)
	}
	var ch <-chan store.Event
	if watch {
		ch = c.watch(path, snap.revision+1, watchNode(path, false), watchChildren(path))
	}
	return snap.children, snap.stat(path), ch, nil
}

// Set replaces node data, keeping the lease of ephemeral nodes.
func (c *Conn) Set(ctx context.Context, path string, data []byte, version int64) (*store.Stat, error) {
	if err := c.check(ctx, path); err != nil {
		return nil, err
	}
	if path == "/" {
		return nil, fmt.Errorf("%w: cannot set the root", store.ErrInvalidPath)
	}
	for {
		snap, err := c.snapshot(ctx, path, true)
		if err != nil {
			return nil, err
		}
		if snap.kv == nil {
			return nil, fmt.Errorf("%w: %s", store.ErrNoNode, path)
		}
		if version != store.AnyVersion && snap.kv.Version-1 != version {
			return nil, fmt.Errorf("%w: %s at %d, expected %d", store.ErrBadVersion, path, snap.kv.Version-1, version)
		}
		next := nodeValue{ctime: snap.value.ctime, mtime: c.cfg.Clock.Now(), data: data}
		resp, err := c.ns.kv.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(nodeKey(path)), "=", snap.kv.ModRevision)).
			Then(clientv3.OpPut(nodeKey(path), string(encodeValue(next)), clientv3.WithIgnoreLease())).
			Commit()
		if err != nil {
			return nil, mapError(err)
		}
		if !resp.Succeeded {
			continue
		}
		stat := snap.stat(path)
		stat.Version++
		stat.Mtime = next.mtime
		stat.DataLength = len(data)
		return stat, nil
	}
}
