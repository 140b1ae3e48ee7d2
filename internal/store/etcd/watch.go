package etcd

import (
	"context"
	"strings"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"

	"pkt.systems/zkgate/internal/store"
)

// watchSpec is one etcd key watched on behalf of a store watch and the
// translation of its events.
type watchSpec struct {
	key       string
	prefix    bool
	translate func(*clientv3.Event) (store.EventType, bool)
}

// watchNode follows the node key. With data set, puts report creation or
// data change; otherwise only deletion is reported.
func watchNode(path string, data bool) watchSpec {
	return watchSpec{
		key: nodeKey(path),
		translate: func(ev *clientv3.Event) (store.EventType, bool) {
			if ev.Type == clientv3.EventTypeDelete {
				return store.EventNodeDeleted, true
			}
			if !data {
				return 0, false
			}
			if ev.IsCreate() {
				return store.EventNodeCreated, true
			}
			return store.EventNodeDataChanged, true
		},
	}
}

// watchChildren follows direct children. Lease expiry deletes ephemeral
// children without touching the parent's marker, so the prefix is watched
// instead of the marker.
func watchChildren(path string) watchSpec {
	prefix := childPrefix(path)
	return watchSpec{
		key:    prefix,
		prefix: true,
		translate: func(ev *clientv3.Event) (store.EventType, bool) {
			rest := strings.TrimPrefix(string(ev.Kv.Key), prefix)
			if rest == "" || strings.Contains(rest, "/") {
				return 0, false
			}
			if ev.Type == clientv3.EventTypeDelete || ev.IsCreate() {
				return store.EventNodeChildrenChanged, true
			}
			return 0, false
		},
	}
}

// watch starts a one-shot watch from revision rev. The returned channel
// receives exactly one event: the first translated change, or
// EventNotWatching when the session ends first.
func (c *Conn) watch(path string, rev int64, specs ...watchSpec) <-chan store.Event {
	out := make(chan store.Event, 1)
	ctx, cancel := context.WithCancel(c.ctx)
	var once sync.Once
	fire := func(ev store.Event) {
		once.Do(func() {
			out <- ev
			cancel()
		})
	}
	for _, ws := range specs {
		opts := []clientv3.OpOption{clientv3.WithRev(rev)}
		if ws.prefix {
			opts = append(opts, clientv3.WithPrefix())
		}
		wc := c.ns.watcher.Watch(clientv3.WithRequireLeader(ctx), ws.key, opts...)
		go func(ws watchSpec, wc clientv3.WatchChan) {
			for resp := range wc {
				if err := resp.Err(); err != nil {
					fire(store.Event{Type: store.EventNotWatching, Path: path, Err: mapError(err)})
					return
				}
				for _, ev := range resp.Events {
					if typ, ok := ws.translate(ev); ok {
						fire(store.Event{Type: typ, Path: path})
						return
					}
				}
			}
			if ctx.Err() != nil && c.ctx.Err() == nil {
				return
			}
			err := c.endError()
			if err == nil {
				err = store.ErrConnectionLoss
			}
			fire(store.Event{Type: store.EventNotWatching, Path: path, Err: err})
		}(ws, wc)
	}
	return out
}
