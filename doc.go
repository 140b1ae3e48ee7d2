// Package zkgate is a coordination kernel for multi-node applications. It
// turns one hierarchical, watch-capable, version-checked store into four
// primitives:
//
//   - package gate: the session lifecycle and the online signal every other
//     component waits on.
//   - package lock: exclusive locks bound to the session and durable locks
//     that a restarted owner re-adopts through a recovery key.
//   - package queue: a work queue with visibility timeouts.
//   - package prefs: a hierarchical preferences tree with optimistic
//     concurrency.
//
// # Running a kernel
//
// Config.Store selects the backend. mem:// keeps the tree in process,
// disk:///path/zkgate.db persists it in a bbolt file, and
// etcd://host:2379,host2:2379/prefix maps it onto an etcd cluster where
// sessions are leases.
//
//	k, stop, err := zkgate.StartKernel(ctx, zkgate.Config{
//	    Store:    "etcd://10.0.0.1:2379/zkgate",
//	    Presence: true,
//	}, 30*time.Second)
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
//	l, err := k.Locks().Acquire(ctx, "leader", 10*time.Second)
//	if err != nil { log.Fatal(err) }
//	defer l.Release(context.Background())
//
// Every component issues its store calls through the gate. While the
// session is not connected they fail fast with an error matching
// coord.ErrNotOnline; callers retry after the gate reconnects.
package zkgate
