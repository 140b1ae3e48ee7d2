package lock

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"pkt.systems/zkgate/coord"
	"pkt.systems/zkgate/gate"
	"pkt.systems/zkgate/internal/store"
	"pkt.systems/zkgate/internal/store/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type node struct {
	gate      *gate.Gate
	connector *memory.Connector
	locks     *Manager
}

func newTree(t *testing.T) *memory.Tree {
	t.Helper()
	tree := memory.MustNew(nil)
	t.Cleanup(func() { _ = tree.Close() })
	return tree
}

// startNode starts a gate on tree. Cleanups run in reverse order, so gates
// close before the tree.
func startNode(t *testing.T, tree *memory.Tree, id string) *node {
	t.Helper()
	connector := memory.NewConnector(tree, false)
	g := gate.New(connector, gate.Config{NodeID: id, ConnectBackoff: time.Millisecond})
	t.Cleanup(func() { _ = g.Close(context.Background()) })
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("start %s: %v", id, err)
	}
	if err := g.AwaitOnline(context.Background(), time.Second); err != nil {
		t.Fatalf("await %s: %v", id, err)
	}
	return &node{gate: g, connector: connector, locks: NewManager(g, Config{})}
}

func TestAcquireAndDoubleRelease(t *testing.T) {
	ctx := context.Background()
	n := startNode(t, newTree(t), "a")
	l, err := n.locks.Acquire(ctx, "jobs", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if l.Path() != "/locks/jobs/lock-0000000000" || l.Sequence() != 0 || l.Durable() {
		t.Fatalf("unexpected lock %s seq=%d", l.Path(), l.Sequence())
	}
	holders, err := n.locks.Holders(ctx, "jobs")
	if err != nil {
		t.Fatalf("holders: %v", err)
	}
	if len(holders) != 1 || !holders[0].Holder || !holders[0].Ephemeral || holders[0].Owner != "a" || holders[0].Issued.IsZero() {
		t.Fatalf("unexpected holders %+v", holders)
	}
	if err := l.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.Release(ctx); err != nil {
		t.Fatalf("double release: %v", err)
	}
	if holders, _ := n.locks.Holders(ctx, "jobs"); len(holders) != 0 {
		t.Fatalf("node left behind: %+v", holders)
	}
	select {
	case <-l.Lost():
		t.Fatal("released lock reported lost")
	default:
	}
}

func TestConcurrentAcquirersAreExclusiveInSequenceOrder(t *testing.T) {
	ctx := context.Background()
	tree := newTree(t)
	const contenders = 6
	nodes := make([]*node, contenders)
	for i := range nodes {
		nodes[i] = startNode(t, tree, "n"+string(rune('a'+i)))
	}
	var (
		inside   atomic.Int32
		maxSeen  atomic.Int32
		mu       sync.Mutex
		acquired []int64
		wg       sync.WaitGroup
		errs     = make(chan error, contenders)
	)
	for _, n := range nodes {
		wg.Add(1)
		go func(n *node) {
			defer wg.Done()
			l, err := n.locks.Acquire(ctx, "shared", 10*time.Second)
			if err != nil {
				errs <- err
				return
			}
			cur := inside.Add(1)
			for {
				prev := maxSeen.Load()
				if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
					break
				}
			}
			mu.Lock()
			acquired = append(acquired, l.Sequence())
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			if err := l.Release(ctx); err != nil {
				errs <- err
			}
		}(n)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("contender failed: %v", err)
	}
	if maxSeen.Load() != 1 {
		t.Fatalf("%d holders at once", maxSeen.Load())
	}
	if len(acquired) != contenders {
		t.Fatalf("acquired %d times, want %d", len(acquired), contenders)
	}
	if !sort.SliceIsSorted(acquired, func(i, j int) bool { return acquired[i] < acquired[j] }) {
		t.Fatalf("acquisition order not by sequence: %v", acquired)
	}
}

func TestAcquireTimeoutRemovesContender(t *testing.T) {
	ctx := context.Background()
	tree := newTree(t)
	a := startNode(t, tree, "a")
	b := startNode(t, tree, "b")
	held, err := a.locks.Acquire(ctx, "jobs", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer held.Release(ctx)

	if _, err := b.locks.Acquire(ctx, "jobs", 30*time.Millisecond); !errors.Is(err, coord.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if _, err := b.locks.TryAcquire(ctx, "jobs"); !errors.Is(err, coord.ErrTimeout) {
		t.Fatalf("expected timeout from TryAcquire, got %v", err)
	}
	holders, err := b.locks.Holders(ctx, "jobs")
	if err != nil {
		t.Fatalf("holders: %v", err)
	}
	if len(holders) != 1 || holders[0].Path != held.Path() {
		t.Fatalf("timed out contender leaked: %+v", holders)
	}
}

func TestAcquireCancelledRemovesContender(t *testing.T) {
	tree := newTree(t)
	a := startNode(t, tree, "a")
	b := startNode(t, tree, "b")
	held, err := a.locks.Acquire(context.Background(), "jobs", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer held.Release(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := b.locks.Acquire(ctx, "jobs", time.Minute); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if holders, _ := a.locks.Holders(context.Background(), "jobs"); len(holders) != 1 {
		t.Fatalf("cancelled contender leaked: %+v", holders)
	}
}

func TestWaiterAcquiresAfterRelease(t *testing.T) {
	ctx := context.Background()
	tree := newTree(t)
	a := startNode(t, tree, "a")
	b := startNode(t, tree, "b")
	held, err := a.locks.Acquire(ctx, "jobs", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	got := make(chan *Lock, 1)
	go func() {
		l, err := b.locks.Acquire(ctx, "jobs", 5*time.Second)
		if err != nil {
			t.Errorf("waiter: %v", err)
		}
		got <- l
	}()
	time.Sleep(20 * time.Millisecond)
	if err := held.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	l := <-got
	if l == nil {
		t.FailNow()
	}
	if l.Sequence() != 1 {
		t.Fatalf("waiter sequence=%d", l.Sequence())
	}
	_ = l.Release(ctx)
}

func TestExclusiveLockLostOnExpiry(t *testing.T) {
	ctx := context.Background()
	n := startNode(t, newTree(t), "a")
	l, err := n.locks.Acquire(ctx, "jobs", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	n.connector.Current().Expire()
	select {
	case <-l.Lost():
	case <-time.After(5 * time.Second):
		t.Fatal("lock not reported lost")
	}
	if !errors.Is(l.Err(), coord.ErrLockLost) || !coord.Fatal(l.Err()) {
		t.Fatalf("expected ErrLockLost, got %v", l.Err())
	}
	if err := l.Release(ctx); err != nil {
		t.Fatalf("release after loss: %v", err)
	}
}

func TestDurableRecoverPreservesPosition(t *testing.T) {
	ctx := context.Background()
	tree := newTree(t)
	first := startNode(t, tree, "a")
	held, err := first.locks.AcquireDurable(ctx, "nightly", "worker-1", time.Second)
	if err != nil {
		t.Fatalf("acquire durable: %v", err)
	}
	key := held.RecoveryKey()
	if name, owner, err := ExtractRecoveryKeyDetails(key); err != nil || name != "nightly" || owner != "worker-1" {
		t.Fatalf("recovery key %q -> %q %q %v", key, name, owner, err)
	}
	// Crash: the session ends without a release.
	if err := first.gate.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-held.Lost():
		t.Fatal("durable lock lost on session end")
	default:
	}

	restarted := startNode(t, tree, "a2")
	if _, err := restarted.locks.AcquireDurable(ctx, "nightly", "worker-2", 20*time.Millisecond); !errors.Is(err, coord.ErrTimeout) {
		t.Fatalf("expected newcomer to wait behind the durable holder, got %v", err)
	}
	recovered, err := restarted.locks.Recover(ctx, key, time.Second)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered.Path() != held.Path() || recovered.Sequence() != held.Sequence() {
		t.Fatalf("recovered %s, want %s", recovered.Path(), held.Path())
	}
	if err := recovered.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if holders, _ := restarted.locks.Holders(ctx, "nightly"); len(holders) != 0 {
		t.Fatalf("holders after release: %+v", holders)
	}
	_ = held.Release(ctx)

	fresh, err := restarted.locks.Recover(ctx, key, time.Second)
	if err != nil {
		t.Fatalf("recover without node: %v", err)
	}
	if fresh.Sequence() <= held.Sequence() {
		t.Fatalf("requeued node reused sequence %d", fresh.Sequence())
	}
	_ = fresh.Release(ctx)

	if _, err := restarted.locks.Recover(ctx, "not-a-key", time.Second); !errors.Is(err, coord.ErrMalformedRecoveryKey) {
		t.Fatalf("expected ErrMalformedRecoveryKey, got %v", err)
	}
}

func TestDurableLockLostWhenDeletedByOthers(t *testing.T) {
	ctx := context.Background()
	tree := newTree(t)
	a := startNode(t, tree, "a")
	b := startNode(t, tree, "b")
	l, err := a.locks.AcquireDurable(ctx, "nightly", "w", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	a.connector.Current().Expire()
	deadline := time.Now().Add(5 * time.Second)
	for a.gate.State() != gate.StateConnected || a.gate.SessionID() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("gate did not reconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if l.Err() != nil {
		t.Fatalf("durable lock lost on expiry: %v", l.Err())
	}
	if err := b.gate.Store().Delete(ctx, l.Path(), store.AnyVersion); err != nil {
		t.Fatalf("delete: %v", err)
	}
	select {
	case <-l.Lost():
	case <-time.After(5 * time.Second):
		t.Fatal("durable lock not reported lost")
	}
	_ = l.Release(ctx)
}

func TestAcquireNotOnline(t *testing.T) {
	connector := memory.NewConnector(newTree(t), false)
	g := gate.New(connector, gate.Config{})
	defer g.Close(context.Background())
	m := NewManager(g, Config{})
	if _, err := m.Acquire(context.Background(), "jobs", time.Second); !errors.Is(err, coord.ErrNotOnline) {
		t.Fatalf("expected ErrNotOnline, got %v", err)
	}
}
