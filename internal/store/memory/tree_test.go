package memory

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"pkt.systems/zkgate/internal/clock"
	"pkt.systems/zkgate/internal/store"
)

func newConn(t *testing.T, tree *Tree) *Conn {
	t.Helper()
	c, err := tree.Connect()
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSequentialNamesAreMonotonic(t *testing.T) {
	ctx := context.Background()
	tree := MustNew(nil)
	c := newConn(t, tree)
	if err := store.EnsurePath(ctx, c, "/locks/a"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	var created []string
	for i := 0; i < 3; i++ {
		p, err := c.Create(ctx, "/locks/a/lock-", nil, store.ModeEphemeralSequential)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		created = append(created, p)
	}
	want := []string{"/locks/a/lock-0000000000", "/locks/a/lock-0000000001", "/locks/a/lock-0000000002"}
	for i := range want {
		if created[i] != want[i] {
			t.Fatalf("created[%d]=%q want %q", i, created[i], want[i])
		}
	}
	// Deleting does not reuse sequence numbers.
	if err := c.Delete(ctx, created[2], store.AnyVersion); err != nil {
		t.Fatalf("delete: %v", err)
	}
	p, err := c.Create(ctx, "/locks/a/lock-", nil, store.ModePersistentSequential)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p != "/locks/a/lock-0000000003" {
		t.Fatalf("unexpected path %q", p)
	}
}

func TestCreateRequiresParent(t *testing.T) {
	c := newConn(t, MustNew(nil))
	_, err := c.Create(context.Background(), "/missing/child", nil, store.ModePersistent)
	if !errors.Is(err, store.ErrNoNode) {
		t.Fatalf("expected ErrNoNode, got %v", err)
	}
}

func TestEphemeralNodesRemovedOnExpire(t *testing.T) {
	ctx := context.Background()
	tree := MustNew(nil)
	owner := newConn(t, tree)
	observer := newConn(t, tree)
	if _, err := owner.Create(ctx, "/eph", []byte("x"), store.ModeEphemeral); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := owner.Create(ctx, "/eph/child", nil, store.ModePersistent); !errors.Is(err, store.ErrNoChildrenForEphemera) {
		t.Fatalf("expected ErrNoChildrenForEphemera, got %v", err)
	}
	stat, watch, err := observer.Exists(ctx, "/eph", true)
	if err != nil || stat == nil {
		t.Fatalf("exists: stat=%v err=%v", stat, err)
	}
	if stat.EphemeralOwner != owner.SessionID() {
		t.Fatalf("owner=%d want %d", stat.EphemeralOwner, owner.SessionID())
	}
	owner.Expire()
	select {
	case ev := <-watch:
		if ev.Type != store.EventNodeDeleted {
			t.Fatalf("unexpected event %v", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("watch did not fire")
	}
	if _, _, err := owner.Exists(ctx, "/eph", false); !errors.Is(err, store.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	var last store.SessionEvent
	for ev := range owner.Events() {
		last = ev
	}
	if last.State != store.SessionExpired {
		t.Fatalf("final event %v, want expired", last.State)
	}
}

func TestEphemeralCreateAfterSessionEndIsRejected(t *testing.T) {
	ctx := context.Background()
	tree := MustNew(nil)
	owner := newConn(t, tree)
	id := owner.SessionID()
	owner.Expire()
	// The session check in Conn.Create can pass just before the session
	// ends; the tree must still refuse to stamp the dead owner.
	if _, err := tree.create(id, "/orphan", nil, store.ModeEphemeral); !errors.Is(err, store.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if _, err := tree.create(id, "/kept", nil, store.ModePersistent); err != nil {
		t.Fatalf("persistent create by id: %v", err)
	}
	observer := newConn(t, tree)
	if stat, _, err := observer.Exists(ctx, "/orphan", false); err != nil || stat != nil {
		t.Fatalf("orphan exists: stat=%v err=%v", stat, err)
	}
}

func TestVersionedSetAndDelete(t *testing.T) {
	ctx := context.Background()
	c := newConn(t, MustNew(nil))
	if _, err := c.Create(ctx, "/v", []byte("a"), store.ModePersistent); err != nil {
		t.Fatalf("create: %v", err)
	}
	stat, err := c.Set(ctx, "/v", []byte("b"), 0)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if stat.Version != 1 {
		t.Fatalf("version=%d want 1", stat.Version)
	}
	if _, err := c.Set(ctx, "/v", []byte("c"), 0); !errors.Is(err, store.ErrBadVersion) {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
	if err := c.Delete(ctx, "/v", 0); !errors.Is(err, store.ErrBadVersion) {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
	if err := c.Delete(ctx, "/v", 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := c.Set(ctx, "/v", nil, store.AnyVersion); !errors.Is(err, store.ErrNoNode) {
		t.Fatalf("expected ErrNoNode, got %v", err)
	}
}

func TestDeleteRejectsNonEmpty(t *testing.T) {
	ctx := context.Background()
	c := newConn(t, MustNew(nil))
	if err := store.EnsurePath(ctx, c, "/a/b/c"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := c.Delete(ctx, "/a", store.AnyVersion); !errors.Is(err, store.ErrNotEmpty) {
		t.Fatalf("expected ErrNotEmpty, got %v", err)
	}
	if err := store.DeleteTree(ctx, c, "/a"); err != nil {
		t.Fatalf("delete tree: %v", err)
	}
	if stat, _, _ := c.Exists(ctx, "/a", false); stat != nil {
		t.Fatal("expected /a to be gone")
	}
}

func TestWatchesAreOneShot(t *testing.T) {
	ctx := context.Background()
	c := newConn(t, MustNew(nil))
	if _, err := c.Create(ctx, "/w", nil, store.ModePersistent); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, _, watch, err := c.Children(ctx, "/w", true)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if _, err := c.Create(ctx, "/w/a", nil, store.ModePersistent); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.Create(ctx, "/w/b", nil, store.ModePersistent); err != nil {
		t.Fatalf("create: %v", err)
	}
	ev := <-watch
	if ev.Type != store.EventNodeChildrenChanged || ev.Path != "/w" {
		t.Fatalf("unexpected event %+v", ev)
	}
	select {
	case ev := <-watch:
		t.Fatalf("watch fired twice: %+v", ev)
	default:
	}
	names, stat, _, err := c.Children(ctx, "/w", false)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "a" || stat.NumChildren != 2 {
		t.Fatalf("unexpected children %v (stat %+v)", names, stat)
	}
}

func TestDisconnectFailsFastUntilResume(t *testing.T) {
	ctx := context.Background()
	c := newConn(t, MustNew(clock.NewManual(time.Unix(0, 0))))
	c.Disconnect()
	if _, _, err := c.Exists(ctx, "/", false); !errors.Is(err, store.ErrConnectionLoss) {
		t.Fatalf("expected ErrConnectionLoss, got %v", err)
	}
	if ev := <-c.Events(); ev.State != store.SessionDisconnected {
		t.Fatalf("unexpected event %v", ev.State)
	}
	c.Resume()
	if ev := <-c.Events(); ev.State != store.SessionConnected {
		t.Fatalf("unexpected event %v", ev.State)
	}
	if _, _, err := c.Exists(ctx, "/", false); err != nil {
		t.Fatalf("exists after resume: %v", err)
	}
}

func TestCloseDropsWatches(t *testing.T) {
	ctx := context.Background()
	tree := MustNew(nil)
	c := newConn(t, tree)
	_, watch, err := c.Exists(ctx, "/nothing", true)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	ev := <-watch
	if ev.Type != store.EventNotWatching {
		t.Fatalf("expected not-watching, got %v", ev.Type)
	}
	if len(tree.Sessions()) != 0 {
		t.Fatalf("expected no sessions, got %v", tree.Sessions())
	}
}

type recordingPersister struct {
	records map[string]Record
}

func (p *recordingPersister) Load(visit func(Record) error) error {
	for _, rec := range p.records {
		if err := visit(rec); err != nil {
			return err
		}
	}
	return nil
}

func (p *recordingPersister) Apply(puts []Record, deletes []string) error {
	for _, rec := range puts {
		p.records[rec.Path] = rec
	}
	for _, path := range deletes {
		delete(p.records, path)
	}
	return nil
}

func (p *recordingPersister) Close() error { return nil }

func TestPersisterRoundTrip(t *testing.T) {
	ctx := context.Background()
	persist := &recordingPersister{records: map[string]Record{}}
	tree, err := New(Config{Persister: persist})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c, _ := tree.Connect()
	if err := store.EnsurePath(ctx, c, "/queues/jobs"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := c.Create(ctx, "/queues/jobs/msg-", []byte("one"), store.ModePersistentSequential); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.Create(ctx, "/queues/jobs/eph", nil, store.ModeEphemeral); err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = tree.Close()

	reloaded, err := New(Config{Persister: persist})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	c2, _ := reloaded.Connect()
	defer c2.Close()
	data, _, _, err := c2.Get(ctx, "/queues/jobs/msg-0000000000", false)
	if err != nil || string(data) != "one" {
		t.Fatalf("get after reload: data=%q err=%v", data, err)
	}
	if stat, _, _ := c2.Exists(ctx, "/queues/jobs/eph", false); stat != nil {
		t.Fatal("ephemeral node must not survive reload")
	}
	next, err := c2.Create(ctx, "/queues/jobs/msg-", nil, store.ModePersistentSequential)
	if err != nil {
		t.Fatalf("create after reload: %v", err)
	}
	if next != "/queues/jobs/msg-0000000001" {
		t.Fatalf("sequence not preserved: %q", next)
	}
}
