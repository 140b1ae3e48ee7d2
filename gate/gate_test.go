package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"pkt.systems/zkgate/coord"
	"pkt.systems/zkgate/internal/store"
	"pkt.systems/zkgate/internal/store/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestGate(t *testing.T, cfg Config) (*Gate, *memory.Connector) {
	t.Helper()
	connector := memory.NewConnector(memory.MustNew(nil), true)
	g := New(connector, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.Close(ctx); err != nil {
			t.Errorf("close gate: %v", err)
		}
		_ = connector.Close()
	})
	return g, connector
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAwaitOnlineAfterStart(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGate(t, Config{})
	if g.State() != StateConnecting {
		t.Fatalf("initial state %v", g.State())
	}
	if err := g.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := g.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if err := g.AwaitOnline(ctx, time.Second); err != nil {
		t.Fatalf("await: %v", err)
	}
	s := g.Session()
	if s.State != StateConnected || s.ID == 0 || s.LastConnected.IsZero() {
		t.Fatalf("unexpected session %+v", s)
	}
}

func TestAwaitOnlineTimesOutUntilClusterMarked(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGate(t, Config{WaitForCluster: true})
	if err := g.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := g.AwaitOnline(ctx, 50*time.Millisecond)
	if !errors.Is(err, coord.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if _, _, err := g.Store().Exists(ctx, "/", false); !errors.Is(err, coord.ErrNotOnline) {
		t.Fatalf("expected ErrNotOnline before the signal, got %v", err)
	}
	if online, err := g.ClusterOnline(ctx); err != nil || online {
		t.Fatalf("cluster online=%v err=%v", online, err)
	}
	if err := g.MarkOnline(ctx); err != nil {
		t.Fatalf("mark online: %v", err)
	}
	if err := g.AwaitOnline(ctx, 2*time.Second); err != nil {
		t.Fatalf("await after mark: %v", err)
	}
	if _, _, err := g.Store().Exists(ctx, "/", false); err != nil {
		t.Fatalf("exists after online: %v", err)
	}
	// The signal does not re-arm.
	if err := g.MarkOffline(ctx); err != nil {
		t.Fatalf("mark offline: %v", err)
	}
	if !g.IsOnline() {
		t.Fatal("online signal re-armed")
	}
}

func TestStoreBeforeStartIsNotOnline(t *testing.T) {
	g, _ := newTestGate(t, Config{})
	_, err := g.Store().Create(context.Background(), "/x", nil, store.ModePersistent)
	if !errors.Is(err, coord.ErrNotOnline) || !coord.Retryable(err) {
		t.Fatalf("expected retryable ErrNotOnline, got %v", err)
	}
}

func TestSuspendedSessionFailsFast(t *testing.T) {
	ctx := context.Background()
	g, connector := newTestGate(t, Config{})
	if err := g.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	conn := connector.Current()
	conn.Disconnect()
	waitFor(t, "suspended", func() bool { return g.State() == StateSuspended })
	if _, _, _, err := g.Store().Get(ctx, "/", false); !errors.Is(err, coord.ErrNotOnline) {
		t.Fatalf("expected ErrNotOnline, got %v", err)
	}
	conn.Resume()
	waitFor(t, "connected", func() bool { return g.State() == StateConnected })
	if _, _, _, err := g.Store().Get(ctx, "/", false); err != nil {
		t.Fatalf("get after resume: %v", err)
	}
}

func TestExpiryEstablishesNewSession(t *testing.T) {
	ctx := context.Background()
	g, connector := newTestGate(t, Config{Presence: true, NodeID: "node-a", ConnectBackoff: time.Millisecond})
	var (
		mu     sync.Mutex
		states []State
	)
	cancel := g.Subscribe(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	defer cancel()
	if err := g.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := g.SessionID()
	connector.Current().Expire()
	waitFor(t, "new session", func() bool {
		return g.State() == StateConnected && g.SessionID() != first && g.SessionID() != 0
	})
	mu.Lock()
	seen := append([]State(nil), states...)
	mu.Unlock()
	var sawExpired bool
	for _, s := range seen {
		if s == StateExpired {
			sawExpired = true
		}
	}
	if !sawExpired {
		t.Fatalf("listeners never saw EXPIRED: %v", seen)
	}
	waitFor(t, "presence of the new session", func() bool {
		presences, err := g.Presences(ctx)
		if err != nil {
			t.Fatalf("presences: %v", err)
		}
		return len(presences) == 1 && presences[0].ID == "node-a" && presences[0].SessionID == g.SessionID()
	})
}

// gatedConnector blocks Connect calls after the first until release closes.
type gatedConnector struct {
	*memory.Connector
	calls   atomic.Int32
	release chan struct{}
	resets  atomic.Int32
}

func (c *gatedConnector) Connect(ctx context.Context) (store.Conn, error) {
	if c.calls.Add(1) > 1 {
		select {
		case <-c.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.Connector.Connect(ctx)
}

func (c *gatedConnector) Reset(context.Context) error {
	c.resets.Add(1)
	return nil
}

func TestReconnectIsSingleFlight(t *testing.T) {
	ctx := context.Background()
	connector := &gatedConnector{Connector: memory.NewConnector(memory.MustNew(nil), true), release: make(chan struct{})}
	g := New(connector, Config{})
	defer func() {
		_ = g.Close(context.Background())
		_ = connector.Close()
	}()
	if err := g.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := g.SessionID()
	done := make(chan error, 1)
	go func() { done <- g.Reconnect(ctx) }()
	waitFor(t, "reconnect in flight", func() bool { return connector.calls.Load() == 2 })
	if err := g.Reconnect(ctx); !errors.Is(err, coord.ErrReconnectInFlight) {
		t.Fatalf("expected ErrReconnectInFlight, got %v", err)
	}
	if err := g.Reset(ctx); !errors.Is(err, coord.ErrReconnectInFlight) {
		t.Fatalf("expected ErrReconnectInFlight from Reset, got %v", err)
	}
	close(connector.release)
	if err := <-done; err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if g.SessionID() == first || g.State() != StateConnected {
		t.Fatalf("session not replaced: id=%d state=%v", g.SessionID(), g.State())
	}
	if err := g.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if connector.resets.Load() != 1 {
		t.Fatalf("resets=%d want 1", connector.resets.Load())
	}
}

func TestReconnectBeforeStart(t *testing.T) {
	g, _ := newTestGate(t, Config{})
	if err := g.Reconnect(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestCloseReportsClosed(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGate(t, Config{WaitForCluster: true})
	if err := g.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := g.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if g.State() != StateClosed {
		t.Fatalf("state=%v", g.State())
	}
	if err := g.AwaitOnline(ctx, time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := g.Start(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Start, got %v", err)
	}
}
