package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/zkgate/internal/store"
	"pkt.systems/zkgate/internal/store/memory"
	"pkt.systems/zkgate/internal/store/retry"
)

type fakeClock struct {
	sleeps []time.Duration
	now    time.Time
}

func (f *fakeClock) Now() time.Time {
	if f.now.IsZero() {
		f.now = time.Unix(0, 0)
	}
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.sleeps = append(f.sleeps, d)
	ch <- f.Now().Add(d)
	return ch
}

func (f *fakeClock) Sleep(d time.Duration) {
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
}

// flakyConn fails the first failures calls of each primitive with err.
type flakyConn struct {
	store.Conn
	failures int
	err      error
	calls    map[string]int
}

func (f *flakyConn) fail(op string) error {
	f.calls[op]++
	if f.calls[op] <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyConn) Get(ctx context.Context, path string, watch bool) ([]byte, *store.Stat, <-chan store.Event, error) {
	if err := f.fail("get"); err != nil {
		return nil, nil, nil, err
	}
	return f.Conn.Get(ctx, path, watch)
}

func (f *flakyConn) Create(ctx context.Context, path string, data []byte, mode store.CreateMode) (string, error) {
	if err := f.fail("create"); err != nil {
		return "", err
	}
	return f.Conn.Create(ctx, path, data, mode)
}

func (f *flakyConn) Delete(ctx context.Context, path string, version int64) error {
	if f.calls["delete"] == 0 {
		// Lose the reply of a delete that went through.
		f.calls["delete"]++
		_ = f.Conn.Delete(ctx, path, version)
		return f.err
	}
	f.calls["delete"]++
	return f.Conn.Delete(ctx, path, version)
}

func newFlaky(t *testing.T, failures int) *flakyConn {
	t.Helper()
	tree := memory.MustNew(nil)
	c, err := tree.Connect()
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = tree.Close() })
	return &flakyConn{Conn: c, failures: failures, err: store.ErrConnectionLoss, calls: map[string]int{}}
}

func TestRetryTransientWithBackoff(t *testing.T) {
	ctx := context.Background()
	flaky := newFlaky(t, 2)
	clk := &fakeClock{}
	conn := retry.Wrap(flaky, pslog.NoopLogger(), clk, retry.Config{
		MaxAttempts: 4,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    15 * time.Millisecond,
		Multiplier:  2,
	})
	if _, err := flaky.Conn.Create(ctx, "/n", []byte("x"), store.ModePersistent); err != nil {
		t.Fatalf("seed: %v", err)
	}
	data, _, _, err := conn.Get(ctx, "/n", false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != "x" {
		t.Fatalf("data=%q", data)
	}
	if flaky.calls["get"] != 3 {
		t.Fatalf("calls=%d want 3", flaky.calls["get"])
	}
	want := []time.Duration{10 * time.Millisecond, 15 * time.Millisecond}
	if len(clk.sleeps) != len(want) || clk.sleeps[0] != want[0] || clk.sleeps[1] != want[1] {
		t.Fatalf("sleeps=%v want %v", clk.sleeps, want)
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	flaky := newFlaky(t, 5)
	conn := retry.Wrap(flaky, nil, &fakeClock{}, retry.Config{MaxAttempts: 3})
	if _, _, _, err := conn.Get(context.Background(), "/", false); !errors.Is(err, store.ErrConnectionLoss) {
		t.Fatalf("expected ErrConnectionLoss, got %v", err)
	}
	if flaky.calls["get"] != 3 {
		t.Fatalf("calls=%d want 3", flaky.calls["get"])
	}
}

func TestRetrySkipsPermanentErrors(t *testing.T) {
	flaky := newFlaky(t, 0)
	conn := retry.Wrap(flaky, nil, &fakeClock{}, retry.Config{MaxAttempts: 5})
	if _, _, _, err := conn.Get(context.Background(), "/missing", false); !errors.Is(err, store.ErrNoNode) {
		t.Fatalf("expected ErrNoNode, got %v", err)
	}
	if flaky.calls["get"] != 1 {
		t.Fatalf("calls=%d want 1", flaky.calls["get"])
	}
}

func TestSequentialCreateIsNotRetried(t *testing.T) {
	flaky := newFlaky(t, 1)
	conn := retry.Wrap(flaky, nil, &fakeClock{}, retry.Config{MaxAttempts: 5})
	if _, err := conn.Create(context.Background(), "/seq-", nil, store.ModePersistentSequential); !errors.Is(err, store.ErrConnectionLoss) {
		t.Fatalf("expected ErrConnectionLoss, got %v", err)
	}
	if flaky.calls["create"] != 1 {
		t.Fatalf("calls=%d want 1", flaky.calls["create"])
	}
}

func TestUnconditionalDeleteToleratesLostReply(t *testing.T) {
	ctx := context.Background()
	flaky := newFlaky(t, 0)
	if _, err := flaky.Conn.Create(ctx, "/gone", nil, store.ModePersistent); err != nil {
		t.Fatalf("seed: %v", err)
	}
	conn := retry.Wrap(flaky, nil, &fakeClock{}, retry.Config{MaxAttempts: 3})
	if err := conn.Delete(ctx, "/gone", store.AnyVersion); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	flaky := newFlaky(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	conn := retry.Wrap(flaky, nil, &fakeClock{}, retry.Config{MaxAttempts: 5})
	if _, _, _, err := conn.Get(ctx, "/", false); err == nil {
		t.Fatal("expected error")
	}
}
