package zkgate

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"pkt.systems/zkgate/coord"
	"pkt.systems/zkgate/gate"
	"pkt.systems/zkgate/internal/store/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestKernelEndToEnd(t *testing.T) {
	ctx := context.Background()
	k, stop, err := StartKernel(ctx, Config{NodeID: "node-1", Presence: true, RegisterNode: true}, time.Second)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		if err := stop(context.Background()); err != nil {
			t.Fatalf("stop: %v", err)
		}
	}()
	if k.Gate().State() != gate.StateConnected {
		t.Fatalf("state=%s", k.Gate().State())
	}

	l, err := k.Locks().Acquire(ctx, "leader", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := l.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	q, err := k.Queues().Open(ctx, "jobs")
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	if _, err := q.Send(ctx, []byte("payload")); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg, err := q.Consume(ctx, time.Second)
	if err != nil || string(msg.Body) != "payload" {
		t.Fatalf("consume: %+v err=%v", msg, err)
	}
	if _, err := q.Consume(ctx, 10*time.Millisecond); !errors.Is(err, coord.ErrTimeout) {
		t.Fatalf("expected timeout on empty queue, got %v", err)
	}

	if err := k.Prefs().Put(ctx, "kernel", "mode", "test"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := k.Prefs().Flush(ctx, "kernel"); err != nil {
		t.Fatalf("flush: %v", err)
	}

	// Presence and registration are published asynchronously after connect.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := k.Gate().Registry().Get(ctx, "node-1")
		if err == nil && rec.State == gate.NodePending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("registry record %+v err=%v", rec, err)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestKernelWaitsForCluster(t *testing.T) {
	ctx := context.Background()
	tree := memory.MustNew(nil)
	defer tree.Close()
	k, err := New(ctx, Config{WaitForCluster: true}, WithConnector(memory.NewConnector(tree, false)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer k.Close(ctx)
	if err := k.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := k.AwaitOnline(ctx, 20*time.Millisecond); !errors.Is(err, coord.ErrTimeout) {
		t.Fatalf("expected timeout before the cluster is online, got %v", err)
	}
	if err := k.Gate().MarkOnline(ctx); err != nil {
		t.Fatalf("mark online: %v", err)
	}
	if err := k.AwaitOnline(ctx, time.Second); err != nil {
		t.Fatalf("await after mark: %v", err)
	}
}

func TestStartKernelStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	k, stop, err := StartKernel(ctx, Config{}, time.Second)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for k.Gate().State() != gate.StateClosed {
		if time.Now().After(deadline) {
			t.Fatal("kernel did not close when its context ended")
		}
		time.Sleep(time.Millisecond)
	}
	if err := stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
