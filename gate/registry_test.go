package gate

import (
	"context"
	"errors"
	"testing"
)

func TestRegistryLifecycle(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGate(t, Config{NodeID: "self", Presence: true, RegisterNode: true, Connection: "tcp://self:9000"})
	if err := g.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	reg := g.Registry()
	self, err := reg.Get(ctx, "self")
	if err != nil {
		t.Fatalf("get self: %v", err)
	}
	if self.State != NodePending || self.Connection != "tcp://self:9000" {
		t.Fatalf("unexpected self record %+v", self)
	}

	if _, err := reg.Retire(ctx, "ghost"); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}
	rec, err := reg.Approve(ctx, "worker/1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if rec.State != NodeApproved || rec.Version != 0 {
		t.Fatalf("unexpected approved record %+v", rec)
	}
	rec, err = reg.SetConnection(ctx, "worker/1", "tcp://w1:9000")
	if err != nil {
		t.Fatalf("set connection: %v", err)
	}
	if rec.State != NodeApproved || rec.Connection != "tcp://w1:9000" || rec.Version != 1 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec, err = reg.Retire(ctx, "worker/1"); err != nil || rec.State != NodeRetired {
		t.Fatalf("retire: %+v %v", rec, err)
	}

	all, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].ID != "self" || all[1].ID != "worker/1" {
		t.Fatalf("unexpected list %+v", all)
	}
	if err := reg.Remove(ctx, "worker/1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := reg.Remove(ctx, "worker/1"); err != nil {
		t.Fatalf("second remove: %v", err)
	}
}
