package clock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/zkgate/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestRealAfterDeliversOnce(t *testing.T) {
	t.Parallel()

	ch := clock.Real{}.After(10 * time.Millisecond)
	select {
	case <-ch:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("After did not trigger within timeout")
	}
}

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	early := clk.After(time.Second)
	late := clk.After(10 * time.Second)
	if clk.Pending() != 2 {
		t.Fatalf("expected 2 pending timers, got %d", clk.Pending())
	}
	clk.Advance(2 * time.Second)
	select {
	case at := <-early:
		if !at.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("unexpected fire time %v", at)
		}
	default:
		t.Fatal("early timer did not fire")
	}
	select {
	case <-late:
		t.Fatal("late timer fired too soon")
	default:
	}
	clk.Set(start.Add(time.Minute))
	select {
	case <-late:
	default:
		t.Fatal("late timer did not fire after Set")
	}
	if clk.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", clk.Pending())
	}
}

func TestDeadline(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	d := clock.NewDeadline(clk, 5*time.Second)
	if d.Expired() {
		t.Fatal("deadline expired immediately")
	}
	clk.Advance(3 * time.Second)
	if got := d.Remaining(); got != 2*time.Second {
		t.Fatalf("remaining=%v want 2s", got)
	}
	clk.Advance(3 * time.Second)
	if !d.Expired() {
		t.Fatal("deadline should have expired")
	}
	var zero clock.Deadline
	if zero.Expired() || zero.C() != nil {
		t.Fatal("zero deadline must never expire")
	}
}

func TestSleepContextCancelled(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := clock.SleepContext(ctx, clk, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
