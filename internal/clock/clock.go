package clock

import (
	"context"
	"time"
)

// Clock abstracts time so visibility windows and wait bounds can be driven
// deterministically in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After while satisfying the Clock interface.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least the supplied duration.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Or returns clk, falling back to Real when clk is nil.
func Or(clk Clock) Clock {
	if clk == nil {
		return Real{}
	}
	return clk
}

// SleepContext waits for d on clk or until ctx is done.
func SleepContext(ctx context.Context, clk Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-Or(clk).After(d):
		return nil
	}
}

// Deadline is a wait bound measured on a Clock. The zero Deadline never
// expires.
type Deadline struct {
	clk Clock
	at  time.Time
}

// NewDeadline returns a Deadline d from now. A non-positive d yields a
// Deadline that has already expired.
func NewDeadline(clk Clock, d time.Duration) Deadline {
	clk = Or(clk)
	return Deadline{clk: clk, at: clk.Now().Add(d)}
}

// Remaining returns the time left, never negative. The zero Deadline reports
// a large remaining duration.
func (d Deadline) Remaining() time.Duration {
	if d.clk == nil {
		return time.Duration(1<<63 - 1)
	}
	left := d.at.Sub(d.clk.Now())
	if left < 0 {
		return 0
	}
	return left
}

// Expired reports whether the bound has elapsed.
func (d Deadline) Expired() bool {
	return d.clk != nil && d.Remaining() == 0
}

// C returns a channel that fires when the bound elapses, or nil for the zero
// Deadline (a nil channel blocks forever in a select).
func (d Deadline) C() <-chan time.Time {
	if d.clk == nil {
		return nil
	}
	return d.clk.After(d.Remaining())
}
