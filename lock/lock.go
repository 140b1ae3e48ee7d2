package lock

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/zkgate/coord"
	"pkt.systems/zkgate/gate"
	"pkt.systems/zkgate/internal/store"
)

// Lock is a held lock.
type Lock struct {
	m           *Manager
	name        string
	path        string
	seq         int64
	durable     bool
	recoveryKey string
	content     string

	lost     chan struct{}
	lostOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}

	releaseMu sync.Mutex
	mu        sync.Mutex
	releasing bool
	released  bool
	err       error
}

func newLock(m *Manager, name, path string, seq int64) *Lock {
	return &Lock{
		m:       m,
		name:    name,
		path:    path,
		seq:     seq,
		lost:    make(chan struct{}),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Name returns the lock name.
func (l *Lock) Name() string { return l.name }

// Path returns the contender node backing the lock.
func (l *Lock) Path() string { return l.path }

// Sequence returns the store-assigned sequence of the contender node.
func (l *Lock) Sequence() int64 { return l.seq }

// Durable reports whether the lock survives session loss.
func (l *Lock) Durable() bool { return l.durable }

// RecoveryKey returns the key that re-adopts a durable lock, or "".
func (l *Lock) RecoveryKey() string { return l.recoveryKey }

// Lost is closed when the lock is lost underneath its holder.
func (l *Lock) Lost() <-chan struct{} { return l.lost }

// Err returns an error matching coord.ErrLockLost once the lock is lost.
func (l *Lock) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Release gives the lock up. Releasing twice, or releasing a lost lock, is a
// no-op. When the delete fails the lock stays held and Release may be
// retried.
func (l *Lock) Release(ctx context.Context) error {
	l.releaseMu.Lock()
	defer l.releaseMu.Unlock()
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	if l.err != nil {
		l.released = true
		l.mu.Unlock()
		close(l.done)
		<-l.stopped
		return nil
	}
	l.releasing = true
	l.mu.Unlock()

	err := l.m.store.Delete(ctx, l.path, store.AnyVersion)
	if err != nil && !errors.Is(err, store.ErrNoNode) {
		l.mu.Lock()
		l.releasing = false
		l.mu.Unlock()
		l.m.logger.Warn("lock.release.error", "lock", l.name, "path", l.path, "error", err)
		return err
	}
	l.mu.Lock()
	l.released = true
	l.mu.Unlock()
	close(l.done)
	<-l.stopped
	l.m.logger.Info("lock.release.success", "lock", l.name, "path", l.path)
	return nil
}

func (l *Lock) kind() string {
	if l.durable {
		return "durable"
	}
	return "exclusive"
}

// quiet reports whether a disappearing node is expected.
func (l *Lock) quiet() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.releasing || l.released
}

func (l *Lock) markLost(reason string, cause error) {
	if l.quiet() {
		return
	}
	l.lostOnce.Do(func() {
		l.mu.Lock()
		l.err = coord.Fail(coord.ErrLockLost, l.path, reason, cause)
		l.mu.Unlock()
		close(l.lost)
		l.m.metrics.recordLost(l.kind())
		l.m.logger.Warn("lock.lost", "lock", l.name, "path", l.path, "reason", reason)
	})
}

func (l *Lock) start() {
	states := make(chan gate.State, 8)
	cancel := l.m.gate.Subscribe(func(s gate.State) {
		select {
		case states <- s:
		default:
		}
	})
	go func() {
		defer close(l.stopped)
		defer cancel()
		l.monitor(states)
	}()
}

// monitor follows the contender node until release or loss. Exclusive
// locks are lost when their session ends; durable locks only when their
// node is deleted by someone else.
func (l *Lock) monitor(states <-chan gate.State) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-l.done:
		case <-l.lost:
		case <-ctx.Done():
		}
		cancel()
	}()
	for {
		stat, watch, err := l.m.store.Exists(ctx, l.path, true)
		switch {
		case err == nil && stat == nil:
			l.markLost("node deleted", nil)
			return
		case err == nil:
			select {
			case ev := <-watch:
				switch ev.Type {
				case store.EventNodeDeleted:
					l.markLost("node deleted", nil)
					return
				case store.EventNotWatching:
					if !l.durable {
						l.markLost("session ended", ev.Err)
						return
					}
				default:
					continue
				}
			case s := <-states:
				if l.handleState(s) {
					return
				}
				continue
			case <-ctx.Done():
				return
			}
		case ctx.Err() != nil:
			return
		}
		// Not watching: wait for the session to change before looking again.
		select {
		case s := <-states:
			if l.handleState(s) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// handleState reports whether monitoring should stop.
func (l *Lock) handleState(s gate.State) bool {
	switch s {
	case gate.StateExpired:
		if !l.durable {
			l.markLost("session expired", nil)
			return true
		}
	case gate.StateClosed:
		if !l.durable {
			l.markLost("gate closed", nil)
		}
		return true
	}
	return false
}
