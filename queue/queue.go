package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/zkgate/coord"
	"pkt.systems/zkgate/internal/clock"
	"pkt.systems/zkgate/internal/store"
)

type noMessage struct{}

func (noMessage) Error() string { return "queue: no message available" }

func (noMessage) Is(target error) bool { return target == coord.ErrTimeout }

// ErrNoMessage is returned by Consume when nothing arrived in time. It
// matches coord.ErrTimeout.
var ErrNoMessage error = noMessage{}

// Message is one queued payload.
type Message struct {
	// ID is the message node name, e.g. msg-0000000007.
	ID          string    `json:"id" yaml:"id"`
	Queue       string    `json:"queue" yaml:"queue"`
	Path        string    `json:"path" yaml:"path"`
	Sequence    int64     `json:"sequence" yaml:"sequence"`
	Body        []byte    `json:"body" yaml:"body"`
	EnqueuedAt  time.Time `json:"enqueued_at" yaml:"enqueued_at"`
	HiddenUntil time.Time `json:"hidden_until,omitzero" yaml:"hidden_until,omitempty"`
	Deliveries  int       `json:"deliveries" yaml:"deliveries"`
}

// Hidden reports whether the message is inside a visibility window at now.
func (m *Message) Hidden(now time.Time) bool {
	return !m.HiddenUntil.IsZero() && m.HiddenUntil.After(now)
}

// ReceiveOptions tunes Receive.
type ReceiveOptions struct {
	// VisibilityTimeout hides received messages from other receivers. Zero
	// selects the manager default.
	VisibilityTimeout time.Duration
}

// Queue is a handle on one queue.
type Queue struct {
	m      *Manager
	id     string
	path   string
	logger pslog.Logger
}

// ID returns the queue id.
func (q *Queue) ID() string { return q.id }

// Path returns the queue node path.
func (q *Queue) Path() string { return q.path }

// Send enqueues body and returns the stored message.
func (q *Queue) Send(ctx context.Context, body []byte) (*Message, error) {
	env := envelope{enqueuedAt: q.m.clock.Now(), body: body}
	created, err := q.m.store.Create(ctx, store.Join(q.path, coord.MessageNodePrefix), env.encode(), store.ModePersistentSequential)
	if err != nil {
		return nil, err
	}
	q.m.metrics.add(ctx, q.m.metrics.sent, q.id, "send", 1)
	msg := q.message(store.Base(created), env)
	q.logger.Debug("queue.send", "message", msg.ID, "bytes", len(body))
	return msg, nil
}

// Receive returns up to maxCount visible messages in sequence order and
// hides each of them for the visibility window. A message received here is
// redelivered once the window elapses unless Delete removed it. An empty
// result is not an error.
func (q *Queue) Receive(ctx context.Context, maxCount int, opts ReceiveOptions) ([]*Message, error) {
	if maxCount <= 0 {
		maxCount = 1
	}
	window := opts.VisibilityTimeout
	if window <= 0 {
		window = q.m.visibility
	}
	names, err := q.names(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Message
	for _, name := range names {
		if len(out) == maxCount {
			break
		}
		path := store.Join(q.path, name)
		data, stat, _, err := q.m.store.Get(ctx, path, false)
		if err != nil {
			if errors.Is(err, store.ErrNoNode) {
				continue
			}
			return out, err
		}
		env, err := decodeEnvelope(data)
		if err != nil {
			q.logger.Warn("queue.message.corrupt", "message", name, "error", err)
			continue
		}
		now := q.m.clock.Now()
		if env.hiddenUntil.After(now) {
			continue
		}
		env.hiddenUntil = now.Add(window)
		env.deliveries++
		if _, err := q.m.store.Set(ctx, path, env.encode(), stat.Version); err != nil {
			if errors.Is(err, store.ErrBadVersion) || errors.Is(err, store.ErrNoNode) {
				q.m.metrics.add(ctx, q.m.metrics.conflicts, q.id, "receive", 1)
				continue
			}
			return out, err
		}
		out = append(out, q.message(name, env))
	}
	q.m.metrics.add(ctx, q.m.metrics.delivered, q.id, "receive", len(out))
	if len(out) > 0 {
		q.logger.Debug("queue.receive", "count", len(out), "visibility", window)
	}
	return out, nil
}

// Delete removes msg. Deleting a message that is already gone is a no-op.
func (q *Queue) Delete(ctx context.Context, msg *Message) error {
	if msg == nil {
		return nil
	}
	path := msg.Path
	if path == "" {
		path = store.Join(q.path, msg.ID)
	}
	if err := q.m.store.Delete(ctx, path, store.AnyVersion); err != nil {
		if errors.Is(err, store.ErrNoNode) {
			return nil
		}
		return err
	}
	q.m.metrics.add(ctx, q.m.metrics.deleted, q.id, "delete", 1)
	return nil
}

// Consume removes and returns the oldest visible message, waiting up to
// timeout for one to arrive or become visible. A non-positive timeout makes
// a single attempt. When nothing is available ErrNoMessage is returned.
func (q *Queue) Consume(ctx context.Context, timeout time.Duration) (*Message, error) {
	deadline := clock.NewDeadline(q.m.clock, timeout)
	for {
		_, _, watch, err := q.m.store.Children(ctx, q.path, true)
		if err != nil {
			return nil, err
		}
		msg, nextVisible, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			q.m.metrics.add(ctx, q.m.metrics.delivered, q.id, "consume", 1)
			q.logger.Debug("queue.consume", "message", msg.ID)
			return msg, nil
		}
		if deadline.Expired() {
			return nil, ErrNoMessage
		}
		var wake <-chan time.Time
		if !nextVisible.IsZero() {
			wake = q.m.clock.After(nextVisible.Sub(q.m.clock.Now()))
		}
		select {
		case ev := <-watch:
			if ev.Type == store.EventNotWatching {
				return nil, coord.Fail(coord.ErrNotOnline, q.path, "session ended while consuming", ev.Err)
			}
		case <-wake:
		case <-deadline.C():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// claim deletes the first visible message. When every message is hidden it
// returns the earliest time one becomes visible.
func (q *Queue) claim(ctx context.Context) (*Message, time.Time, error) {
	names, err := q.names(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}
	var nextVisible time.Time
	for _, name := range names {
		path := store.Join(q.path, name)
		data, stat, _, err := q.m.store.Get(ctx, path, false)
		if err != nil {
			if errors.Is(err, store.ErrNoNode) {
				continue
			}
			return nil, time.Time{}, err
		}
		env, err := decodeEnvelope(data)
		if err != nil {
			q.logger.Warn("queue.message.corrupt", "message", name, "error", err)
			continue
		}
		if env.hiddenUntil.After(q.m.clock.Now()) {
			if nextVisible.IsZero() || env.hiddenUntil.Before(nextVisible) {
				nextVisible = env.hiddenUntil
			}
			continue
		}
		if err := q.m.store.Delete(ctx, path, stat.Version); err != nil {
			if errors.Is(err, store.ErrBadVersion) || errors.Is(err, store.ErrNoNode) {
				q.m.metrics.add(ctx, q.m.metrics.conflicts, q.id, "consume", 1)
				continue
			}
			return nil, time.Time{}, err
		}
		env.deliveries++
		env.hiddenUntil = time.Time{}
		return q.message(name, env), time.Time{}, nil
	}
	return nil, nextVisible, nil
}

// Size counts stored messages, hidden ones included.
func (q *Queue) Size(ctx context.Context) (int, error) {
	names, err := q.names(ctx)
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// Messages lists every stored message in sequence order, hidden ones
// included with their hidden-until time.
func (q *Queue) Messages(ctx context.Context) ([]*Message, error) {
	names, err := q.names(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Message, 0, len(names))
	for _, name := range names {
		msg, err := q.Peek(ctx, name)
		if err != nil {
			if errors.Is(err, store.ErrNoNode) {
				continue
			}
			return out, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// Peek reads message id without changing its visibility.
func (q *Queue) Peek(ctx context.Context, id string) (*Message, error) {
	if _, _, ok := store.ParseSequence(id); !ok || !strings.HasPrefix(id, coord.MessageNodePrefix) {
		return nil, fmt.Errorf("queue: invalid message id %q", id)
	}
	data, _, _, err := q.m.store.Get(ctx, store.Join(q.path, id), false)
	if err != nil {
		return nil, err
	}
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	return q.message(id, env), nil
}

// Purge deletes every message and returns how many were removed.
func (q *Queue) Purge(ctx context.Context) (int, error) {
	names, err := q.names(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, name := range names {
		if err := q.m.store.Delete(ctx, store.Join(q.path, name), store.AnyVersion); err != nil {
			if errors.Is(err, store.ErrNoNode) {
				continue
			}
			return removed, err
		}
		removed++
	}
	q.m.metrics.add(ctx, q.m.metrics.deleted, q.id, "purge", removed)
	q.logger.Info("queue.purged", "count", removed)
	return removed, nil
}

func (q *Queue) names(ctx context.Context) ([]string, error) {
	names, _, _, err := q.m.store.Children(ctx, q.path, false)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !strings.HasPrefix(n, coord.MessageNodePrefix) {
			continue
		}
		if _, _, ok := store.ParseSequence(n); ok {
			out = append(out, n)
		}
	}
	store.SortBySequence(out)
	return out, nil
}

func (q *Queue) message(name string, env envelope) *Message {
	_, seq, _ := store.ParseSequence(name)
	return &Message{
		ID:          name,
		Queue:       q.id,
		Path:        store.Join(q.path, name),
		Sequence:    seq,
		Body:        env.body,
		EnqueuedAt:  env.enqueuedAt,
		HiddenUntil: env.hiddenUntil,
		Deliveries:  env.deliveries,
	}
}
