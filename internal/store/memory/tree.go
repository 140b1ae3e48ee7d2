// Package memory implements an in-process coordination tree with sessions,
// ephemeral and sequential nodes, versioned writes, and one-shot watches.
// Several sessions may share one Tree, which lets tests run multiple logical
// nodes against the same namespace.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/zkgate/internal/clock"
	"pkt.systems/zkgate/internal/store"
	"pkt.systems/zkgate/internal/svcfields"
)

// Record is the persisted form of a persistent node.
type Record struct {
	Path         string    `json:"path"`
	Data         []byte    `json:"data,omitempty"`
	Version      int64     `json:"version"`
	CVersion     int64     `json:"cversion"`
	NextSequence int64     `json:"next_sequence"`
	Ctime        time.Time `json:"ctime"`
	Mtime        time.Time `json:"mtime"`
}

// Persister stores persistent nodes so a Tree survives process restarts.
// Ephemeral nodes are never handed to a Persister.
type Persister interface {
	Load(visit func(Record) error) error
	Apply(puts []Record, deletes []string) error
	Close() error
}

// Config configures a Tree.
type Config struct {
	Clock     clock.Clock
	Logger    pslog.Logger
	Persister Persister
}

// Tree is the shared node namespace.
type Tree struct {
	mu           sync.Mutex
	nodes        map[string]*node
	sessions     map[int64]*Conn
	nextSession  int64
	dataWatches  map[string][]*watcher
	childWatches map[string][]*watcher
	closed       bool

	clock   clock.Clock
	logger  pslog.Logger
	persist Persister
}

type node struct {
	data     []byte
	stat     store.Stat
	children map[string]struct{}
	nextSeq  int64
}

type watcher struct {
	ch      chan store.Event
	session int64
}

type firing struct {
	w  *watcher
	ev store.Event
}

// New returns an empty Tree, or one loaded from cfg.Persister.
func New(cfg Config) (*Tree, error) {
	t := &Tree{
		nodes:        make(map[string]*node),
		sessions:     make(map[int64]*Conn),
		dataWatches:  make(map[string][]*watcher),
		childWatches: make(map[string][]*watcher),
		clock:        clock.Or(cfg.Clock),
		logger:       svcfields.WithSubsystem(cfg.Logger, "store.memory"),
		persist:      cfg.Persister,
	}
	now := t.clock.Now()
	t.nodes["/"] = &node{
		children: make(map[string]struct{}),
		stat:     store.Stat{Ctime: now, Mtime: now},
	}
	if t.persist != nil {
		if err := t.load(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// MustNew is New without a Persister, for tests.
func MustNew(clk clock.Clock) *Tree {
	t, err := New(Config{Clock: clk})
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Tree) load() error {
	var records []Record
	if err := t.persist.Load(func(rec Record) error {
		records = append(records, rec)
		return nil
	}); err != nil {
		return fmt.Errorf("memory: load persisted nodes: %w", err)
	}
	sort.Slice(records, func(i, j int) bool {
		di, dj := strings.Count(records[i].Path, "/"), strings.Count(records[j].Path, "/")
		if di != dj {
			return di < dj
		}
		return records[i].Path < records[j].Path
	})
	for _, rec := range records {
		if err := store.ValidatePath(rec.Path); err != nil {
			return fmt.Errorf("memory: persisted node: %w", err)
		}
		n, ok := t.nodes[rec.Path]
		if !ok {
			parent, ok := t.nodes[store.Parent(rec.Path)]
			if !ok {
				t.logger.Warn("store.memory.load.orphan", "path", rec.Path)
				continue
			}
			n = &node{children: make(map[string]struct{})}
			t.nodes[rec.Path] = n
			parent.children[store.Base(rec.Path)] = struct{}{}
		}
		n.data = append([]byte(nil), rec.Data...)
		n.stat.Version = rec.Version
		n.stat.CVersion = rec.CVersion
		n.stat.Ctime = rec.Ctime
		n.stat.Mtime = rec.Mtime
		n.nextSeq = rec.NextSequence
	}
	t.logger.Info("store.memory.load.complete", "nodes", len(records))
	return nil
}

// Connect opens a new session on the tree.
func (t *Tree) Connect() (*Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, store.ErrClosed
	}
	t.nextSession++
	c := &Conn{
		tree:   t,
		id:     t.nextSession,
		state:  store.SessionConnected,
		events: make(chan store.SessionEvent, 64),
	}
	t.sessions[c.id] = c
	t.logger.Debug("store.memory.session.open", "session_id", c.id)
	return c, nil
}

// Close ends every session and releases the Persister.
func (t *Tree) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sessions := make([]*Conn, 0, len(t.sessions))
	for _, c := range t.sessions {
		sessions = append(sessions, c)
	}
	t.mu.Unlock()
	for _, c := range sessions {
		t.endSession(c, store.SessionClosed)
	}
	if t.persist != nil {
		return t.persist.Close()
	}
	return nil
}

// Sessions returns the ids of live sessions.
func (t *Tree) Sessions() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]int64, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// endSession removes the session's ephemeral nodes and watches, then reports
// the final state to the session.
func (t *Tree) endSession(c *Conn, final store.SessionState) {
	t.mu.Lock()
	if _, ok := t.sessions[c.id]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.sessions, c.id)
	var fired []firing
	fired = append(fired, t.dropWatchesLocked(c.id)...)
	var owned []string
	for path, n := range t.nodes {
		if n.stat.EphemeralOwner == c.id {
			owned = append(owned, path)
		}
	}
	sort.Strings(owned)
	for _, path := range owned {
		fired = append(fired, t.removeLocked(path)...)
	}
	t.mu.Unlock()
	deliver(fired)
	c.finish(final)
	t.logger.Debug("store.memory.session.end",
		"session_id", c.id,
		"state", final.String(),
		"ephemeral_removed", len(owned),
	)
}

func (t *Tree) dropWatchesLocked(session int64) []firing {
	var fired []firing
	drop := func(set map[string][]*watcher) {
		for path, ws := range set {
			kept := ws[:0]
			for _, w := range ws {
				if w.session == session {
					fired = append(fired, firing{w: w, ev: store.Event{Type: store.EventNotWatching, Path: path, Err: store.ErrSessionExpired}})
					continue
				}
				kept = append(kept, w)
			}
			if len(kept) == 0 {
				delete(set, path)
			} else {
				set[path] = kept
			}
		}
	}
	drop(t.dataWatches)
	drop(t.childWatches)
	return fired
}

func (t *Tree) create(session int64, path string, data []byte, mode store.CreateMode) (string, error) {
	if err := store.ValidatePath(path); err != nil {
		return "", err
	}
	if path == "/" {
		return "", store.ErrNodeExists
	}
	t.mu.Lock()
	if _, live := t.sessions[session]; mode.Ephemeral() && !live {
		t.mu.Unlock()
		return "", store.ErrSessionExpired
	}
	parentPath := store.Parent(path)
	parent, ok := t.nodes[parentPath]
	if !ok {
		t.mu.Unlock()
		return "", fmt.Errorf("%w: parent of %s", store.ErrNoNode, path)
	}
	if parent.stat.EphemeralOwner != 0 {
		t.mu.Unlock()
		return "", store.ErrNoChildrenForEphemera
	}
	created := path
	nextSeq := parent.nextSeq
	if mode.Sequential() {
		created = path + store.FormatSequence(nextSeq)
		nextSeq++
	}
	if _, exists := t.nodes[created]; exists {
		t.mu.Unlock()
		return "", store.ErrNodeExists
	}
	now := t.clock.Now()
	n := &node{
		data:     append([]byte(nil), data...),
		children: make(map[string]struct{}),
		stat:     store.Stat{Ctime: now, Mtime: now},
	}
	if mode.Ephemeral() {
		n.stat.EphemeralOwner = session
	}
	if t.persist != nil {
		var puts []Record
		if !mode.Ephemeral() {
			puts = append(puts, recordOf(created, n))
		}
		if parentPath != "/" && parent.stat.EphemeralOwner == 0 {
			rec := recordOf(parentPath, parent)
			rec.CVersion++
			rec.NextSequence = nextSeq
			puts = append(puts, rec)
		}
		if len(puts) > 0 {
			if err := t.persist.Apply(puts, nil); err != nil {
				t.mu.Unlock()
				return "", fmt.Errorf("memory: persist %s: %w", created, err)
			}
		}
	}
	parent.nextSeq = nextSeq
	parent.stat.CVersion++
	parent.children[store.Base(created)] = struct{}{}
	t.nodes[created] = n
	var fired []firing
	fired = append(fired, t.takeLocked(t.dataWatches, created, store.EventNodeCreated)...)
	fired = append(fired, t.takeLocked(t.childWatches, parentPath, store.EventNodeChildrenChanged)...)
	t.mu.Unlock()
	deliver(fired)
	return created, nil
}

func (t *Tree) delete(path string, version int64) error {
	if err := store.ValidatePath(path); err != nil {
		return err
	}
	if path == "/" {
		return fmt.Errorf("%w: cannot delete root", store.ErrInvalidPath)
	}
	t.mu.Lock()
	n, ok := t.nodes[path]
	if !ok {
		t.mu.Unlock()
		return store.ErrNoNode
	}
	if version != store.AnyVersion && version != n.stat.Version {
		t.mu.Unlock()
		return store.ErrBadVersion
	}
	if len(n.children) > 0 {
		t.mu.Unlock()
		return store.ErrNotEmpty
	}
	if t.persist != nil && n.stat.EphemeralOwner == 0 {
		var puts []Record
		parentPath := store.Parent(path)
		if parent := t.nodes[parentPath]; parentPath != "/" && parent != nil {
			rec := recordOf(parentPath, parent)
			rec.CVersion++
			puts = append(puts, rec)
		}
		if err := t.persist.Apply(puts, []string{path}); err != nil {
			t.mu.Unlock()
			return fmt.Errorf("memory: persist delete %s: %w", path, err)
		}
	}
	fired := t.removeLocked(path)
	t.mu.Unlock()
	deliver(fired)
	return nil
}

// removeLocked unlinks a childless node and collects the watches it fires.
func (t *Tree) removeLocked(path string) []firing {
	if _, ok := t.nodes[path]; !ok {
		return nil
	}
	delete(t.nodes, path)
	parentPath := store.Parent(path)
	if parent, ok := t.nodes[parentPath]; ok {
		delete(parent.children, store.Base(path))
		parent.stat.CVersion++
	}
	var fired []firing
	fired = append(fired, t.takeLocked(t.dataWatches, path, store.EventNodeDeleted)...)
	fired = append(fired, t.takeLocked(t.childWatches, path, store.EventNodeDeleted)...)
	fired = append(fired, t.takeLocked(t.childWatches, parentPath, store.EventNodeChildrenChanged)...)
	return fired
}

func (t *Tree) exists(session int64, path string, watch bool) (*store.Stat, <-chan store.Event, error) {
	if err := store.ValidatePath(path); err != nil {
		return nil, nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var ch <-chan store.Event
	if watch {
		ch = t.watchLocked(t.dataWatches, path, session)
	}
	n, ok := t.nodes[path]
	if !ok {
		return nil, ch, nil
	}
	stat := statOf(n)
	return &stat, ch, nil
}

func (t *Tree) get(session int64, path string, watch bool) ([]byte, *store.Stat, <-chan store.Event, error) {
	if err := store.ValidatePath(path); err != nil {
		return nil, nil, nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[path]
	if !ok {
		return nil, nil, nil, store.ErrNoNode
	}
	var ch <-chan store.Event
	if watch {
		ch = t.watchLocked(t.dataWatches, path, session)
	}
	stat := statOf(n)
	return append([]byte(nil), n.data...), &stat, ch, nil
}

func (t *Tree) children(session int64, path string, watch bool) ([]string, *store.Stat, <-chan store.Event, error) {
	if err := store.ValidatePath(path); err != nil {
		return nil, nil, nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[path]
	if !ok {
		return nil, nil, nil, store.ErrNoNode
	}
	var ch <-chan store.Event
	if watch {
		ch = t.watchLocked(t.childWatches, path, session)
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	stat := statOf(n)
	return names, &stat, ch, nil
}

func (t *Tree) set(path string, data []byte, version int64) (*store.Stat, error) {
	if err := store.ValidatePath(path); err != nil {
		return nil, err
	}
	t.mu.Lock()
	n, ok := t.nodes[path]
	if !ok {
		t.mu.Unlock()
		return nil, store.ErrNoNode
	}
	if version != store.AnyVersion && version != n.stat.Version {
		t.mu.Unlock()
		return nil, store.ErrBadVersion
	}
	now := t.clock.Now()
	if t.persist != nil && n.stat.EphemeralOwner == 0 && path != "/" {
		rec := recordOf(path, n)
		rec.Data = data
		rec.Version++
		rec.Mtime = now
		if err := t.persist.Apply([]Record{rec}, nil); err != nil {
			t.mu.Unlock()
			return nil, fmt.Errorf("memory: persist %s: %w", path, err)
		}
	}
	n.data = append([]byte(nil), data...)
	n.stat.Version++
	n.stat.Mtime = now
	stat := statOf(n)
	fired := t.takeLocked(t.dataWatches, path, store.EventNodeDataChanged)
	t.mu.Unlock()
	deliver(fired)
	return &stat, nil
}

func (t *Tree) watchLocked(set map[string][]*watcher, path string, session int64) <-chan store.Event {
	w := &watcher{ch: make(chan store.Event, 1), session: session}
	set[path] = append(set[path], w)
	return w.ch
}

func (t *Tree) takeLocked(set map[string][]*watcher, path string, typ store.EventType) []firing {
	ws := set[path]
	if len(ws) == 0 {
		return nil
	}
	delete(set, path)
	fired := make([]firing, 0, len(ws))
	for _, w := range ws {
		fired = append(fired, firing{w: w, ev: store.Event{Type: typ, Path: path}})
	}
	return fired
}

func deliver(fired []firing) {
	for _, f := range fired {
		select {
		case f.w.ch <- f.ev:
		default:
		}
	}
}

func statOf(n *node) store.Stat {
	stat := n.stat
	stat.NumChildren = len(n.children)
	stat.DataLength = len(n.data)
	return stat
}

func recordOf(path string, n *node) Record {
	return Record{
		Path:         path,
		Data:         append([]byte(nil), n.data...),
		Version:      n.stat.Version,
		CVersion:     n.stat.CVersion,
		NextSequence: n.nextSeq,
		Ctime:        n.stat.Ctime,
		Mtime:        n.stat.Mtime,
	}
}

// checkContext returns ctx.Err() so every primitive honours cancellation.
func checkContext(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
