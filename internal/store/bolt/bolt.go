// Package bolt persists the persistent nodes of a memory.Tree in a bbolt
// database so a single-process deployment survives restarts.
package bolt

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	bbolt "go.etcd.io/bbolt"

	"pkt.systems/zkgate/internal/store/memory"
)

const (
	fileMode   os.FileMode = 0o600
	bucketName             = "nodes"
)

var errClosed = errors.New("bolt: persister is closed")

// Options configures Open.
type Options struct {
	// Timeout bounds how long Open waits for the file lock.
	Timeout time.Duration
	// NoSync trades durability for speed; intended for tests.
	NoSync bool
}

// Persister implements memory.Persister on top of bbolt.
type Persister struct {
	db     *bbolt.DB
	bucket []byte
	closed atomic.Bool
}

var _ memory.Persister = (*Persister)(nil)

// Open opens (or creates) the database file at path.
func Open(path string, opts Options) (*Persister, error) {
	if path == "" {
		return nil, fmt.Errorf("bolt: path is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("bolt: create directory: %w", err)
		}
	}
	db, err := bbolt.Open(path, fileMode, &bbolt.Options{Timeout: opts.Timeout, NoSync: opts.NoSync})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}
	bucket := []byte(bucketName)
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucket)
		return e
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: initialise bucket: %w", err)
	}
	return &Persister{db: db, bucket: bucket}, nil
}

// Path returns the database file path.
func (p *Persister) Path() string { return p.db.Path() }

// Load visits every stored record.
func (p *Persister) Load(visit func(memory.Record) error) error {
	if p.closed.Load() {
		return errClosed
	}
	return p.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(p.bucket)
		if b == nil {
			return fmt.Errorf("bolt: bucket %q missing", p.bucket)
		}
		return b.ForEach(func(k, v []byte) error {
			var rec memory.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("bolt: decode %s: %w", k, err)
			}
			rec.Path = string(k)
			return visit(rec)
		})
	})
}

// Apply writes puts and deletes in one transaction.
func (p *Persister) Apply(puts []memory.Record, deletes []string) error {
	if p.closed.Load() {
		return errClosed
	}
	return p.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(p.bucket)
		if b == nil {
			return fmt.Errorf("bolt: bucket %q missing", p.bucket)
		}
		for _, rec := range puts {
			payload, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("bolt: encode %s: %w", rec.Path, err)
			}
			if err := b.Put([]byte(rec.Path), payload); err != nil {
				return err
			}
		}
		for _, path := range deletes {
			if err := b.Delete([]byte(path)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the database. It is safe to call more than once.
func (p *Persister) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.db.Close()
}
