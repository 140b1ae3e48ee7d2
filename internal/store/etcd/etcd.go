// Package etcd implements the store primitives on an etcd v3 cluster.
//
// Every session is an etcd lease kept alive by the client; ephemeral nodes
// are keys attached to that lease, so they disappear when the session
// expires or is closed. Node versions are derived from the etcd key version
// and conditional writes are expressed as transactions.
package etcd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/namespace"
	"pkt.systems/pslog"

	"pkt.systems/zkgate/internal/clock"
	"pkt.systems/zkgate/internal/store"
	"pkt.systems/zkgate/internal/svcfields"
)

const (
	defaultPrefix      = "/zkgate"
	defaultSessionTTL  = 10 * time.Second
	defaultDialTimeout = 5 * time.Second
)

// Config configures the etcd connector.
type Config struct {
	Endpoints []string
	// Prefix namespaces every key written by zkgate.
	Prefix string
	// SessionTTL is the lease TTL of a session; etcd rounds it to seconds.
	SessionTTL  time.Duration
	DialTimeout time.Duration
	TLS         *tls.Config
	Username    string
	Password    string

	Logger pslog.Logger
	Clock  clock.Clock
}

func (c *Config) sanitize() {
	c.Prefix = strings.TrimSpace(c.Prefix)
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	c.Prefix = "/" + strings.Trim(c.Prefix, "/") + "/"
	if c.SessionTTL <= 0 {
		c.SessionTTL = defaultSessionTTL
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	c.Clock = clock.Or(c.Clock)
	c.Logger = svcfields.WithSubsystem(c.Logger, "store.etcd")
}

func (c *Config) validate() error {
	if len(c.Endpoints) == 0 {
		return errors.New("store/etcd: at least one endpoint is required")
	}
	for _, ep := range c.Endpoints {
		if strings.TrimSpace(ep) == "" {
			return errors.New("store/etcd: empty endpoint")
		}
	}
	return nil
}

func (c *Config) ttlSeconds() int64 {
	secs := int64(c.SessionTTL / time.Second)
	if c.SessionTTL%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Connector opens lease-backed sessions on one etcd client. Reset replaces
// the client so a wedged transport can be rebuilt.
type Connector struct {
	cfg        Config
	clientFunc func(clientv3.Config) (*clientv3.Client, error)

	mu     sync.Mutex
	client *clientv3.Client
	closed bool
}

var (
	_ store.Connector = (*Connector)(nil)
	_ store.Resetter  = (*Connector)(nil)
)

// NewConnector validates cfg and dials the cluster.
func NewConnector(ctx context.Context, cfg Config) (*Connector, error) {
	return newConnector(ctx, cfg, clientv3.New)
}

func newConnector(ctx context.Context, cfg Config, clientFunc func(clientv3.Config) (*clientv3.Client, error)) (*Connector, error) {
	cfg.sanitize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Connector{cfg: cfg, clientFunc: clientFunc}
	client, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.client = client
	return c, nil
}

func (c *Connector) dial(ctx context.Context) (*clientv3.Client, error) {
	client, err := c.clientFunc(clientv3.Config{
		Endpoints:   c.cfg.Endpoints,
		DialTimeout: c.cfg.DialTimeout,
		TLS:         c.cfg.TLS,
		Username:    c.cfg.Username,
		Password:    c.cfg.Password,
		Context:     context.WithoutCancel(ctx),
	})
	if err != nil {
		return nil, fmt.Errorf("store/etcd: create client: %w", err)
	}
	statusCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	if _, err := client.Status(statusCtx, c.cfg.Endpoints[0]); err != nil {
		if cerr := client.Close(); cerr != nil {
			return nil, errors.Join(err, fmt.Errorf("store/etcd: close client: %w", cerr))
		}
		return nil, fmt.Errorf("store/etcd: connect: %w: %w", store.ErrConnectionLoss, err)
	}
	c.cfg.Logger.Info("store.etcd.client.ready", "endpoints", c.cfg.Endpoints, "prefix", c.cfg.Prefix)
	return client, nil
}

// Connect grants a new lease and returns the session bound to it.
func (c *Connector) Connect(ctx context.Context) (store.Conn, error) {
	c.mu.Lock()
	client, closed := c.client, c.closed
	c.mu.Unlock()
	if closed || client == nil {
		return nil, store.ErrClosed
	}
	return newConn(ctx, c.cfg, client)
}

// Reset closes the current client and dials a fresh one. Sessions opened on
// the old client stop receiving keepalives and expire.
func (c *Connector) Reset(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return store.ErrClosed
	}
	old := c.client
	c.client = nil
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	client, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = client.Close()
		return store.ErrClosed
	}
	c.client = client
	c.cfg.Logger.Info("store.etcd.client.reset")
	return nil
}

// Close closes the client. It is idempotent.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

type namespaced struct {
	kv      clientv3.KV
	lease   clientv3.Lease
	watcher clientv3.Watcher
}

func newNamespaced(client *clientv3.Client, prefix string) namespaced {
	return namespaced{
		kv:      namespace.NewKV(client.KV, prefix),
		lease:   namespace.NewLease(client.Lease, prefix),
		watcher: namespace.NewWatcher(client.Watcher, prefix),
	}
}
