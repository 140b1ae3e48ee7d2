package zkgate

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/zkgate/coord"
	"pkt.systems/zkgate/queue"
)

const (
	// DefaultStore points the kernel at the in-memory tree when no store is
	// configured.
	DefaultStore = "mem://"
	// DefaultSessionTTL is how long a session outlives its last heartbeat.
	DefaultSessionTTL = 10 * time.Second
	// DefaultDialTimeout bounds the initial dial of a remote store.
	DefaultDialTimeout = 5 * time.Second
	// DefaultConnectAttempts controls how often the gate retries opening a
	// session before Start fails.
	DefaultConnectAttempts = 5
	// DefaultConnectBackoff is the first delay between session attempts.
	DefaultConnectBackoff = 100 * time.Millisecond
	// DefaultConnectMaxBackoff caps the delay between session attempts.
	DefaultConnectMaxBackoff = 5 * time.Second
	// DefaultAwaitOnline bounds how long StartKernel waits for the online
	// signal.
	DefaultAwaitOnline = 30 * time.Second
	// DefaultVisibilityTimeout hides received queue messages.
	DefaultVisibilityTimeout = queue.DefaultVisibilityTimeout
	// DefaultStoreRetryMaxAttempts describes how many transient store errors
	// are retried.
	DefaultStoreRetryMaxAttempts = 6
	// DefaultStoreRetryBaseDelay configures the base delay between store
	// retries.
	DefaultStoreRetryBaseDelay = 100 * time.Millisecond
	// DefaultStoreRetryMaxDelay caps the exponential backoff between store
	// retries.
	DefaultStoreRetryMaxDelay = 5 * time.Second
	// DefaultStoreRetryMultiplier defines the exponential backoff ratio.
	DefaultStoreRetryMultiplier = 2.0
	// DefaultDiskOpenTimeout bounds waiting for the bbolt file lock.
	DefaultDiskOpenTimeout = time.Second
	// DefaultShutdownTimeout caps Close when the caller's context is done.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is
	// omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config describes one kernel: the store it talks to, how this node
// presents itself, and the ambient telemetry listeners.
type Config struct {
	// Store selects the backend: mem://, disk:///path/zkgate.db, or
	// etcd://host:2379,host2:2379/prefix.
	Store string

	// NodeID identifies this node in presence and registry records. Empty
	// selects a generated id.
	NodeID string
	// Connection is the connection string this node advertises.
	Connection string
	// WaitForCluster holds the online signal until the cluster online marker
	// exists.
	WaitForCluster bool
	// Presence publishes an ephemeral presence node per session.
	Presence bool
	// RegisterNode records unknown nodes as pending in the registry.
	RegisterNode bool

	SessionTTL        time.Duration
	DialTimeout       time.Duration
	ConnectAttempts   int
	ConnectBackoff    time.Duration
	ConnectMaxBackoff time.Duration

	EtcdUsername string
	EtcdPassword string
	// EtcdTLS enables TLS towards etcd endpoints using the system roots.
	EtcdTLS bool

	DiskNoSync bool

	VisibilityTimeout time.Duration

	StoreRetryMaxAttempts int
	StoreRetryBaseDelay   time.Duration
	StoreRetryMaxDelay    time.Duration
	StoreRetryMultiplier  float64

	// OTLPEndpoint enables tracing export (grpc://, grpcs://, http://,
	// https:// or a bare host:port for grpc).
	OTLPEndpoint string
	// MetricsListen serves Prometheus metrics on /metrics when set.
	MetricsListen string
	// PprofListen serves net/http/pprof when set.
	PprofListen            string
	EnableProfilingMetrics bool
}

// Validate applies defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if _, err := parseStoreURL(c.Store); err != nil {
		return err
	}
	if c.NodeID != "" {
		if _, err := coord.EscapeName(c.NodeID); err != nil {
			return fmt.Errorf("config: node id: %w", err)
		}
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.SessionTTL < time.Second {
		return fmt.Errorf("config: session ttl %s below one second", c.SessionTTL)
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = DefaultConnectAttempts
	}
	if c.ConnectBackoff <= 0 {
		c.ConnectBackoff = DefaultConnectBackoff
	}
	if c.ConnectMaxBackoff <= 0 {
		c.ConnectMaxBackoff = DefaultConnectMaxBackoff
	}
	if c.ConnectMaxBackoff < c.ConnectBackoff {
		return fmt.Errorf("config: connect max backoff %s below connect backoff %s", c.ConnectMaxBackoff, c.ConnectBackoff)
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if c.StoreRetryMaxAttempts <= 0 {
		c.StoreRetryMaxAttempts = DefaultStoreRetryMaxAttempts
	}
	if c.StoreRetryBaseDelay <= 0 {
		c.StoreRetryBaseDelay = DefaultStoreRetryBaseDelay
	}
	if c.StoreRetryMaxDelay <= 0 {
		c.StoreRetryMaxDelay = DefaultStoreRetryMaxDelay
	}
	if c.StoreRetryMultiplier < 1 {
		c.StoreRetryMultiplier = DefaultStoreRetryMultiplier
	}
	if c.RegisterNode && !c.Presence {
		return fmt.Errorf("config: register-node requires presence")
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require a metrics listen address")
	}
	return nil
}

func parseStoreURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("config: parse store URL: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory", "disk", "etcd":
		return u, nil
	default:
		return nil, fmt.Errorf("config: store scheme %q not supported", u.Scheme)
	}
}

// DefaultConfigDir returns $HOME/.zkgate.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".zkgate"), nil
}
