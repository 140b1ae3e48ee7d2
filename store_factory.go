package zkgate

import (
	"context"
	"crypto/tls"
	"fmt"
	"path/filepath"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/zkgate/internal/clock"
	"pkt.systems/zkgate/internal/store"
	"pkt.systems/zkgate/internal/store/bolt"
	"pkt.systems/zkgate/internal/store/etcd"
	loggingstore "pkt.systems/zkgate/internal/store/logging"
	"pkt.systems/zkgate/internal/store/memory"
	"pkt.systems/zkgate/internal/store/retry"
	"pkt.systems/zkgate/internal/svcfields"
)

// openConnector builds the connector selected by cfg.Store and decorates
// every session it hands out with transient-error retries and trace logging.
func openConnector(ctx context.Context, cfg Config, logger pslog.Logger, clk clock.Clock) (store.Connector, error) {
	u, err := parseStoreURL(cfg.Store)
	if err != nil {
		return nil, err
	}
	var base store.Connector
	switch u.Scheme {
	case "mem", "memory":
		tree, err := memory.New(memory.Config{Clock: clk, Logger: logger})
		if err != nil {
			return nil, err
		}
		base = memory.NewConnector(tree, true)
	case "disk":
		path, err := BuildDiskPath(cfg)
		if err != nil {
			return nil, err
		}
		persister, err := bolt.Open(path, bolt.Options{Timeout: DefaultDiskOpenTimeout, NoSync: cfg.DiskNoSync})
		if err != nil {
			return nil, err
		}
		tree, err := memory.New(memory.Config{Clock: clk, Logger: logger, Persister: persister})
		if err != nil {
			_ = persister.Close()
			return nil, fmt.Errorf("load disk store %s: %w", path, err)
		}
		logger.Info("store.disk.opened", "path", path)
		base = memory.NewConnector(tree, true)
	case "etcd":
		etcdCfg, err := BuildEtcdConfig(cfg)
		if err != nil {
			return nil, err
		}
		etcdCfg.Logger = logger
		etcdCfg.Clock = clk
		connector, err := etcd.NewConnector(ctx, etcdCfg)
		if err != nil {
			return nil, err
		}
		base = connector
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	retryCfg := retry.Config{
		MaxAttempts: cfg.StoreRetryMaxAttempts,
		BaseDelay:   cfg.StoreRetryBaseDelay,
		MaxDelay:    cfg.StoreRetryMaxDelay,
		Multiplier:  cfg.StoreRetryMultiplier,
	}
	return store.WrapConnector(base,
		retry.Wrapper(logger, clk, retryCfg),
		loggingstore.Wrapper(svcfields.WithSubsystem(logger, "store"), u.Scheme),
	), nil
}

// BuildDiskPath parses disk:// URLs into the bbolt file path.
func BuildDiskPath(cfg Config) (string, error) {
	u, err := parseStoreURL(cfg.Store)
	if err != nil {
		return "", err
	}
	if u.Scheme != "disk" {
		return "", fmt.Errorf("store scheme %q is not disk", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
	}
	pathPart = strings.TrimSuffix(pathPart, "/")
	if pathPart == "" {
		return "", fmt.Errorf("disk store path required (e.g. disk:///var/lib/zkgate/zkgate.db)")
	}
	return filepath.Clean(pathPart), nil
}

// BuildEtcdConfig parses etcd://host:2379,host2:2379/prefix URLs.
func BuildEtcdConfig(cfg Config) (etcd.Config, error) {
	u, err := parseStoreURL(cfg.Store)
	if err != nil {
		return etcd.Config{}, err
	}
	if u.Scheme != "etcd" {
		return etcd.Config{}, fmt.Errorf("store scheme %q is not etcd", u.Scheme)
	}
	var endpoints []string
	for _, host := range strings.Split(u.Host, ",") {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		if !strings.Contains(host, ":") {
			host += ":2379"
		}
		scheme := "http://"
		if cfg.EtcdTLS {
			scheme = "https://"
		}
		endpoints = append(endpoints, scheme+host)
	}
	if len(endpoints) == 0 {
		return etcd.Config{}, fmt.Errorf("etcd store requires at least one endpoint (e.g. etcd://127.0.0.1:2379/zkgate)")
	}
	out := etcd.Config{
		Endpoints:   endpoints,
		Prefix:      u.Path,
		SessionTTL:  cfg.SessionTTL,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.EtcdUsername,
		Password:    cfg.EtcdPassword,
	}
	if u.User != nil {
		out.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			out.Password = pw
		}
	}
	if cfg.EtcdTLS {
		out.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return out, nil
}
