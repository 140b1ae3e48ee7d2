package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/zkgate"
	"pkt.systems/zkgate/gate"
	"pkt.systems/zkgate/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("ZKGATE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "zkgate")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	executed, err := cmd.ExecuteContextC(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			if executed == cmd {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := zkgate.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, zkgate.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

// levelLogger applies --log-level on top of the environment-derived logger.
func levelLogger(base pslog.Logger) pslog.Logger {
	name := strings.TrimSpace(viper.GetString("log-level"))
	if name == "" {
		return base
	}
	if level, ok := pslog.ParseLevel(name); ok {
		return base.LogLevel(level)
	}
	return base
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "zkgate",
		Short:         "zkgate runs a coordination kernel (locks, queues, preferences) on a hierarchical store",
		SilenceErrors: true,
		Example: `
  # Single process, in-memory tree (tests/dev only)
  zkgate --store mem://

  # Durable single-node tree backed by bbolt
  zkgate --store disk:///var/lib/zkgate/zkgate.db

  # etcd cluster, hold the online signal until an operator marks the cluster
  zkgate --store etcd://10.0.0.1:2379,10.0.0.2:2379/zkgate --wait-for-cluster --presence --register-node
  zkgate --store etcd://10.0.0.1:2379/zkgate online mark
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runKernel(cmd.Context(), baseLogger)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.zkgate/"+zkgate.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "", "log level (trace, debug, info, warn, error); overrides ZKGATE_LOG_LEVEL")
	persistentFlags.StringP("output", "o", "text", "output format for admin commands (text or yaml)")
	persistentFlags.String("store", zkgate.DefaultStore, "store URL (mem://, disk:///path/zkgate.db, etcd://host:2379[,host2]/prefix)")
	persistentFlags.String("node-id", "", "node id used for presence and registry records (generated when empty)")
	persistentFlags.Duration("session-ttl", zkgate.DefaultSessionTTL, "session lifetime without heartbeats (etcd lease TTL)")
	persistentFlags.Duration("dial-timeout", zkgate.DefaultDialTimeout, "timeout for dialling a remote store")
	persistentFlags.Int("connect-attempts", zkgate.DefaultConnectAttempts, "session attempts before start fails")
	persistentFlags.Duration("connect-backoff", zkgate.DefaultConnectBackoff, "initial delay between session attempts")
	persistentFlags.Duration("connect-max-backoff", zkgate.DefaultConnectMaxBackoff, "maximum delay between session attempts")
	persistentFlags.Duration("await-online", zkgate.DefaultAwaitOnline, "how long admin commands wait for the online signal")
	persistentFlags.String("etcd-username", "", "etcd username (or userinfo in the store URL)")
	persistentFlags.String("etcd-password", "", "etcd password (or use ZKGATE_ETCD_PASSWORD)")
	persistentFlags.Bool("etcd-tls", false, "use TLS towards etcd endpoints")
	persistentFlags.Bool("disk-no-sync", false, "skip fsync on every bbolt commit (disk store)")
	persistentFlags.Duration("visibility-timeout", zkgate.DefaultVisibilityTimeout, "default queue visibility timeout")
	persistentFlags.Int("storage-retry-attempts", zkgate.DefaultStoreRetryMaxAttempts, "maximum attempts for transient store errors")
	persistentFlags.Duration("storage-retry-base-delay", zkgate.DefaultStoreRetryBaseDelay, "initial backoff for store retries")
	persistentFlags.Duration("storage-retry-max-delay", zkgate.DefaultStoreRetryMaxDelay, "maximum backoff for store retries")
	persistentFlags.Float64("storage-retry-multiplier", zkgate.DefaultStoreRetryMultiplier, "backoff multiplier for store retries")

	persistentFlags.String("connection", "", "connection string advertised in presence and registry records")
	persistentFlags.Bool("wait-for-cluster", false, "hold the online signal until the cluster online marker exists")
	persistentFlags.Bool("presence", false, "publish an ephemeral presence record per session")
	persistentFlags.Bool("register-node", false, "record this node as pending in the registry (requires --presence)")
	persistentFlags.Duration("shutdown-timeout", zkgate.DefaultShutdownTimeout, "overall shutdown timeout")
	persistentFlags.String("metrics-listen", "", "Prometheus scrape address (empty disables)")
	persistentFlags.String("pprof-listen", "", "pprof listen address (empty disables)")
	persistentFlags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	persistentFlags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")

	bindFlag := func(name string) {
		flag := persistentFlags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("ZKGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config", "log-level", "output",
		"store", "node-id", "session-ttl", "dial-timeout", "connect-attempts", "connect-backoff", "connect-max-backoff", "await-online",
		"etcd-username", "etcd-password", "etcd-tls", "disk-no-sync", "visibility-timeout",
		"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
		"connection", "wait-for-cluster", "presence", "register-node", "shutdown-timeout",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Start a kernel and block until interrupted (same as running zkgate without a command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runKernel(cmd.Context(), baseLogger)
		},
	})
	cmd.AddCommand(newQueueCommand(baseLogger))
	cmd.AddCommand(newNodeCommand(baseLogger))
	cmd.AddCommand(newOnlineCommand(baseLogger))
	cmd.AddCommand(newRawCommand(baseLogger))
	cmd.AddCommand(newLockCommand(baseLogger))
	cmd.AddCommand(newPrefsCommand(baseLogger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *zkgate.Config) error {
	cfg.Store = viper.GetString("store")
	cfg.NodeID = strings.TrimSpace(viper.GetString("node-id"))
	cfg.Connection = viper.GetString("connection")
	cfg.WaitForCluster = viper.GetBool("wait-for-cluster")
	cfg.Presence = viper.GetBool("presence")
	cfg.RegisterNode = viper.GetBool("register-node")
	cfg.SessionTTL = viper.GetDuration("session-ttl")
	cfg.DialTimeout = viper.GetDuration("dial-timeout")
	cfg.ConnectAttempts = viper.GetInt("connect-attempts")
	cfg.ConnectBackoff = viper.GetDuration("connect-backoff")
	cfg.ConnectMaxBackoff = viper.GetDuration("connect-max-backoff")
	cfg.EtcdUsername = viper.GetString("etcd-username")
	cfg.EtcdPassword = viper.GetString("etcd-password")
	cfg.EtcdTLS = viper.GetBool("etcd-tls")
	cfg.DiskNoSync = viper.GetBool("disk-no-sync")
	cfg.VisibilityTimeout = viper.GetDuration("visibility-timeout")
	cfg.StoreRetryMaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StoreRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StoreRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StoreRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	return cfg.Validate()
}

// runKernel serves until ctx ends. The online signal is awaited without a
// bound so a node held by --wait-for-cluster stays up until an operator
// marks the cluster.
func runKernel(ctx context.Context, baseLogger pslog.Logger) error {
	logger := baseLogger
	svcfields.WithSubsystem(logger, "kernel.lifecycle.init").Info(
		"welcome to zkgate",
		"app", "zkgate",
		"pid", os.Getpid(),
		"uid", os.Getuid(),
		"gid", os.Getgid(),
	)
	configFile, err := loadConfigFile()
	if err != nil {
		return err
	}
	logger = levelLogger(logger)
	cliLogger := svcfields.WithSubsystem(logger, "cli.root")
	if configFile != "" {
		cliLogger.Info("loaded config file", "path", configFile)
		stopWatch, err := watchConfigFile(ctx, configFile, svcfields.WithSubsystem(logger, "cli.config"), nil)
		if err != nil {
			cliLogger.Warn("config.watch.disabled", "path", configFile, "error", err)
		} else {
			defer stopWatch()
		}
	}

	var cfg zkgate.Config
	if err := bindConfig(&cfg); err != nil {
		return err
	}
	k, err := zkgate.New(ctx, cfg, zkgate.WithLogger(logger))
	if err != nil {
		return err
	}
	shutdownTimeout := viper.GetDuration("shutdown-timeout")
	if shutdownTimeout <= 0 {
		shutdownTimeout = zkgate.DefaultShutdownTimeout
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := k.Close(shutdownCtx); err != nil {
			cliLogger.Error("shutdown failed", "error", err)
		}
	}()

	unsubscribe := k.Gate().Subscribe(func(s gate.State) {
		cliLogger.Info("gate.state", "state", s.String())
	})
	defer unsubscribe()

	if err := k.Start(ctx); err != nil {
		return err
	}
	started := time.Now()
	if err := k.AwaitOnline(ctx, 0); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	cliLogger.Info("kernel.online", "node_id", k.Gate().NodeID(), "session_id", k.Gate().Session().ID, "waited", time.Since(started).String())
	<-ctx.Done()
	cliLogger.Info("kernel.shutdown", "reason", context.Cause(ctx))
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
