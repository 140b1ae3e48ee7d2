package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/zkgate"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage zkgate configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.zkgate/" + zkgate.DefaultConfigFileName
	if dir, err := zkgate.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, zkgate.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default zkgate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := zkgate.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, zkgate.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the flag names so the file round-trips through
// viper.
type configDefaults struct {
	Store                  string  `yaml:"store"`
	NodeID                 string  `yaml:"node-id"`
	Connection             string  `yaml:"connection"`
	WaitForCluster         bool    `yaml:"wait-for-cluster"`
	Presence               bool    `yaml:"presence"`
	RegisterNode           bool    `yaml:"register-node"`
	SessionTTL             string  `yaml:"session-ttl"`
	DialTimeout            string  `yaml:"dial-timeout"`
	ConnectAttempts        int     `yaml:"connect-attempts"`
	ConnectBackoff         string  `yaml:"connect-backoff"`
	ConnectMaxBackoff      string  `yaml:"connect-max-backoff"`
	AwaitOnline            string  `yaml:"await-online"`
	EtcdUsername           string  `yaml:"etcd-username"`
	EtcdTLS                bool    `yaml:"etcd-tls"`
	DiskNoSync             bool    `yaml:"disk-no-sync"`
	VisibilityTimeout      string  `yaml:"visibility-timeout"`
	StorageRetryMaxAttempt int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay  string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay   string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier float64 `yaml:"storage-retry-multiplier"`
	ShutdownTimeout        string  `yaml:"shutdown-timeout"`
	MetricsListen          string  `yaml:"metrics-listen"`
	PprofListen            string  `yaml:"pprof-listen"`
	EnableProfilingMetrics bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string  `yaml:"otlp-endpoint"`
	LogLevel               string  `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	defaults := configDefaults{
		Store:                  zkgate.DefaultStore,
		SessionTTL:             zkgate.DefaultSessionTTL.String(),
		DialTimeout:            zkgate.DefaultDialTimeout.String(),
		ConnectAttempts:        zkgate.DefaultConnectAttempts,
		ConnectBackoff:         zkgate.DefaultConnectBackoff.String(),
		ConnectMaxBackoff:      zkgate.DefaultConnectMaxBackoff.String(),
		AwaitOnline:            zkgate.DefaultAwaitOnline.String(),
		VisibilityTimeout:      zkgate.DefaultVisibilityTimeout.String(),
		StorageRetryMaxAttempt: zkgate.DefaultStoreRetryMaxAttempts,
		StorageRetryBaseDelay:  zkgate.DefaultStoreRetryBaseDelay.String(),
		StorageRetryMaxDelay:   zkgate.DefaultStoreRetryMaxDelay.String(),
		StorageRetryMultiplier: zkgate.DefaultStoreRetryMultiplier,
		ShutdownTimeout:        zkgate.DefaultShutdownTimeout.String(),
		LogLevel:               "info",
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	return data, nil
}
