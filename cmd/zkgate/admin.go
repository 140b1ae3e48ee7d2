package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"pkt.systems/zkgate"
	"pkt.systems/zkgate/internal/svcfields"
)

// adminFunc runs against a started kernel.
type adminFunc func(ctx context.Context, cmd *cobra.Command, k *zkgate.Kernel) error

// withKernel wraps fn in a short-lived kernel session. Admin sessions never
// wait for the cluster marker and do not publish presence, so they work on
// a cluster that is still held offline.
func withKernel(baseLogger pslog.Logger, subsystem string, fn adminFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if _, err := loadConfigFile(); err != nil {
			return err
		}
		var cfg zkgate.Config
		if err := bindConfig(&cfg); err != nil {
			return err
		}
		cfg.WaitForCluster = false
		cfg.Presence = false
		cfg.RegisterNode = false
		cfg.MetricsListen = ""
		cfg.PprofListen = ""
		cfg.EnableProfilingMetrics = false
		cfg.OTLPEndpoint = ""

		logger := svcfields.WithSubsystem(levelLogger(baseLogger), subsystem)
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		k, stop, err := zkgate.StartKernel(ctx, cfg, viper.GetDuration("await-online"), zkgate.WithLogger(logger))
		if err != nil {
			return err
		}
		defer func() {
			if err := stop(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("cli.admin.close_failed", "error", err)
			}
		}()
		return fn(ctx, cmd, k)
	}
}

func outputFormat() (string, error) {
	format := strings.ToLower(strings.TrimSpace(viper.GetString("output")))
	switch format {
	case "", "text":
		return "text", nil
	case "yaml", "yml":
		return "yaml", nil
	default:
		return "", fmt.Errorf("unsupported output format %q (text or yaml)", format)
	}
}

// render writes v as YAML when requested and calls text otherwise.
func render(cmd *cobra.Command, v any, text func(w io.Writer) error) error {
	format, err := outputFormat()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if format == "yaml" {
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return text(out)
}

func table(w io.Writer, header string, rows [][]string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, header)
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func size(n int) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}
