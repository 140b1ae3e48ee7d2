package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/zkgate"
)

func newOnlineCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "online",
		Short: "Manage the cluster online marker that releases --wait-for-cluster nodes",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "mark",
			Short: "Mark the cluster online",
			Args:  cobra.NoArgs,
			RunE: withKernel(baseLogger, "cli.online", func(ctx context.Context, cmd *cobra.Command, k *zkgate.Kernel) error {
				if err := k.Gate().MarkOnline(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cluster marked online")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove the cluster online marker",
			Args:  cobra.NoArgs,
			RunE: withKernel(baseLogger, "cli.online", func(ctx context.Context, cmd *cobra.Command, k *zkgate.Kernel) error {
				if err := k.Gate().MarkOffline(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cluster online marker cleared")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Report whether the cluster online marker exists",
			Args:  cobra.NoArgs,
			RunE: withKernel(baseLogger, "cli.online", func(ctx context.Context, cmd *cobra.Command, k *zkgate.Kernel) error {
				online, err := k.Gate().ClusterOnline(ctx)
				if err != nil {
					return err
				}
				status := struct {
					Online bool `yaml:"online"`
				}{Online: online}
				return render(cmd, status, func(w io.Writer) error {
					word := "offline"
					if online {
						word = "online"
					}
					_, err := fmt.Fprintf(w, "cluster is %s\n", word)
					return err
				})
			}),
		},
	)
	return cmd
}
