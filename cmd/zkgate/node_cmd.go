package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/zkgate"
	"pkt.systems/zkgate/gate"
)

func newNodeCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Administer the node registry and inspect presence",
	}
	cmd.AddCommand(
		newNodeListCommand(baseLogger),
		newNodePresenceCommand(baseLogger),
		newNodeUpdateCommand(baseLogger, "approve", "Approve a node (registers it when unknown)", func(ctx context.Context, r *gate.Registry, id string, _ []string) (gate.NodeRecord, error) {
			return r.Approve(ctx, id)
		}),
		newNodeUpdateCommand(baseLogger, "retire", "Retire a registered node", func(ctx context.Context, r *gate.Registry, id string, _ []string) (gate.NodeRecord, error) {
			return r.Retire(ctx, id)
		}),
		newNodeUpdateCommand(baseLogger, "set-connection", "Record the connection string of a node", func(ctx context.Context, r *gate.Registry, id string, rest []string) (gate.NodeRecord, error) {
			return r.SetConnection(ctx, id, rest[0])
		}),
		newNodeRemoveCommand(baseLogger),
	)
	return cmd
}

func newNodeListCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List registered nodes",
		Args:    cobra.NoArgs,
		RunE: withKernel(baseLogger, "cli.node", func(ctx context.Context, cmd *cobra.Command, k *zkgate.Kernel) error {
			nodes, err := k.Gate().Registry().List(ctx)
			if err != nil {
				return err
			}
			return render(cmd, nodes, func(w io.Writer) error {
				rows := make([][]string, 0, len(nodes))
				for _, n := range nodes {
					conn := n.Connection
					if conn == "" {
						conn = "-"
					}
					rows = append(rows, []string{n.ID, string(n.State), conn, ago(n.UpdatedAt)})
				}
				return table(w, "NODE\tSTATE\tCONNECTION\tUPDATED", rows)
			})
		}),
	}
}

func newNodePresenceCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "presence",
		Short: "List live nodes from their ephemeral presence records",
		Args:  cobra.NoArgs,
		RunE: withKernel(baseLogger, "cli.node", func(ctx context.Context, cmd *cobra.Command, k *zkgate.Kernel) error {
			live, err := k.Gate().Presences(ctx)
			if err != nil {
				return err
			}
			return render(cmd, live, func(w io.Writer) error {
				rows := make([][]string, 0, len(live))
				for _, p := range live {
					rows = append(rows, []string{p.ID, strconv.FormatInt(p.SessionID, 10), p.Hostname, strconv.Itoa(p.PID), ago(p.StartedAt)})
				}
				return table(w, "NODE\tSESSION\tHOST\tPID\tSTARTED", rows)
			})
		}),
	}
}

type registryUpdate func(ctx context.Context, r *gate.Registry, id string, rest []string) (gate.NodeRecord, error)

func newNodeUpdateCommand(baseLogger pslog.Logger, use, short string, update registryUpdate) *cobra.Command {
	args := cobra.ExactArgs(1)
	usage := use + " <node-id>"
	if use == "set-connection" {
		args = cobra.ExactArgs(2)
		usage = use + " <node-id> <connection>"
	}
	return &cobra.Command{
		Use:   usage,
		Short: short,
		Args:  args,
		RunE: withKernel(baseLogger, "cli.node", func(ctx context.Context, cmd *cobra.Command, k *zkgate.Kernel) error {
			rec, err := update(ctx, k.Gate().Registry(), cmd.Flags().Arg(0), cmd.Flags().Args()[1:])
			if err != nil {
				return err
			}
			return render(cmd, rec, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "node %s is %s\n", rec.ID, rec.State)
				return err
			})
		}),
	}
}

func newNodeRemoveCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <node-id>",
		Short: "Remove a node record",
		Args:  cobra.ExactArgs(1),
		RunE: withKernel(baseLogger, "cli.node", func(ctx context.Context, cmd *cobra.Command, k *zkgate.Kernel) error {
			if err := k.Gate().Registry().Remove(ctx, cmd.Flags().Arg(0)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed node %s\n", cmd.Flags().Arg(0))
			return nil
		}),
	}
}
