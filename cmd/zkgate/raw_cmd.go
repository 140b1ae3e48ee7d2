package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/zkgate"
	"pkt.systems/zkgate/internal/store"
)

type rawNode struct {
	Path           string `yaml:"path"`
	Data           string `yaml:"data"`
	Version        int64  `yaml:"version"`
	CVersion       int64  `yaml:"cversion"`
	EphemeralOwner int64  `yaml:"ephemeral_owner,omitempty"`
	NumChildren    int    `yaml:"num_children"`
	Created        string `yaml:"created"`
	Modified       string `yaml:"modified"`
}

func newRawCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "raw",
		Short: "Inspect and edit store nodes directly",
	}
	cmd.AddCommand(
		newRawGetCommand(baseLogger),
		newRawListCommand(baseLogger),
		newRawSetCommand(baseLogger),
		newRawRemoveCommand(baseLogger),
	)
	return cmd
}

func newRawGetCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: "Print a node's data and stat",
		Args:  cobra.ExactArgs(1),
		RunE: withKernel(baseLogger, "cli.raw", func(ctx context.Context, cmd *cobra.Command, k *zkgate.Kernel) error {
			path := cmd.Flags().Arg(0)
			data, stat, _, err := k.Gate().Store().Get(ctx, path, false)
			if err != nil {
				return err
			}
			node := rawNode{
				Path:           path,
				Data:           string(data),
				Version:        stat.Version,
				CVersion:       stat.CVersion,
				EphemeralOwner: stat.EphemeralOwner,
				NumChildren:    stat.NumChildren,
				Created:        stat.Ctime.UTC().Format(time.RFC3339),
				Modified:       stat.Mtime.UTC().Format(time.RFC3339),
			}
			return render(cmd, node, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s\n", data)
				return err
			})
		}),
	}
}

func newRawListCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:     "ls <path>",
		Aliases: []string{"list"},
		Short:   "List the children of a node",
		Args:    cobra.ExactArgs(1),
		RunE: withKernel(baseLogger, "cli.raw", func(ctx context.Context, cmd *cobra.Command, k *zkgate.Kernel) error {
			names, _, _, err := k.Gate().Store().Children(ctx, cmd.Flags().Arg(0), false)
			if err != nil {
				return err
			}
			sort.Strings(names)
			return render(cmd, names, func(w io.Writer) error {
				for _, name := range names {
					if _, err := fmt.Fprintln(w, name); err != nil {
						return err
					}
				}
				return nil
			})
		}),
	}
}

func newRawSetCommand(baseLogger pslog.Logger) *cobra.Command {
	var version int64
	var create bool
	cmd := &cobra.Command{
		Use:   "set <path> <data>",
		Short: "Write a node's data (optionally version-checked)",
		Args:  cobra.ExactArgs(2),
		RunE: withKernel(baseLogger, "cli.raw", func(ctx context.Context, cmd *cobra.Command, k *zkgate.Kernel) error {
			s := k.Gate().Store()
			path, data := cmd.Flags().Arg(0), []byte(cmd.Flags().Arg(1))
			stat, err := s.Set(ctx, path, data, version)
			if errors.Is(err, store.ErrNoNode) && create {
				if err := store.EnsurePath(ctx, s, store.Parent(path)); err != nil {
					return err
				}
				if _, err := s.Create(ctx, path, data, store.ModePersistent); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", path)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s now at version %s\n", path, strconv.FormatInt(stat.Version, 10))
			return nil
		}),
	}
	cmd.Flags().Int64Var(&version, "version", store.AnyVersion, "expected version (-1 accepts any)")
	cmd.Flags().BoolVar(&create, "create", false, "create the node and its parents when missing")
	return cmd
}

func newRawRemoveCommand(baseLogger pslog.Logger) *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a node (with --recursive, its subtree)",
		Args:  cobra.ExactArgs(1),
		RunE: withKernel(baseLogger, "cli.raw", func(ctx context.Context, cmd *cobra.Command, k *zkgate.Kernel) error {
			path := cmd.Flags().Arg(0)
			s := k.Gate().Store()
			var err error
			if recursive {
				err = store.DeleteTree(ctx, s, path)
			} else {
				err = s.Delete(ctx, path, store.AnyVersion)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", path)
			return nil
		}),
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "delete the whole subtree")
	return cmd
}
