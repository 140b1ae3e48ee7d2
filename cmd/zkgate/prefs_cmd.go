package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/zkgate"
)

func newPrefsCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Read and write the preferences tree",
	}
	cmd.AddCommand(
		newPrefsGetCommand(baseLogger),
		newPrefsListCommand(baseLogger),
		newPrefsPutCommand(baseLogger),
		newPrefsRemoveCommand(baseLogger),
	)
	return cmd
}

func newPrefsGetCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "get <path> [key]",
		Short: "Print one value, or every key/value at a node",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withKernel(baseLogger, "cli.prefs", func(ctx context.Context, cmd *cobra.Command, k *zkgate.Kernel) error {
			path := cmd.Flags().Arg(0)
			p := k.Prefs()
			if cmd.Flags().NArg() == 2 {
				key := cmd.Flags().Arg(1)
				v, ok, err := p.Get(ctx, path, key)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no key %q at %s", key, path)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), v)
				return err
			}
			keys, err := p.Keys(ctx, path)
			if err != nil {
				return err
			}
			values := make(map[string]string, len(keys))
			for _, key := range keys {
				v, _, err := p.Get(ctx, path, key)
				if err != nil {
					return err
				}
				values[key] = v
			}
			return render(cmd, values, func(w io.Writer) error {
				for _, key := range keys {
					if _, err := fmt.Fprintf(w, "%s=%s\n", key, values[key]); err != nil {
						return err
					}
				}
				return nil
			})
		}),
	}
}

func newPrefsListCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:     "ls [path]",
		Aliases: []string{"list"},
		Short:   "List child nodes",
		Args:    cobra.MaximumNArgs(1),
		RunE: withKernel(baseLogger, "cli.prefs", func(ctx context.Context, cmd *cobra.Command, k *zkgate.Kernel) error {
			names, err := k.Prefs().ChildrenNames(ctx, cmd.Flags().Arg(0))
			if err != nil {
				return err
			}
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

func newPrefsPutCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "put <path> <key=value>...",
		Short: "Set values and flush them in one versioned write",
		Args:  cobra.MinimumNArgs(2),
		RunE: withKernel(baseLogger, "cli.prefs", func(ctx context.Context, cmd *cobra.Command, k *zkgate.Kernel) error {
			args := cmd.Flags().Args()
			path := args[0]
			p := k.Prefs()
			for _, kv := range args[1:] {
				key, val, ok := cutAssignment(kv)
				if !ok {
					return fmt.Errorf("expected key=value, got %q", kv)
				}
				if err := p.Put(ctx, path, key, val); err != nil {
					return err
				}
			}
			if err := p.Flush(ctx, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d value(s) to %s\n", len(args)-1, path)
			return nil
		}),
	}
}

func newPrefsRemoveCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path> [key]",
		Short: "Remove a key, or with no key the node and its descendants",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withKernel(baseLogger, "cli.prefs", func(ctx context.Context, cmd *cobra.Command, k *zkgate.Kernel) error {
			path := cmd.Flags().Arg(0)
			p := k.Prefs()
			if cmd.Flags().NArg() == 1 {
				if err := p.RemoveNode(ctx, path); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", path)
				return nil
			}
			key := cmd.Flags().Arg(1)
			if err := p.Remove(ctx, path, key); err != nil {
				return err
			}
			if err := p.Flush(ctx, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s from %s\n", key, path)
			return nil
		}),
	}
}

func cutAssignment(kv string) (string, string, bool) {
	key, val, ok := strings.Cut(kv, "=")
	if !ok || key == "" {
		return "", "", false
	}
	return key, val, true
}
