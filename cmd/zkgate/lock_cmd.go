package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/zkgate"
	"pkt.systems/zkgate/internal/clock"
	"pkt.systems/zkgate/lock"
)

func newLockCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect and take locks",
	}
	cmd.AddCommand(
		newLockListCommand(baseLogger),
		newLockHoldersCommand(baseLogger),
		newLockHoldCommand(baseLogger),
		newLockRecoveryKeyCommand(),
	)
	return cmd
}

func newLockListCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List locks with contenders",
		Args:    cobra.NoArgs,
		RunE: withKernel(baseLogger, "cli.lock", func(ctx context.Context, cmd *cobra.Command, k *zkgate.Kernel) error {
			names, err := k.Locks().List(ctx)
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

func newLockHoldersCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "holders <lock>",
		Short: "List contenders in acquisition order; the first holds the lock",
		Args:  cobra.ExactArgs(1),
		RunE: withKernel(baseLogger, "cli.lock", func(ctx context.Context, cmd *cobra.Command, k *zkgate.Kernel) error {
			holders, err := k.Locks().Holders(ctx, cmd.Flags().Arg(0))
			if err != nil {
				return err
			}
			return render(cmd, holders, func(w io.Writer) error {
				rows := make([][]string, 0, len(holders))
				for _, h := range holders {
					kind := "durable"
					owner := "-"
					if h.Ephemeral {
						kind = "exclusive"
						owner = h.Owner
					} else if _, content, err := lock.ExtractRecoveryKeyDetails(h.Content); err == nil {
						owner = content
					}
					rows = append(rows, []string{strconv.FormatInt(h.Sequence, 10), kind, strconv.FormatBool(h.Holder), owner, ago(h.Issued)})
				}
				return table(w, "SEQ\tKIND\tHOLDER\tOWNER\tISSUED", rows)
			})
		}),
	}
}

// newLockHoldCommand takes a lock and keeps it until --for elapses or the
// process is interrupted. Handy for exercising waiters by hand.
func newLockHoldCommand(baseLogger pslog.Logger) *cobra.Command {
	var wait, hold time.Duration
	var owner, recoveryKey string
	cmd := &cobra.Command{
		Use:   "hold <lock>",
		Short: "Acquire a lock and hold it",
		Args:  cobra.ExactArgs(1),
		RunE: withKernel(baseLogger, "cli.lock", func(ctx context.Context, cmd *cobra.Command, k *zkgate.Kernel) error {
			var (
				l   *lock.Lock
				err error
			)
			switch {
			case recoveryKey != "":
				l, err = k.Locks().Recover(ctx, recoveryKey, wait)
			case owner != "":
				l, err = k.Locks().AcquireDurable(ctx, cmd.Flags().Arg(0), owner, wait)
			default:
				l, err = k.Locks().Acquire(ctx, cmd.Flags().Arg(0), wait)
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "holding %s (sequence %d)\n", l.Name(), l.Sequence())
			if l.Durable() {
				fmt.Fprintf(out, "recovery key: %s\n", l.RecoveryKey())
			}
			var expire <-chan time.Time
			if hold > 0 {
				expire = clock.NewDeadline(k.Gate().Clock(), hold).C()
			}
			select {
			case <-expire:
			case <-ctx.Done():
				if l.Durable() {
					fmt.Fprintf(out, "interrupted; durable lock %s kept for recovery\n", l.Name())
					return nil
				}
			case <-l.Lost():
				return fmt.Errorf("lock %s lost: %w", l.Name(), l.Err())
			}
			if err := l.Release(context.WithoutCancel(ctx)); err != nil {
				return err
			}
			fmt.Fprintf(out, "released %s\n", l.Name())
			return nil
		}),
	}
	cmd.Flags().DurationVarP(&wait, "wait", "w", 0, "how long to wait for the lock (0 tries once)")
	cmd.Flags().DurationVar(&hold, "for", 0, "release after this long (0 holds until interrupted)")
	cmd.Flags().StringVar(&owner, "durable-owner", "", "take a durable lock on behalf of this owner")
	cmd.Flags().StringVar(&recoveryKey, "recover", "", "re-adopt a durable lock by recovery key (lock argument is ignored)")
	return cmd
}

func newLockRecoveryKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recovery-key <lock> <owner>",
		Short: "Print the recovery key of a durable lock owner",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), lock.CreateRecoveryKey(args[0], args[1]))
			return err
		},
	}
}
