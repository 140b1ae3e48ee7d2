package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/zkgate"
	"pkt.systems/zkgate/queue"
)

func newQueueCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "queue",
		Aliases: []string{"q"},
		Short:   "Administer queues",
	}
	cmd.AddCommand(
		newQueueListCommand(baseLogger),
		newQueueCreateCommand(baseLogger),
		newQueueRemoveCommand(baseLogger),
		newQueueSendCommand(baseLogger),
		newQueueMessagesCommand(baseLogger),
		newQueuePeekCommand(baseLogger),
		newQueueConsumeCommand(baseLogger),
		newQueuePurgeCommand(baseLogger),
	)
	return cmd
}

func newQueueListCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List queues and their sizes",
		Args:    cobra.NoArgs,
		RunE: withKernel(baseLogger, "cli.queue", func(ctx context.Context, cmd *cobra.Command, k *zkgate.Kernel) error {
			ids, err := k.Queues().List(ctx)
			if err != nil {
				return err
			}
			type row struct {
				Queue string `yaml:"queue"`
				Size  int    `yaml:"size"`
			}
			rows := make([]row, 0, len(ids))
			for _, id := range ids {
				q, err := k.Queues().Open(ctx, id)
				if err != nil {
					return err
				}
				n, err := q.Size(ctx)
				if err != nil {
					return err
				}
				rows = append(rows, row{Queue: id, Size: n})
			}
			return render(cmd, rows, func(w io.Writer) error {
				cells := make([][]string, 0, len(rows))
				for _, r := range rows {
					cells = append(cells, []string{r.Queue, strconv.Itoa(r.Size)})
				}
				return table(w, "QUEUE\tSIZE", cells)
			})
		}),
	}
}

func newQueueCreateCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "create <queue>",
		Short: "Create a queue",
		Args:  cobra.ExactArgs(1),
		RunE: withKernel(baseLogger, "cli.queue", func(ctx context.Context, cmd *cobra.Command, k *zkgate.Kernel) error {
			created, err := k.Queues().Create(ctx, cmd.Flags().Arg(0))
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintf(cmd.OutOrStdout(), "queue %s already exists\n", cmd.Flags().Arg(0))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created queue %s\n", cmd.Flags().Arg(0))
			return nil
		}),
	}
}

func newQueueRemoveCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <queue>",
		Aliases: []string{"remove"},
		Short:   "Remove a queue and every message in it",
		Args:    cobra.ExactArgs(1),
		RunE: withKernel(baseLogger, "cli.queue", func(ctx context.Context, cmd *cobra.Command, k *zkgate.Kernel) error {
			if err := k.Queues().Remove(ctx, cmd.Flags().Arg(0)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed queue %s\n", cmd.Flags().Arg(0))
			return nil
		}),
	}
}

func newQueueSendCommand(baseLogger pslog.Logger) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "send <queue> [body]",
		Short: "Send a message (body from the argument, --file, or stdin)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withKernel(baseLogger, "cli.queue", func(ctx context.Context, cmd *cobra.Command, k *zkgate.Kernel) error {
			var body []byte
			switch {
			case cmd.Flags().NArg() == 2:
				body = []byte(cmd.Flags().Arg(1))
			case file == "-":
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				body = data
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read %s: %w", file, err)
				}
				body = data
			default:
				return errors.New("message body required (argument or --file)")
			}
			q, err := k.Queues().Open(ctx, cmd.Flags().Arg(0))
			if err != nil {
				return err
			}
			msg, err := q.Send(ctx, body)
			if err != nil {
				return err
			}
			return render(cmd, msg, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "sent %s (%s)\n", msg.ID, size(len(msg.Body)))
				return err
			})
		}),
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the body from a file (- for stdin)")
	return cmd
}

func newQueueMessagesCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "messages <queue>",
		Short: "List messages including hidden ones",
		Args:  cobra.ExactArgs(1),
		RunE: withKernel(baseLogger, "cli.queue", func(ctx context.Context, cmd *cobra.Command, k *zkgate.Kernel) error {
			q, err := k.Queues().Open(ctx, cmd.Flags().Arg(0))
			if err != nil {
				return err
			}
			msgs, err := q.Messages(ctx)
			if err != nil {
				return err
			}
			now := k.Gate().Clock().Now()
			return render(cmd, msgs, func(w io.Writer) error {
				rows := make([][]string, 0, len(msgs))
				for _, m := range msgs {
					hidden := "-"
					if m.Hidden(now) {
						hidden = m.HiddenUntil.Sub(now).Round(time.Second).String()
					}
					rows = append(rows, []string{m.ID, size(len(m.Body)), strconv.Itoa(m.Deliveries), hidden, ago(m.EnqueuedAt)})
				}
				return table(w, "ID\tSIZE\tDELIVERIES\tHIDDEN\tENQUEUED", rows)
			})
		}),
	}
}

func newQueuePeekCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "peek <queue> <message-id>",
		Short: "Print one message without changing its visibility",
		Args:  cobra.ExactArgs(2),
		RunE: withKernel(baseLogger, "cli.queue", func(ctx context.Context, cmd *cobra.Command, k *zkgate.Kernel) error {
			q, err := k.Queues().Open(ctx, cmd.Flags().Arg(0))
			if err != nil {
				return err
			}
			msg, err := q.Peek(ctx, cmd.Flags().Arg(1))
			if err != nil {
				return err
			}
			return render(cmd, msg, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s\n", msg.Body)
				return err
			})
		}),
	}
}

func newQueueConsumeCommand(baseLogger pslog.Logger) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "consume <queue>",
		Short: "Take the first visible message, waiting up to --timeout",
		Args:  cobra.ExactArgs(1),
		RunE: withKernel(baseLogger, "cli.queue", func(ctx context.Context, cmd *cobra.Command, k *zkgate.Kernel) error {
			q, err := k.Queues().Open(ctx, cmd.Flags().Arg(0))
			if err != nil {
				return err
			}
			msg, err := q.Consume(ctx, timeout)
			if err != nil {
				if errors.Is(err, queue.ErrNoMessage) {
					return fmt.Errorf("no message in %s after %s", q.ID(), timeout)
				}
				return err
			}
			return render(cmd, msg, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s\n", msg.Body)
				return err
			})
		}),
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "how long to wait for a message (0 returns immediately)")
	return cmd
}

func newQueuePurgeCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <queue>",
		Short: "Delete every message in a queue",
		Args:  cobra.ExactArgs(1),
		RunE: withKernel(baseLogger, "cli.queue", func(ctx context.Context, cmd *cobra.Command, k *zkgate.Kernel) error {
			q, err := k.Queues().Open(ctx, cmd.Flags().Arg(0))
			if err != nil {
				return err
			}
			n, err := q.Purge(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d message(s) from %s\n", n, q.ID())
			return nil
		}),
	}
}
