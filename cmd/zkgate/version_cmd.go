package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"pkt.systems/zkgate/internal/version"
)

func newVersionCommand() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the zkgate version and linked store drivers",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Read()
			if short {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), info.Version)
				return err
			}
			return render(cmd, info, func(w io.Writer) error {
				fmt.Fprintf(w, "%s %s\n", info.Module, info.Version)
				if info.GoVersion != "" {
					fmt.Fprintf(w, "go: %s\n", info.GoVersion)
				}
				if info.Revision != "" {
					dirty := ""
					if info.Dirty {
						dirty = " (modified)"
					}
					fmt.Fprintf(w, "revision: %s%s\n", info.Revision, dirty)
				}
				for _, d := range info.Drivers {
					fmt.Fprintf(w, "%s:// driver: %s %s\n", d.Scheme, d.Module, d.Version)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "print only the version")
	return cmd
}
