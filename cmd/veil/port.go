package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neboloop/veil/internal/profile"
)

func portCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "port <profile>",
		Short: "Print the DevTools port a profile maps to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := profile.ValidateName(args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), loaded.Ports.PortFor(args[0]))
			return nil
		},
	}
}
