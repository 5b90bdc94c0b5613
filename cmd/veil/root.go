// Package cli holds veil's cobra commands.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/neboloop/veil/internal/config"
)

// SetupRootCmd configures the root command with all subcommands and flags.
func SetupRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "veil",
		Short: "Veil - stealth browser sessions",
		Long: `Veil runs Chromium-family browsers over the DevTools protocol with a
consistent per-profile identity, persistent cookies and local storage, and
isolated script execution.

Run 'veil serve' to keep sessions alive and expose the status server.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			loaded = c
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML or TOML)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(portCmd())
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(profilesCmd())

	return rootCmd
}
