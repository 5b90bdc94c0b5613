package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/spf13/cobra"

	"github.com/neboloop/veil/internal/logging"
	"github.com/neboloop/veil/internal/profile"
)

func profilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage stored profiles",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				if err := json.MarshalWrite(out, entries, jsontext.Multiline(true)); err != nil {
					return err
				}
				fmt.Fprintln(out)
				return nil
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "No profiles.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPORT\tSEED\tOPENS\tLAST USED")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", e.Name, loaded.Ports.PortFor(e.Name), e.Seed, e.OpenCount, lastUsed(e.LastUsed))
			}
			return w.Flush()
		},
	}
	listCmd.Flags().BoolVar(&jsonOut, "json", false, "print as JSON")

	deleteCmd := &cobra.Command{
		Use:   "delete <profile>",
		Short: "Delete a profile and its browser data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(listCmd, deleteCmd)
	return cmd
}

func openStore() (*profile.Store, error) {
	logger, err := logging.New(loaded.Log)
	if err != nil {
		return nil, err
	}
	return profile.NewStore(loaded.ProfilesDir(), profile.WithLogger(logger))
}

func lastUsed(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}
