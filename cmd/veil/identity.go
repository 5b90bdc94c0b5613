package cli

import (
	"fmt"
	"strings"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/spf13/cobra"

	"github.com/neboloop/veil/internal/fingerprint"
)

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Show the identity derived from a seed",
		Long: `Print the browser identity veil would present for --seed, which is
normally the browser's major version. The configured fingerprint section
applies.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if seedFlag <= 0 && loaded.Fingerprint.Seed <= 0 {
				return fmt.Errorf("--seed is required")
			}
			id := fingerprint.New(seedFlag, loaded.Fingerprint)
			out := cmd.OutOrStdout()

			if jsonOut {
				if err := json.MarshalWrite(out, id, jsontext.Multiline(true)); err != nil {
					return err
				}
				fmt.Fprintln(out)
				return nil
			}

			brands := make([]string, len(id.Brands))
			for i, b := range id.Brands {
				brands[i] = fmt.Sprintf("%q;v=%q", b.Brand, b.Version)
			}
			fmt.Fprintf(out, "seed:        %d\n", id.Seed)
			fmt.Fprintf(out, "user agent:  %s\n", id.UserAgent)
			fmt.Fprintf(out, "brands:      %s\n", strings.Join(brands, ", "))
			fmt.Fprintf(out, "platform:    %s %s\n", id.Platform, id.PlatformVersion)
			fmt.Fprintf(out, "languages:   %s\n", strings.Join(id.Languages, ","))
			return nil
		},
	}
	cmd.Flags().IntVar(&seedFlag, "seed", 0, "identity seed (browser major version)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the full identity as JSON")
	return cmd
}
