package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newRunCmd creates the 'run' subcommand, which executes exactly one cycle.
func newRunCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs a single monitoring cycle and exits",
		Long: `Crawls the catalog listing once, fingerprints every identifier, records
changes in the catalog store, and downloads full-resolution assets for the
identifiers that changed. The cycle summary is printed as JSON on stdout.`,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(appInstance, &err)

			sum, runErr := appInstance.Runner().Run(cmd.Context())
			if runErr != nil {
				return fmt.Errorf("run cycle: %w", runErr)
			}
			appInstance.Logger().Info("cycle finished",
				zap.String("cycle_id", sum.CycleID),
				zap.Int("seen", sum.Seen),
				zap.Int("changed", len(sum.Changed)),
				zap.Int("downloaded", len(sum.Downloaded)),
			)
			if quiet {
				return nil
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(sum); err != nil {
				return fmt.Errorf("encode summary: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress the JSON summary")
	return cmd
}
