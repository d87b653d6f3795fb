package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tidemark-labs/tidesql/internal/cli/output"
)

// NewRunsCommand creates the runs command.
func NewRunsCommand() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs from the history ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, cleanup, err := buildEngine(cmd, true)
			if err != nil {
				return err
			}
			defer cleanup()

			ledger := eng.History()
			if ledger == nil {
				return fmt.Errorf("run history is unavailable")
			}
			runs, err := ledger.ListRuns(limit)
			if err != nil {
				return err
			}

			if jsonOutput {
				return output.JSON(cmd.OutOrStdout(), runs)
			}
			output.Runs(cmd.OutOrStdout(), runs)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit the listing as JSON")

	return cmd
}
