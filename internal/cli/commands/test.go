package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tidemark-labs/tidesql/internal/cli/output"
)

// NewTestCommand creates the test command.
func NewTestCommand() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "test [models...]",
		Short: "Run declared data-quality tests",
		Long: `Execute the unique, not_null, and accepted_values tests declared
in schema files. Without arguments every model's tests run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := buildEngine(cmd, false)
			if err != nil {
				return err
			}
			defer cleanup()

			results, err := eng.Test(cmd.Context(), args)
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := output.JSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
				failures := 0
				for _, res := range results {
					if !res.Passed() {
						failures++
					}
				}
				if failures > 0 {
					return fmt.Errorf("%d tests failed", failures)
				}
				return nil
			}

			if failures := output.Tests(cmd.OutOrStdout(), results); failures > 0 {
				return fmt.Errorf("%d tests failed", failures)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit test results as JSON")

	return cmd
}
