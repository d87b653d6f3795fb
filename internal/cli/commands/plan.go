package commands

import (
	"github.com/spf13/cobra"

	"github.com/tidemark-labs/tidesql/internal/cli/output"
)

// NewPlanCommand creates the plan command.
func NewPlanCommand() *cobra.Command {
	var (
		fullRefresh bool
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "plan [models...]",
		Short: "Show what a run would do without executing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := buildEngine(cmd, true)
			if err != nil {
				return err
			}
			defer cleanup()

			var subset []string
			if len(args) > 0 {
				subset = args
			}
			execPlan, err := eng.Plan(subset, fullRefresh)
			if err != nil {
				return err
			}

			if jsonOutput {
				return output.JSON(cmd.OutOrStdout(), execPlan)
			}
			output.Plan(cmd.OutOrStdout(), execPlan)
			return nil
		},
	}

	cmd.Flags().BoolVar(&fullRefresh, "full-refresh", false, "Plan as if every model must rebuild")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit the plan as JSON")

	return cmd
}
