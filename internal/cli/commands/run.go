package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tidemark-labs/tidesql/internal/cli/output"
	"github.com/tidemark-labs/tidesql/internal/engine"
)

type runOptions struct {
	vars        []string
	dryRun      bool
	fullRefresh bool
	jsonOutput  bool
}

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run [models...]",
		Short: "Build models in dependency order",
		Long: `Plan and execute the selected models. Without arguments every
changed model runs; naming models restricts the run to them plus their
upstream dependencies.`,
		Example: `  # run everything that changed
  tidesql run

  # run two models (and whatever they depend on)
  tidesql run fct_orders dim_customers

  # print the resolved SQL without executing
  tidesql run --dry-run

  # rebuild from scratch with a runtime variable
  tidesql run --full-refresh --vars region=emea`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModels(cmd, args, opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.vars, "vars", nil, "Runtime variables as key=value pairs")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Resolve SQL without executing")
	cmd.Flags().BoolVar(&opts.fullRefresh, "full-refresh", false, "Rebuild selected models from scratch")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Emit the run report as JSON")

	return cmd
}

// NewRunAllCommand creates the run-all command: run with every model
// forced into scope.
func NewRunAllCommand() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run-all",
		Short: "Build every model, changed or not",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.fullRefresh = true
			return runModels(cmd, nil, opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.vars, "vars", nil, "Runtime variables as key=value pairs")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Emit the run report as JSON")

	return cmd
}

func runModels(cmd *cobra.Command, models []string, opts *runOptions) error {
	vars, err := parseVars(opts.vars)
	if err != nil {
		return err
	}

	eng, cleanup, err := buildEngine(cmd, opts.dryRun)
	if err != nil {
		return err
	}
	defer cleanup()

	var subset []string
	if len(models) > 0 {
		subset = models
	}

	report, err := eng.Run(cmd.Context(), engine.RunOptions{
		Select:      subset,
		Vars:        vars,
		DryRun:      opts.dryRun,
		FullRefresh: opts.fullRefresh,
	})
	if err != nil {
		return err
	}

	switch {
	case opts.jsonOutput:
		if err := output.JSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
	case opts.dryRun:
		output.DryRun(cmd.OutOrStdout(), report)
	default:
		output.Report(cmd.OutOrStdout(), report)
	}

	if report.HasFailures() {
		_, failed, _ := report.Counts()
		return fmt.Errorf("%d models failed", failed)
	}
	return nil
}
