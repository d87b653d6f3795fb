package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tidemark-labs/tidesql/internal/cli/output"
)

// NewStateCommand creates the state command group.
func NewStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and manage execution state",
	}
	cmd.AddCommand(newStateExportCommand())
	cmd.AddCommand(newStateImportCommand())
	cmd.AddCommand(newStateClearCommand())
	cmd.AddCommand(newStateStatsCommand())
	return cmd
}

func newStateExportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Write the state file JSON to stdout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, cleanup, err := buildEngine(cmd, true)
			if err != nil {
				return err
			}
			defer cleanup()
			return eng.State().Export(cmd.OutOrStdout())
		},
	}
}

func newStateImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the state with a previously exported JSON document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := buildEngine(cmd, true)
			if err != nil {
				return err
			}
			defer cleanup()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			if err := eng.State().Import(f); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "State imported.")
			return nil
		},
	}
}

func newStateClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear [model]",
		Short: "Forget recorded state for one model, or for everything",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := buildEngine(cmd, true)
			if err != nil {
				return err
			}
			defer cleanup()

			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			if err := eng.State().Clear(name); err != nil {
				return err
			}
			if name == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "Cleared all state.")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared state for %s.\n", name)
			}
			return nil
		},
	}
}

func newStateStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize recorded executions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, cleanup, err := buildEngine(cmd, true)
			if err != nil {
				return err
			}
			defer cleanup()
			return output.JSON(cmd.OutOrStdout(), eng.State().Stats())
		},
	}
}
