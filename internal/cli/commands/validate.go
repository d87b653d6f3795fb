package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate the whole project",
		Long: `Parse every model, load schema and source metadata, and check
configuration and graph invariants. Exits non-zero when anything is
invalid.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, cleanup, err := buildEngine(cmd, true)
			if err != nil {
				return err
			}
			defer cleanup()

			out := cmd.OutOrStdout()
			failures := eng.ParseFailures()
			if len(failures) > 0 {
				files := make([]string, 0, len(failures))
				for file := range failures {
					files = append(files, file)
				}
				sort.Strings(files)
				for _, file := range files {
					fmt.Fprintf(out, "  %s: %v\n", file, failures[file])
				}
				return fmt.Errorf("%d model files failed to parse", len(failures))
			}

			fmt.Fprintf(out, "Project is valid: %d models.\n", len(eng.Models()))
			return nil
		},
	}
}
