package commands

import (
	"github.com/spf13/cobra"

	"github.com/tidemark-labs/tidesql/internal/cli/output"
	"github.com/tidemark-labs/tidesql/internal/engine"
)

// NewListCommand creates the list command.
func NewListCommand() *cobra.Command {
	var (
		tag          string
		materialized string
		jsonOutput   bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List discovered models",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, cleanup, err := buildEngine(cmd, true)
			if err != nil {
				return err
			}
			defer cleanup()

			models := filterModels(eng.Models(), tag, materialized)
			if jsonOutput {
				return output.JSON(cmd.OutOrStdout(), models)
			}
			output.Models(cmd.OutOrStdout(), models)
			return nil
		},
	}

	cmd.Flags().StringVar(&tag, "tag", "", "Only models carrying this tag")
	cmd.Flags().StringVar(&materialized, "materialized", "", "Only models with this materialization")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit the listing as JSON")

	return cmd
}

func filterModels(models []engine.ModelInfo, tag, materialized string) []engine.ModelInfo {
	if tag == "" && materialized == "" {
		return models
	}
	var out []engine.ModelInfo
	for _, m := range models {
		if materialized != "" && m.Materialized != materialized {
			continue
		}
		if tag != "" && !hasTag(m.Tags, tag) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
