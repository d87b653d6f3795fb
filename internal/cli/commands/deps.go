package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NewDepsCommand creates the deps command.
func NewDepsCommand() *cobra.Command {
	var (
		format string
		model  string
	)

	cmd := &cobra.Command{
		Use:   "deps",
		Short: "Show the dependency graph",
		Long: `Print the dependency graph as text levels or graphviz DOT.
With --model the output narrows to one model: its upstream dependencies
and downstream dependents.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if format != "text" && format != "graphviz" {
				return fmt.Errorf("unknown format %q, expected text or graphviz", format)
			}

			eng, cleanup, err := buildEngine(cmd, true)
			if err != nil {
				return err
			}
			defer cleanup()

			graph := eng.Graph()
			out := cmd.OutOrStdout()

			if format == "graphviz" {
				fmt.Fprint(out, graph.ToDOT())
				return nil
			}

			if model != "" {
				if _, _, err := eng.Model(model); err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\n", model)
				fmt.Fprintf(out, "  depends on: %s\n", joinOrNone(graph.AllDependencies(model)))
				fmt.Fprintf(out, "  used by:    %s\n", joinOrNone(graph.AllDependents(model)))
				return nil
			}

			levels, err := graph.TopologicalOrder()
			if err != nil {
				return err
			}
			for i, level := range levels {
				fmt.Fprintf(out, "Level %d:\n", i)
				for _, name := range level {
					deps := graph.Dependencies(name)
					if len(deps) > 0 {
						fmt.Fprintf(out, "  %s <- %s\n", name, strings.Join(deps, ", "))
					} else {
						fmt.Fprintf(out, "  %s\n", name)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "Output format (text|graphviz)")
	cmd.Flags().StringVar(&model, "model", "", "Narrow to one model's dependencies and dependents")

	return cmd
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, ", ")
}
