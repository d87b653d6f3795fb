package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tidemark-labs/tidesql/internal/engine"
)

// NewBackfillCommand creates the backfill command.
func NewBackfillCommand() *cobra.Command {
	var (
		start    string
		end      string
		interval string
		vars     []string
	)

	cmd := &cobra.Command{
		Use:   "backfill <model>",
		Short: "Rebuild one model window by window over a date range",
		Long: `Run one model repeatedly across [start, end), one window per
interval, binding start_date and end_date variables to each window's
bounds.`,
		Example: `  tidesql backfill fct_orders --start 2026-01-01 --end 2026-02-01
  tidesql backfill fct_orders --start 2026-01-01 --end 2026-02-01 --interval 7d`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			startDate, err := parseDate(start, "start")
			if err != nil {
				return err
			}
			endDate, err := parseDate(end, "end")
			if err != nil {
				return err
			}
			windowSize, err := parseInterval(interval)
			if err != nil {
				return err
			}
			runVars, err := parseVars(vars)
			if err != nil {
				return err
			}

			eng, cleanup, err := buildEngine(cmd, false)
			if err != nil {
				return err
			}
			defer cleanup()

			started := time.Now()
			results, err := eng.Backfill(cmd.Context(), engine.BackfillOptions{
				Model:    args[0],
				Start:    startDate,
				End:      endDate,
				Interval: windowSize,
				Vars:     runVars,
			})

			out := cmd.OutOrStdout()
			var rows int64
			for _, res := range results {
				rows += res.RowsProcessed
			}
			fmt.Fprintf(out, "Backfilled %d windows (%d rows) in %s\n",
				len(results), rows, time.Since(started).Round(time.Millisecond))

			if err != nil {
				return fmt.Errorf("backfill stopped: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&start, "start", "", "Window range start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "Window range end, exclusive (YYYY-MM-DD)")
	cmd.Flags().StringVar(&interval, "interval", "1d", "Window width (e.g. 1d, 7d, 6h)")
	cmd.Flags().StringSliceVar(&vars, "vars", nil, "Runtime variables as key=value pairs")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")

	return cmd
}
