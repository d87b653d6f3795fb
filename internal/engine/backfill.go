package engine

import (
	"context"
	"time"

	tserrors "github.com/tidemark-labs/tidesql/internal/errors"
	"github.com/tidemark-labs/tidesql/internal/materialize"
)

// DefaultBackfillInterval is one window per day.
const DefaultBackfillInterval = 24 * time.Hour

const dateFormat = "2006-01-02"

// BackfillOptions describes one backfill: the model, the half-open
// [Start, End) date range, and the window width.
type BackfillOptions struct {
	Model    string
	Start    time.Time
	End      time.Time
	Interval time.Duration
	Vars     map[string]any
}

// Backfill materializes one model repeatedly, once per window, with
// start_date and end_date vars bound to the window's bounds. The first
// failing window stops the backfill; completed windows stay applied.
func (e *Engine) Backfill(ctx context.Context, opts BackfillOptions) ([]*materialize.Result, error) {
	models, configs, _ := e.snapshot()
	model, ok := models[opts.Model]
	if !ok {
		return nil, &tserrors.ModelNotFoundError{Model: opts.Model}
	}
	cfg := configs[opts.Model]

	if !opts.End.After(opts.Start) {
		return nil, &tserrors.ConfigurationError{
			Message: "backfill requires end after start",
		}
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultBackfillInterval
	}

	var results []*materialize.Result
	for windowStart := opts.Start; windowStart.Before(opts.End); windowStart = windowStart.Add(interval) {
		windowEnd := windowStart.Add(interval)
		if windowEnd.After(opts.End) {
			windowEnd = opts.End
		}

		vars := mergeVars(e.project.Vars, opts.Vars)
		vars["start_date"] = windowStart.Format(dateFormat)
		vars["end_date"] = windowEnd.Format(dateFormat)

		e.logger.Info("backfilling window",
			"model", opts.Model, "start", vars["start_date"], "end", vars["end_date"])

		result, err := e.mat.Materialize(ctx, model, cfg, vars)
		if err != nil {
			return results, err
		}
		results = append(results, result)

		if err := e.store.MarkExecution(opts.Model, true); err != nil {
			e.logger.Warn("marking execution failed", "model", opts.Model, "error", err)
		}
	}
	return results, nil
}
