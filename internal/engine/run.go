package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tidemark-labs/tidesql/internal/dag"
	"github.com/tidemark-labs/tidesql/internal/history"
	"github.com/tidemark-labs/tidesql/internal/parser"
	"github.com/tidemark-labs/tidesql/internal/plan"
	"github.com/tidemark-labs/tidesql/internal/registry"
)

// Per-model run statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// RunOptions selects and parameterizes one run.
type RunOptions struct {
	// Select restricts the run to these models plus their upstream
	// closure; nil runs everything.
	Select []string

	// Vars overlays the project vars for this run.
	Vars map[string]any

	// DryRun resolves SQL without executing or mutating state.
	DryRun bool

	// FullRefresh forces every selected model to rebuild.
	FullRefresh bool
}

// ModelResult is the outcome for one model in a run.
type ModelResult struct {
	Model         string        `json:"model"`
	Status        string        `json:"status"`
	Materialized  string        `json:"materialized"`
	RowsProcessed int64         `json:"rows_processed,omitempty"`
	RowsRetired   int64         `json:"rows_retired,omitempty"`
	Duration      time.Duration `json:"duration"`
	Error         string        `json:"error,omitempty"`

	// SQL carries the fully resolved statement on dry runs only.
	SQL string `json:"sql,omitempty"`
}

// Report is the full outcome of one run.
type Report struct {
	RunID       string              `json:"run_id,omitempty"`
	Environment string              `json:"environment"`
	DryRun      bool                `json:"dry_run,omitempty"`
	Plan        *plan.ExecutionPlan `json:"plan"`
	Results     []ModelResult       `json:"results"`
	Duration    time.Duration       `json:"duration"`
}

// Counts tallies results by status.
func (r *Report) Counts() (succeeded, failed, skipped int) {
	for _, res := range r.Results {
		switch res.Status {
		case StatusSuccess:
			succeeded++
		case StatusFailed:
			failed++
		case StatusSkipped:
			skipped++
		}
	}
	return succeeded, failed, skipped
}

// HasFailures reports whether any model failed.
func (r *Report) HasFailures() bool {
	_, failed, _ := r.Counts()
	return failed > 0
}

// Summary renders a one-line outcome.
func (r *Report) Summary() string {
	succeeded, failed, skipped := r.Counts()
	return fmt.Sprintf("%d succeeded, %d failed, %d skipped", succeeded, failed, skipped)
}

// Run plans and executes the selected models level by level. Model
// failures are recorded in the report, not returned as an error; the
// error covers planning and orchestration problems only.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	start := time.Now()

	execPlan, err := e.Plan(opts.Select, opts.FullRefresh)
	if err != nil {
		return nil, err
	}

	vars := mergeVars(e.project.Vars, opts.Vars)
	report := &Report{Environment: e.env, DryRun: opts.DryRun, Plan: execPlan}

	if opts.DryRun {
		e.dryRun(execPlan, vars, report)
		report.Duration = time.Since(start)
		return report, nil
	}

	models, configs, graph := e.snapshot()

	// models gone from the project: their state entry is stale
	for _, change := range execPlan.Changes {
		if change.Type != plan.ChangeDelete {
			continue
		}
		e.logger.Info("clearing state for removed model", "model", change.Name)
		if err := e.store.Clear(change.Name); err != nil {
			e.logger.Warn("clearing state failed", "model", change.Name, "error", err)
		}
	}

	var runID string
	if e.history != nil {
		run, err := e.history.CreateRun(e.env)
		if err != nil {
			e.logger.Warn("recording run failed", "error", err)
		} else {
			runID = run.ID
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	results := make(map[string]ModelResult)
	failed := make(map[string]struct{})

	for _, level := range execPlan.ExecutionOrder {
		var g errgroup.Group
		g.SetLimit(e.maxParallelism())

		for _, name := range level {
			g.Go(func() error {
				mu.Lock()
				reason := skipReason(runCtx, name, graph.AllDependencies(name), failed)
				if reason != "" {
					skipped := ModelResult{
						Model:        name,
						Status:       StatusSkipped,
						Materialized: materializedOf(configs[name]),
						Error:        reason,
					}
					results[name] = skipped
					failed[name] = struct{}{}
					mu.Unlock()
					e.recordModelRun(runID, skipped)
					return nil
				}
				mu.Unlock()

				res := e.runModel(runCtx, name, models, configs, graph, vars)

				mu.Lock()
				results[name] = res
				if res.Status == StatusFailed {
					failed[name] = struct{}{}
					if e.project.FailFast {
						cancel()
					}
				}
				mu.Unlock()

				e.recordModelRun(runID, res)
				return nil
			})
		}
		g.Wait()
	}

	for _, level := range execPlan.ExecutionOrder {
		for _, name := range level {
			report.Results = append(report.Results, results[name])
		}
	}
	report.RunID = runID
	report.Duration = time.Since(start)

	e.completeRun(runID, report)
	e.logger.Info("run finished",
		"environment", e.env, "summary", report.Summary(), "duration", report.Duration)
	return report, nil
}

// skipReason decides whether a model must be skipped before it starts.
// Callers hold the results mutex.
func skipReason(ctx context.Context, name string, upstream []string, failed map[string]struct{}) string {
	if ctx.Err() != nil {
		return "run cancelled"
	}
	for _, dep := range upstream {
		if _, ok := failed[dep]; ok {
			return fmt.Sprintf("upstream model %q failed", dep)
		}
	}
	return ""
}

func (e *Engine) runModel(
	ctx context.Context,
	name string,
	models map[string]*parser.ParsedModel,
	configs map[string]*registry.ModelConfig,
	graph *dag.Graph,
	vars map[string]any,
) ModelResult {
	model := models[name]
	cfg := configs[name]
	start := time.Now()

	matResult, err := e.mat.Materialize(ctx, model, cfg, vars)

	res := ModelResult{
		Model:        name,
		Materialized: materializedOf(cfg),
		Duration:     time.Since(start),
	}
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		e.logger.Error("model failed", "model", name, "error", err)
	} else {
		res.Status = StatusSuccess
		res.RowsProcessed = matResult.RowsProcessed
		res.RowsRetired = matResult.RowsRetired
		if ferr := e.store.UpdateFingerprint(name, model.ContentHash, cfg.Hash(), graph.Dependencies(name)); ferr != nil {
			e.logger.Warn("updating fingerprint failed", "model", name, "error", ferr)
		}
	}
	if merr := e.store.MarkExecution(name, err == nil); merr != nil {
		e.logger.Warn("marking execution failed", "model", name, "error", merr)
	}
	return res
}

// dryRun resolves SQL for every planned model without touching the
// warehouse or the state store.
func (e *Engine) dryRun(execPlan *plan.ExecutionPlan, vars map[string]any, report *Report) {
	models, configs, _ := e.snapshot()

	for _, level := range execPlan.ExecutionOrder {
		for _, name := range level {
			res := ModelResult{
				Model:        name,
				Materialized: materializedOf(configs[name]),
			}
			sqlText, err := e.mat.Resolve(models[name], vars)
			if err != nil {
				res.Status = StatusFailed
				res.Error = err.Error()
			} else {
				res.Status = StatusSuccess
				res.SQL = sqlText
			}
			report.Results = append(report.Results, res)
		}
	}
}

func (e *Engine) recordModelRun(runID string, res ModelResult) {
	if e.history == nil || runID == "" {
		return
	}
	err := e.history.RecordModelRun(history.ModelRun{
		RunID:         runID,
		Model:         res.Model,
		Status:        res.Status,
		DurationMS:    res.Duration.Milliseconds(),
		RowsProcessed: res.RowsProcessed,
		Error:         res.Error,
	})
	if err != nil {
		e.logger.Warn("recording model run failed", "model", res.Model, "error", err)
	}
}

func (e *Engine) completeRun(runID string, report *Report) {
	if e.history == nil || runID == "" {
		return
	}
	status := history.RunStatusSuccess
	errMsg := ""
	if report.HasFailures() {
		status = history.RunStatusFailed
		_, failed, _ := report.Counts()
		errMsg = fmt.Sprintf("%d models failed", failed)
	}
	if err := e.history.CompleteRun(runID, status, errMsg); err != nil {
		e.logger.Warn("completing run failed", "run_id", runID, "error", err)
	}
}

func materializedOf(cfg *registry.ModelConfig) string {
	if cfg == nil || cfg.Materialized == "" {
		return registry.MaterializedView
	}
	return cfg.Materialized
}

// mergeVars overlays run vars on the project vars.
func mergeVars(base, overlay map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}
