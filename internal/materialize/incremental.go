package materialize

import (
	"context"
	"fmt"
	"time"

	tserrors "github.com/tidemark-labs/tidesql/internal/errors"
	"github.com/tidemark-labs/tidesql/internal/parser"
	"github.com/tidemark-labs/tidesql/internal/registry"
)

// watermarkKey is the incremental-state key the time strategy maintains.
const watermarkKey = "last_processed_time"

// incremental dispatches on the incremental strategy. The first run of
// every strategy is a plain CTAS.
func (m *Materializer) incremental(ctx context.Context, model *parser.ParsedModel, cfg *registry.ModelConfig, qualified, sqlText string) (*Result, error) {
	strategy := cfg.IncrementalStrategy
	if strategy == "" {
		strategy = registry.StrategyAppend
	}

	exists, err := m.tableExists(ctx, qualified)
	if err != nil {
		return nil, m.incrementalErr(model.Name, strategy, "checking target existence", err)
	}

	if !exists {
		stmt := fmt.Sprintf("CREATE TABLE %s AS %s", qualified, sqlText)
		if _, err := m.client.Execute(ctx, stmt, nil, false); err != nil {
			return nil, m.incrementalErr(model.Name, strategy, "initial load", err)
		}
		if strategy == registry.StrategyTime {
			if err := m.store.SetIncremental(model.Name, watermarkKey, m.timestamp()); err != nil {
				return nil, err
			}
		}
		return &Result{
			Model:    model.Name,
			Strategy: strategy,
			Status:   StatusInitialLoad,
		}, nil
	}

	switch strategy {
	case registry.StrategyTime:
		return m.incrementalTime(ctx, model, cfg, qualified, sqlText)
	case registry.StrategyUniqueKey:
		return m.incrementalMerge(ctx, model, cfg, qualified, sqlText)
	case registry.StrategyAppend:
		stmt := fmt.Sprintf("INSERT INTO %s %s", qualified, sqlText)
		if _, err := m.client.Execute(ctx, stmt, nil, false); err != nil {
			return nil, m.incrementalErr(model.Name, strategy, "appending", err)
		}
		return &Result{Model: model.Name, Strategy: strategy, Status: StatusAppended}, nil
	default:
		return nil, m.incrementalErr(model.Name, strategy,
			fmt.Sprintf("unknown incremental strategy %q", strategy), nil)
	}
}

// incrementalTime inserts only rows newer than the watermark. A missing
// watermark falls back to MAX(time_column) on the target; an empty target
// loads everything.
func (m *Materializer) incrementalTime(ctx context.Context, model *parser.ParsedModel, cfg *registry.ModelConfig, qualified, sqlText string) (*Result, error) {
	watermark, ok := m.store.GetIncremental(model.Name, watermarkKey)
	if !ok {
		query := fmt.Sprintf("SELECT MAX(%s) FROM %s", cfg.TimeColumn, qualified)
		rows, err := m.client.Execute(ctx, query, nil, true)
		if err != nil {
			return nil, m.incrementalErr(model.Name, registry.StrategyTime, "reading watermark", err)
		}
		watermark = scalarString(rows.Rows)
	}

	stmt := fmt.Sprintf("INSERT INTO %s SELECT * FROM (%s)", qualified, sqlText)
	if watermark != "" {
		stmt += fmt.Sprintf(" WHERE %s > '%s'", cfg.TimeColumn, watermark)
	}
	if _, err := m.client.Execute(ctx, stmt, nil, false); err != nil {
		return nil, m.incrementalErr(model.Name, registry.StrategyTime, "inserting new rows", err)
	}

	if err := m.store.SetIncremental(model.Name, watermarkKey, m.timestamp()); err != nil {
		return nil, err
	}
	return &Result{Model: model.Name, Strategy: registry.StrategyTime, Status: StatusUpdated}, nil
}

// incrementalMerge stages the select into a temp table and merges it into
// the target on the unique key.
func (m *Materializer) incrementalMerge(ctx context.Context, model *parser.ParsedModel, cfg *registry.ModelConfig, qualified, sqlText string) (*Result, error) {
	tmp := qualified + "_tmp"

	stage := fmt.Sprintf("CREATE OR REPLACE TEMPORARY TABLE %s AS %s", tmp, sqlText)
	if _, err := m.client.Execute(ctx, stage, nil, false); err != nil {
		return nil, m.incrementalErr(model.Name, registry.StrategyUniqueKey, "staging merge input", err)
	}
	defer m.dropTable(ctx, tmp)

	merge := fmt.Sprintf(
		"MERGE INTO %s AS target USING %s AS src ON target.%s = src.%s WHEN MATCHED THEN UPDATE SET * WHEN NOT MATCHED THEN INSERT *",
		qualified, tmp, cfg.UniqueKey, cfg.UniqueKey)
	if _, err := m.client.Execute(ctx, merge, nil, false); err != nil {
		return nil, m.incrementalErr(model.Name, registry.StrategyUniqueKey, "merging", err)
	}
	return &Result{Model: model.Name, Strategy: registry.StrategyUniqueKey, Status: StatusMerged}, nil
}

// dropTable is the unconditional cleanup path; it runs even after
// cancellation and never masks the caller's error.
func (m *Materializer) dropTable(ctx context.Context, name string) {
	cleanupCtx := context.WithoutCancel(ctx)
	stmt := fmt.Sprintf("DROP TABLE IF EXISTS %s", name)
	if _, err := m.client.Execute(cleanupCtx, stmt, nil, false); err != nil {
		m.logger.Warn("dropping temp table failed", "table", name, "error", err)
	}
}

func (m *Materializer) incrementalErr(model, strategy, msg string, err error) error {
	return &tserrors.MaterializationError{
		Model:    model,
		Strategy: registry.MaterializedIncremental + "/" + strategy,
		Message:  msg,
		Err:      err,
	}
}

// scalarString renders the single value of a one-cell result, or "".
func scalarString(rows []map[string]any) string {
	if len(rows) == 0 {
		return ""
	}
	for _, v := range rows[0] {
		switch value := v.(type) {
		case nil:
			return ""
		case time.Time:
			return value.UTC().Format("2006-01-02T15:04:05.000Z")
		case string:
			return value
		default:
			return fmt.Sprintf("%v", value)
		}
	}
	return ""
}
