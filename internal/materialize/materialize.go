// Package materialize turns rendered model SQL into warehouse objects:
// views, tables, incrementally loaded tables, and CDC tables with row
// retirement.
package materialize

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	tserrors "github.com/tidemark-labs/tidesql/internal/errors"
	"github.com/tidemark-labs/tidesql/internal/parser"
	"github.com/tidemark-labs/tidesql/internal/registry"
	"github.com/tidemark-labs/tidesql/internal/state"
	"github.com/tidemark-labs/tidesql/internal/warehouse"
)

// DefaultChunkSize is the CDC streaming chunk size when the project does
// not override it.
const DefaultChunkSize = 10_000_000

// retireBatchSize caps keys per retirement UPDATE and rows per multi-row
// INSERT.
const retireBatchSize = 1000

// Result statuses.
const (
	StatusCreated     = "created"
	StatusInitialLoad = "initial_load"
	StatusUpdated     = "updated"
	StatusMerged      = "merged"
	StatusAppended    = "appended"
)

// Config carries the target namespace and CDC tuning.
type Config struct {
	Database  string
	Schema    string
	ChunkSize int
}

// Result reports one model materialization.
type Result struct {
	Model         string        `json:"model"`
	Strategy      string        `json:"strategy"`
	Status        string        `json:"status"`
	RowsProcessed int64         `json:"rows_processed"`
	RowsRetired   int64         `json:"rows_retired,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// Materializer resolves a parsed model into executable SQL and
// dispatches on its materialization strategy.
type Materializer struct {
	client warehouse.Client
	reg    *registry.Registry
	store  *state.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Materializer. A nil logger discards output.
func New(client warehouse.Client, reg *registry.Registry, store *state.Store, cfg Config, logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	return &Materializer{
		client: client,
		reg:    reg,
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Materialize builds one model. The strategy comes from the model
// configuration; vars fill $name placeholders with typed literals.
func (m *Materializer) Materialize(ctx context.Context, model *parser.ParsedModel, cfg *registry.ModelConfig, vars map[string]any) (*Result, error) {
	start := m.now()

	sqlText, err := m.Resolve(model, vars)
	if err != nil {
		return nil, err
	}

	strategy := cfg.Materialized
	if strategy == "" {
		strategy = registry.MaterializedView
	}
	qualified := m.QualifiedName(model.Name)

	m.logger.Info("materializing", "model", model.Name, "strategy", strategy, "target", qualified)

	var result *Result
	switch strategy {
	case registry.MaterializedView:
		result, err = m.createAs(ctx, model.Name, strategy, "VIEW", qualified, sqlText)
	case registry.MaterializedTable:
		result, err = m.createAs(ctx, model.Name, strategy, "TABLE", qualified, sqlText)
	case registry.MaterializedTempTable:
		result, err = m.createAs(ctx, model.Name, strategy, "TEMPORARY TABLE", qualified, sqlText)
	case registry.MaterializedIncremental:
		result, err = m.incremental(ctx, model, cfg, qualified, sqlText)
	case registry.MaterializedCDC:
		result, err = m.cdc(ctx, model, cfg, qualified, sqlText)
	default:
		return nil, &tserrors.MaterializationError{
			Model:    model.Name,
			Strategy: strategy,
			Message:  fmt.Sprintf("unknown materialization %q", strategy),
		}
	}
	if err != nil {
		return nil, err
	}

	result.Duration = m.now().Sub(start)
	m.logger.Info("materialized",
		"model", model.Name, "status", result.Status,
		"rows", result.RowsProcessed, "duration", result.Duration)
	return result, nil
}

var variablePattern = regexp.MustCompile(`\$([a-zA-Z_][a-zA-Z0-9_]*)`)

// Resolve substitutes $variables with typed literals and swaps template
// placeholders for fully qualified names. Unresolved variables fail; an
// unknown source falls back to its bare table name with a warning.
func (m *Materializer) Resolve(model *parser.ParsedModel, vars map[string]any) (string, error) {
	var missing []string
	text := variablePattern.ReplaceAllStringFunc(model.RenderedSource, func(match string) string {
		name := match[1:]
		value, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		return warehouse.FormatLiteral(value)
	})
	if len(missing) > 0 {
		return "", &tserrors.MaterializationError{
			Model:   model.Name,
			Message: fmt.Sprintf("unresolved variables: $%s", strings.Join(missing, ", $")),
		}
	}

	this := m.QualifiedName(model.Name)
	text = strings.ReplaceAll(text, "__THIS__", this)
	text = strings.ReplaceAll(text, parser.FormatPlaceholder("ref", model.Name), this)

	for _, ref := range model.Refs {
		text = strings.ReplaceAll(text,
			parser.FormatPlaceholder("ref", ref), m.QualifiedName(ref))
	}
	for _, src := range model.Sources {
		qualified, ok := m.reg.ResolveSource(src.Source, src.Table)
		if !ok {
			m.logger.Warn("source not declared, using bare table name",
				"model", model.Name, "source", src.Source, "table", src.Table)
		}
		text = strings.ReplaceAll(text,
			parser.FormatPlaceholder("source", src.Source, src.Table), qualified)
	}
	return text, nil
}

// QualifiedName maps a model name to its warehouse object name. Names
// already carrying a dotted prefix pass through unchanged.
func (m *Materializer) QualifiedName(name string) string {
	if strings.Contains(name, ".") {
		return name
	}
	return fmt.Sprintf("%s.%s.%s", m.cfg.Database, m.cfg.Schema, strings.ToUpper(name))
}

// createAs runs the single-statement strategies: view, table, temp table.
func (m *Materializer) createAs(ctx context.Context, model, strategy, object, qualified, sqlText string) (*Result, error) {
	stmt := fmt.Sprintf("CREATE OR REPLACE %s %s AS %s", object, qualified, sqlText)
	if _, err := m.client.Execute(ctx, stmt, nil, false); err != nil {
		return nil, &tserrors.MaterializationError{
			Model:    model,
			Strategy: strategy,
			Message:  fmt.Sprintf("creating %s", strings.ToLower(object)),
			Err:      err,
		}
	}
	return &Result{Model: model, Strategy: strategy, Status: StatusCreated}, nil
}

// tableExists probes information_schema for the target table.
func (m *Materializer) tableExists(ctx context.Context, qualified string) (bool, error) {
	parts := strings.Split(qualified, ".")
	table := parts[len(parts)-1]
	schema := m.cfg.Schema
	if len(parts) >= 2 {
		schema = parts[len(parts)-2]
	}

	query := fmt.Sprintf(
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_name = UPPER('%s') AND table_schema = UPPER('%s')",
		table, schema)
	rows, err := m.client.Execute(ctx, query, nil, true)
	if err != nil {
		return false, err
	}
	if rows.Len() == 0 {
		return false, nil
	}
	for _, v := range rows.Rows[0] {
		return toInt64(v) > 0, nil
	}
	return false, nil
}

// timestamp renders now in the literal format the warehouse layer uses.
func (m *Materializer) timestamp() string {
	return m.now().UTC().Format("2006-01-02T15:04:05.000Z")
}

func toInt64(v any) int64 {
	switch value := v.(type) {
	case int64:
		return value
	case int:
		return int64(value)
	case int32:
		return int64(value)
	case float64:
		return int64(value)
	case string:
		var n int64
		fmt.Sscanf(value, "%d", &n)
		return n
	default:
		return 0
	}
}
