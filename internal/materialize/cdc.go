package materialize

import (
	"context"
	"fmt"
	"strings"

	tserrors "github.com/tidemark-labs/tidesql/internal/errors"
	"github.com/tidemark-labs/tidesql/internal/parser"
	"github.com/tidemark-labs/tidesql/internal/registry"
	"github.com/tidemark-labs/tidesql/internal/warehouse"
)

// CDC metadata columns on the target table. A NULL obsolete_date marks
// the current row for its key.
const (
	cdcTimestampColumn = "__CDC_TIMESTAMP"
	obsoleteDateColumn = "obsolete_date"
)

// cdc maintains a slowly changing target: inserts add current rows,
// updates retire the prior version and insert a new one, deletes and
// expiries retire only.
func (m *Materializer) cdc(ctx context.Context, model *parser.ParsedModel, cfg *registry.ModelConfig, qualified, sqlText string) (*Result, error) {
	exists, err := m.tableExists(ctx, qualified)
	if err != nil {
		return nil, m.cdcErr(model.Name, "checking target existence", err)
	}
	if !exists {
		return m.cdcInitialLoad(ctx, model, cfg, qualified, sqlText)
	}
	return m.cdcIncremental(ctx, model, cfg, qualified, sqlText)
}

// cdcInitialLoad creates the clustered target with the CDC columns
// appended, dedupes the input by key keeping the last version, and bulk
// inserts it.
func (m *Materializer) cdcInitialLoad(ctx context.Context, model *parser.ParsedModel, cfg *registry.ModelConfig, qualified, sqlText string) (*Result, error) {
	create := fmt.Sprintf(
		"CREATE TABLE %s CLUSTER BY (%s) AS SELECT src.*, CAST(NULL AS TIMESTAMP) AS %s, CAST(NULL AS TIMESTAMP) AS %s FROM (%s) src LIMIT 0",
		qualified, cfg.UniqueKey, cdcTimestampColumn, obsoleteDateColumn, sqlText)
	if _, err := m.client.Execute(ctx, create, nil, false); err != nil {
		return nil, m.cdcErr(model.Name, "creating target", err)
	}

	input, err := m.client.Execute(ctx, sqlText, nil, true)
	if err != nil {
		return nil, m.cdcErr(model.Name, "reading input", err)
	}

	opColumn := cfg.ChangeTypeColumn()
	rows := dedupeByKey(normalizeOps(input.Rows, opColumn), cfg.UniqueKey)
	rows = m.prepareInsertRows(rows)

	if err := m.bulkInsert(ctx, qualified, insertColumns(input.Columns), rows); err != nil {
		return nil, m.cdcErr(model.Name, "initial bulk insert", err)
	}
	return &Result{
		Model:         model.Name,
		Strategy:      registry.MaterializedCDC,
		Status:        StatusInitialLoad,
		RowsProcessed: int64(len(rows)),
	}, nil
}

// cdcIncremental stages the input and streams it in chunks, applying the
// insert/retire state machine per chunk.
func (m *Materializer) cdcIncremental(ctx context.Context, model *parser.ParsedModel, cfg *registry.ModelConfig, qualified, sqlText string) (*Result, error) {
	staging := fmt.Sprintf("%s_staging_%s", model.Name, m.now().UTC().Format("20060102150405"))

	stage := fmt.Sprintf("CREATE TEMPORARY TABLE %s CLUSTER BY (%s) AS %s",
		staging, cfg.UniqueKey, sqlText)
	if _, err := m.client.Execute(ctx, stage, nil, false); err != nil {
		return nil, m.cdcErr(model.Name, "staging input", err)
	}
	defer m.dropTable(ctx, staging)

	opColumn := cfg.ChangeTypeColumn()
	var processed, retired int64
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, m.cdcErr(model.Name, "cancelled between chunks", err)
		}

		chunkSQL := fmt.Sprintf("SELECT * FROM %s LIMIT %d OFFSET %d",
			staging, m.cfg.ChunkSize, offset)
		chunk, err := m.client.Execute(ctx, chunkSQL, nil, true)
		if err != nil {
			return nil, m.cdcErr(model.Name,
				fmt.Sprintf("reading chunk at offset %d (chunk_size %d)", offset, m.cfg.ChunkSize), err)
		}
		if chunk.Len() == 0 {
			break
		}

		chunkRetired, err := m.cdcChunk(ctx, qualified, cfg.UniqueKey, opColumn, chunk)
		if err != nil {
			return nil, m.cdcErr(model.Name,
				fmt.Sprintf("applying chunk at offset %d (chunk_size %d)", offset, m.cfg.ChunkSize), err)
		}
		processed += int64(chunk.Len())
		retired += chunkRetired

		if chunk.Len() < m.cfg.ChunkSize {
			break
		}
		offset += m.cfg.ChunkSize
	}

	return &Result{
		Model:         model.Name,
		Strategy:      registry.MaterializedCDC,
		Status:        StatusUpdated,
		RowsProcessed: processed,
		RowsRetired:   retired,
	}, nil
}

// cdcChunk applies one chunk: I inserts, U retires then inserts, D and E
// retire only. Returns the number of retirement keys submitted.
func (m *Materializer) cdcChunk(ctx context.Context, qualified, key, opColumn string, chunk *warehouse.Rows) (int64, error) {
	groups := splitByOp(chunk.Rows, opColumn)
	columns := insertColumns(chunk.Columns)
	var retired int64

	if inserts := groups["I"]; len(inserts) > 0 {
		if err := m.bulkInsert(ctx, qualified, columns, m.prepareInsertRows(inserts)); err != nil {
			return retired, err
		}
	}

	if updates := groups["U"]; len(updates) > 0 {
		keys := keyValues(updates, key)
		if err := m.retireKeys(ctx, qualified, key, keys); err != nil {
			return retired, err
		}
		retired += int64(len(keys))
		if err := m.bulkInsert(ctx, qualified, columns, m.prepareInsertRows(updates)); err != nil {
			return retired, err
		}
	}

	for _, op := range []string{"D", "E"} {
		rows := groups[op]
		if len(rows) == 0 {
			continue
		}
		keys := keyValues(rows, key)
		if err := m.retireKeys(ctx, qualified, key, keys); err != nil {
			return retired, err
		}
		retired += int64(len(keys))
	}
	return retired, nil
}

// prepareInsertRows strips stale metadata and stamps fresh values: the
// row becomes current (obsolete_date NULL) as of now.
func (m *Materializer) prepareInsertRows(rows []map[string]any) []map[string]any {
	rows = withoutColumns(rows, cdcTimestampColumn, obsoleteDateColumn)
	rows = withColumn(rows, cdcTimestampColumn, m.now().UTC())
	return withColumn(rows, obsoleteDateColumn, nil)
}

// insertColumns is the target column order: input columns minus stale
// metadata, with the CDC columns appended.
func insertColumns(columns []string) []string {
	out := make([]string, 0, len(columns)+2)
	for _, col := range columns {
		if col == cdcTimestampColumn || col == obsoleteDateColumn {
			continue
		}
		out = append(out, col)
	}
	return append(out, cdcTimestampColumn, obsoleteDateColumn)
}

// retireKeys marks prior versions obsolete, at most retireBatchSize keys
// per statement.
func (m *Materializer) retireKeys(ctx context.Context, qualified, key string, keys []any) error {
	for _, group := range batch(keys, retireBatchSize) {
		literals := make([]string, len(group))
		for i, k := range group {
			literals[i] = warehouse.FormatLiteral(k)
		}
		stmt := fmt.Sprintf(
			"UPDATE %s SET %s = CURRENT_TIMESTAMP() WHERE %s IN (%s) AND %s IS NULL",
			qualified, obsoleteDateColumn, key, strings.Join(literals, ", "), obsoleteDateColumn)
		if _, err := m.client.Execute(ctx, stmt, nil, false); err != nil {
			return err
		}
	}
	return nil
}

// bulkInsert loads rows through a same-shape temp table: batched
// multi-row VALUES into the temp, then one INSERT SELECT into the target.
func (m *Materializer) bulkInsert(ctx context.Context, target string, columns []string, rows []map[string]any) error {
	if len(rows) == 0 {
		return nil
	}

	tmp := lastIdent(target) + "_insert_tmp"
	create := fmt.Sprintf("CREATE TEMPORARY TABLE %s AS SELECT * FROM %s LIMIT 0", tmp, target)
	if _, err := m.client.Execute(ctx, create, nil, false); err != nil {
		return err
	}
	defer m.dropTable(ctx, tmp)

	for _, group := range batch(rows, retireBatchSize) {
		values := make([]string, len(group))
		for i, row := range group {
			cells := make([]string, len(columns))
			for j, col := range columns {
				cells[j] = warehouse.FormatLiteral(row[col])
			}
			values[i] = "(" + strings.Join(cells, ", ") + ")"
		}
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
			tmp, strings.Join(columns, ", "), strings.Join(values, ", "))
		if _, err := m.client.Execute(ctx, stmt, nil, false); err != nil {
			return err
		}
	}

	final := fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", target, tmp)
	_, err := m.client.Execute(ctx, final, nil, false)
	return err
}

func lastIdent(qualified string) string {
	parts := strings.Split(qualified, ".")
	return parts[len(parts)-1]
}

func (m *Materializer) cdcErr(model, msg string, err error) error {
	return &tserrors.MaterializationError{
		Model:    model,
		Strategy: registry.MaterializedCDC,
		Message:  msg,
		Err:      err,
	}
}
