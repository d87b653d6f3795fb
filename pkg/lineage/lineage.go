// Package lineage parses SQL SELECT statements and extracts column-level
// lineage: for every output column, the source (table, column) pairs it
// derives from and the functions applied along the way.
//
// The parser covers the analytical SELECT surface this project emits:
// CTEs, joins, set operations, window functions, CASE, CAST, and $name
// substitution parameters. Parameters lex as their own token and never
// contribute sources.
package lineage

import (
	"sort"
	"strconv"
	"strings"
)

// SourceColumn identifies a column in a source table.
type SourceColumn struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}

// ColumnLineage describes where a single output column comes from.
// Transforms carries one canonical function name per function call
// encountered walking the column's expression.
type ColumnLineage struct {
	Name       string         `json:"name"`
	Sources    []SourceColumn `json:"sources"`
	Transforms []string       `json:"transforms,omitempty"`
}

// ModelLineage is the complete lineage of one model's SELECT statement.
// Sources is the deduplicated, sorted set of referenced tables.
type ModelLineage struct {
	Model   string                    `json:"model"`
	Columns map[string]*ColumnLineage `json:"columns"`
	Sources []string                  `json:"sources"`
}

// Extract parses sql and returns its column lineage. The model name is
// recorded on the result as-is.
func Extract(sql, model string) (*ModelLineage, error) {
	stmt, err := Parse(sql)
	if err != nil {
		return nil, err
	}

	ex := &extractor{sources: make(map[string]struct{})}
	columns := ex.statement(stmt)

	result := &ModelLineage{
		Model:   model,
		Columns: make(map[string]*ColumnLineage, len(columns)),
	}
	for _, col := range columns {
		result.Columns[col.Name] = col
	}
	for s := range ex.sources {
		result.Sources = append(result.Sources, s)
	}
	sort.Strings(result.Sources)
	return result, nil
}

// scope maps the aliases visible in one SELECT to real table names. CTE
// names resolve to their own underlying sources rather than to a table.
type scope struct {
	tables map[string]string              // alias or name -> real table
	ctes   map[string][]*ColumnLineage    // CTE name -> its output lineage
	cteSrc map[string]map[string]struct{} // CTE name -> underlying tables
}

func newScope() *scope {
	return &scope{
		tables: make(map[string]string),
		ctes:   make(map[string][]*ColumnLineage),
		cteSrc: make(map[string]map[string]struct{}),
	}
}

type extractor struct {
	sources map[string]struct{}
}

func (e *extractor) statement(stmt *SelectStmt) []*ColumnLineage {
	sc := newScope()
	return e.statementInScope(stmt, sc)
}

func (e *extractor) statementInScope(stmt *SelectStmt, parent *scope) []*ColumnLineage {
	sc := newScope()
	for name, cols := range parent.ctes {
		sc.ctes[name] = cols
		sc.cteSrc[name] = parent.cteSrc[name]
	}

	for _, cte := range stmt.CTEs {
		inner := &extractor{sources: make(map[string]struct{})}
		cols := inner.statementInScope(cte.Select, sc)
		sc.ctes[cte.Name] = cols
		sc.cteSrc[cte.Name] = inner.sources
	}

	columns := e.core(stmt.Core, sc)

	// Set operations: output columns come from the first core, sources
	// accumulate from every branch.
	for _, setOp := range stmt.SetOps {
		branch := e.core(setOp.Right, sc)
		for i, col := range columns {
			if i < len(branch) {
				col.Sources = mergeSources(col.Sources, branch[i].Sources)
			}
		}
	}
	return columns
}

func (e *extractor) core(core *SelectCore, sc *scope) []*ColumnLineage {
	if core == nil {
		return nil
	}

	local := &scope{tables: make(map[string]string), ctes: sc.ctes, cteSrc: sc.cteSrc}
	if core.From != nil {
		e.registerTable(core.From, local)
	}
	for _, join := range core.Joins {
		e.registerTable(join.Right, local)
	}

	var columns []*ColumnLineage
	for _, item := range core.Items {
		columns = append(columns, e.selectItem(item, local, len(columns))...)
	}
	return columns
}

func (e *extractor) registerTable(ref TableRef, sc *scope) {
	switch t := ref.(type) {
	case *TableName:
		name := joinParts(t.Parts)
		key := t.Alias
		if key == "" {
			key = t.Name()
		}
		if _, isCTE := sc.ctes[t.Name()]; isCTE && len(t.Parts) == 1 {
			// CTE reference: underlying sources flow through, the CTE
			// name itself is not an external source.
			sc.tables[key] = "" // resolvable alias, no direct table
			for s := range sc.cteSrc[t.Name()] {
				e.sources[s] = struct{}{}
			}
			return
		}
		sc.tables[key] = name
		e.sources[name] = struct{}{}
	case *Subquery:
		inner := &extractor{sources: make(map[string]struct{})}
		inner.statementInScope(t.Select, sc)
		for s := range inner.sources {
			e.sources[s] = struct{}{}
		}
		if t.Alias != "" {
			sc.tables[t.Alias] = ""
		}
	}
}

func (e *extractor) selectItem(item *SelectItem, sc *scope, index int) []*ColumnLineage {
	if item.Star || item.TableStar != "" {
		return e.expandStar(item.TableStar, sc)
	}

	col := &ColumnLineage{}
	e.walkExpr(item.Expr, sc, col)
	col.Sources = dedupeSources(col.Sources)

	name := item.Alias
	if name == "" {
		name = inferName(item.Expr, index)
	}
	col.Name = name
	return []*ColumnLineage{col}
}

// expandStar maps SELECT * (or t.*) onto a single wildcard lineage entry
// per matched table; column sets are unknown without warehouse metadata.
func (e *extractor) expandStar(tableName string, sc *scope) []*ColumnLineage {
	col := &ColumnLineage{Name: "*"}
	if tableName != "" {
		col.Name = tableName + ".*"
		if real, ok := sc.tables[tableName]; ok && real != "" {
			col.Sources = []SourceColumn{{Table: real, Column: "*"}}
		}
		return []*ColumnLineage{col}
	}
	for _, real := range sortedValues(sc.tables) {
		if real != "" {
			col.Sources = append(col.Sources, SourceColumn{Table: real, Column: "*"})
		}
	}
	return []*ColumnLineage{col}
}

// walkExpr accumulates sources and transform tags for one output column.
// Scalar subqueries are deliberately not folded into the outer column;
// their tables still count as model-level sources via registerTable.
func (e *extractor) walkExpr(expr Expr, sc *scope, col *ColumnLineage) {
	switch ex := expr.(type) {
	case *ColumnRef:
		col.Sources = append(col.Sources, e.resolveColumn(ex, sc)...)
	case *Literal, *Param, nil:
		// no sources
	case *FuncCall:
		col.Transforms = append(col.Transforms, canonicalFunc(ex.Name))
		for _, arg := range ex.Args {
			e.walkExpr(arg, sc, col)
		}
		if ex.Over != nil {
			for _, p := range ex.Over.PartitionBy {
				e.walkExpr(p, sc, col)
			}
			for _, o := range ex.Over.OrderBy {
				e.walkExpr(o, sc, col)
			}
		}
	case *BinaryExpr:
		e.walkExpr(ex.Left, sc, col)
		e.walkExpr(ex.Right, sc, col)
	case *UnaryExpr:
		e.walkExpr(ex.Expr, sc, col)
	case *CaseExpr:
		e.walkExpr(ex.Operand, sc, col)
		for _, when := range ex.Whens {
			e.walkExpr(when.Cond, sc, col)
			e.walkExpr(when.Then, sc, col)
		}
		e.walkExpr(ex.Else, sc, col)
	case *CastExpr:
		col.Transforms = append(col.Transforms, "CAST")
		e.walkExpr(ex.Expr, sc, col)
	case *ParenExpr:
		e.walkExpr(ex.Expr, sc, col)
	case *SubqueryExpr:
		inner := &extractor{sources: e.sources}
		inner.statementInScope(ex.Select, &scope{
			tables: make(map[string]string),
			ctes:   sc.ctes,
			cteSrc: sc.cteSrc,
		})
	case *InExpr:
		e.walkExpr(ex.Expr, sc, col)
		for _, item := range ex.List {
			e.walkExpr(item, sc, col)
		}
		if ex.Subquery != nil {
			inner := &extractor{sources: e.sources}
			inner.statementInScope(ex.Subquery, &scope{
				tables: make(map[string]string),
				ctes:   sc.ctes,
				cteSrc: sc.cteSrc,
			})
		}
	case *BetweenExpr:
		e.walkExpr(ex.Expr, sc, col)
		e.walkExpr(ex.Low, sc, col)
		e.walkExpr(ex.High, sc, col)
	}
}

func (e *extractor) resolveColumn(ref *ColumnRef, sc *scope) []SourceColumn {
	if ref.Table != "" {
		if cols, ok := sc.ctes[ref.Table]; ok {
			return cteColumnSources(cols, ref.Column)
		}
		if real, ok := sc.tables[ref.Table]; ok {
			if real == "" {
				// alias over a derived table or CTE; sources already
				// collected at registration
				return nil
			}
			return []SourceColumn{{Table: real, Column: ref.Column}}
		}
		return []SourceColumn{{Table: ref.Table, Column: ref.Column}}
	}

	// Unqualified: attribute to the sole table when unambiguous.
	var only string
	count := 0
	for _, real := range sc.tables {
		if real != "" {
			only = real
			count++
		}
	}
	if count == 1 {
		return []SourceColumn{{Table: only, Column: ref.Column}}
	}
	return []SourceColumn{{Column: ref.Column}}
}

// cteColumnSources maps a reference into a CTE back to the CTE's own
// source columns.
func cteColumnSources(cols []*ColumnLineage, column string) []SourceColumn {
	for _, col := range cols {
		if col.Name == column {
			return col.Sources
		}
	}
	return nil
}

func canonicalFunc(name string) string {
	return strings.ToUpper(name)
}

func inferName(expr Expr, index int) string {
	switch ex := expr.(type) {
	case *ColumnRef:
		return ex.Column
	case *FuncCall:
		return canonicalFunc(ex.Name)
	case *CastExpr:
		return inferName(ex.Expr, index)
	case *ParenExpr:
		return inferName(ex.Expr, index)
	}
	return columnName(index)
}

func columnName(index int) string {
	return "column_" + strconv.Itoa(index)
}

func joinParts(parts []string) string {
	return strings.Join(parts, ".")
}

func dedupeSources(sources []SourceColumn) []SourceColumn {
	seen := make(map[SourceColumn]struct{}, len(sources))
	out := sources[:0]
	for _, s := range sources {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func mergeSources(a, b []SourceColumn) []SourceColumn {
	return dedupeSources(append(a, b...))
}

func sortedValues(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}
