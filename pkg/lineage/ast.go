package lineage

// SelectStmt is a full SELECT statement, including any leading WITH clause
// and trailing set operations.
type SelectStmt struct {
	CTEs    []*CTE
	Core    *SelectCore
	SetOps  []*SetOp
	OrderBy []Expr
	Limit   Expr
	Offset  Expr
}

// CTE is a single WITH-clause entry.
type CTE struct {
	Name   string
	Select *SelectStmt
}

// SetOp is a UNION/INTERSECT/EXCEPT branch applied to the preceding core.
type SetOp struct {
	Op    string // UNION, UNION ALL, INTERSECT, EXCEPT
	Right *SelectCore
}

// SelectCore is one SELECT ... FROM ... block.
type SelectCore struct {
	Distinct bool
	Items    []*SelectItem
	From     TableRef
	Joins    []*Join
	Where    Expr
	GroupBy  []Expr
	Having   Expr
	Qualify  Expr
}

// SelectItem is one projected column.
type SelectItem struct {
	Star      bool   // SELECT *
	TableStar string // SELECT t.*
	Expr      Expr
	Alias     string
}

// Join is one JOIN arm in a FROM clause.
type Join struct {
	Type  string // INNER, LEFT, RIGHT, FULL, CROSS
	Right TableRef
	On    Expr
	Using []string
}

// TableRef is a table expression in a FROM clause.
type TableRef interface{ tableRef() }

// TableName is a possibly-qualified table reference.
type TableName struct {
	Parts []string // e.g. ["db", "schema", "table"] or ["table"]
	Alias string
}

// Subquery is a parenthesized SELECT used as a table.
type Subquery struct {
	Select *SelectStmt
	Alias  string
}

func (*TableName) tableRef() {}
func (*Subquery) tableRef()  {}

// Name returns the last (unqualified) path component.
func (t *TableName) Name() string {
	return t.Parts[len(t.Parts)-1]
}

// Expr is a scalar expression node.
type Expr interface{ expr() }

// ColumnRef references a column, optionally table-qualified.
type ColumnRef struct {
	Table  string
	Column string
}

// Literal is a string, number, boolean, or NULL constant.
type Literal struct {
	Value string
	Kind  string // string, number, bool, null, interval
}

// Param is a $name substitution parameter.
type Param struct {
	Name string
}

// FuncCall is a function invocation, possibly with an OVER clause.
type FuncCall struct {
	Name     string
	Args     []Expr
	Star     bool // COUNT(*)
	Distinct bool
	Over     *WindowSpec
}

// WindowSpec is an OVER (...) clause.
type WindowSpec struct {
	PartitionBy []Expr
	OrderBy     []Expr
}

// BinaryExpr is a binary operation, including AND/OR/comparison.
type BinaryExpr struct {
	Left  Expr
	Op    string
	Right Expr
}

// UnaryExpr is NOT x or -x.
type UnaryExpr struct {
	Op   string
	Expr Expr
}

// CaseExpr is a CASE [operand] WHEN ... THEN ... [ELSE ...] END.
type CaseExpr struct {
	Operand Expr
	Whens   []*WhenClause
	Else    Expr
}

// WhenClause is one WHEN/THEN pair.
type WhenClause struct {
	Cond Expr
	Then Expr
}

// CastExpr is CAST(expr AS type) or expr::type.
type CastExpr struct {
	Expr Expr
	Type string
}

// ParenExpr is a parenthesized expression.
type ParenExpr struct {
	Expr Expr
}

// SubqueryExpr is a scalar subquery or EXISTS (...).
type SubqueryExpr struct {
	Select *SelectStmt
	Exists bool
}

// InExpr is expr [NOT] IN (list | subquery).
type InExpr struct {
	Expr     Expr
	Not      bool
	List     []Expr
	Subquery *SelectStmt
}

// BetweenExpr is expr [NOT] BETWEEN low AND high.
type BetweenExpr struct {
	Expr Expr
	Not  bool
	Low  Expr
	High Expr
}

func (*ColumnRef) expr()    {}
func (*Literal) expr()      {}
func (*Param) expr()        {}
func (*FuncCall) expr()     {}
func (*BinaryExpr) expr()   {}
func (*UnaryExpr) expr()    {}
func (*CaseExpr) expr()     {}
func (*CastExpr) expr()     {}
func (*ParenExpr) expr()    {}
func (*SubqueryExpr) expr() {}
func (*InExpr) expr()       {}
func (*BetweenExpr) expr()  {}
