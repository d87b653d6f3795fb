package lineage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractSimpleSelect(t *testing.T) {
	ml, err := Extract("SELECT id, name FROM customers", "stg_customers")
	require.NoError(t, err)

	assert.Equal(t, "stg_customers", ml.Model)
	assert.Equal(t, []string{"customers"}, ml.Sources)

	require.Contains(t, ml.Columns, "id")
	assert.Equal(t, []SourceColumn{{Table: "customers", Column: "id"}}, ml.Columns["id"].Sources)
	assert.Empty(t, ml.Columns["id"].Transforms)
}

func TestExtractQualifiedColumns(t *testing.T) {
	ml, err := Extract(`
		SELECT c.id, o.total
		FROM customers c
		JOIN orders o ON c.id = o.customer_id
	`, "m")
	require.NoError(t, err)

	assert.Equal(t, []string{"customers", "orders"}, ml.Sources)
	assert.Equal(t, []SourceColumn{{Table: "customers", Column: "id"}}, ml.Columns["id"].Sources)
	assert.Equal(t, []SourceColumn{{Table: "orders", Column: "total"}}, ml.Columns["total"].Sources)
}

func TestExtractAliases(t *testing.T) {
	ml, err := Extract("SELECT id AS customer_id, UPPER(name) full_name FROM customers", "m")
	require.NoError(t, err)

	require.Contains(t, ml.Columns, "customer_id")
	require.Contains(t, ml.Columns, "full_name")
	assert.Equal(t, []string{"UPPER"}, ml.Columns["full_name"].Transforms)
	assert.Equal(t, []SourceColumn{{Table: "customers", Column: "name"}}, ml.Columns["full_name"].Sources)
}

func TestExtractFunctionTransforms(t *testing.T) {
	ml, err := Extract(`
		SELECT
			customer_id,
			SUM(amount) AS total,
			COUNT(*) AS n,
			ROUND(AVG(amount), 2) AS avg_amount
		FROM orders
		GROUP BY customer_id
	`, "m")
	require.NoError(t, err)

	assert.Equal(t, []string{"SUM"}, ml.Columns["total"].Transforms)
	assert.Equal(t, []string{"COUNT"}, ml.Columns["n"].Transforms)
	assert.Empty(t, ml.Columns["n"].Sources)
	// One tag per call walking the expression, outermost first.
	assert.Equal(t, []string{"ROUND", "AVG"}, ml.Columns["avg_amount"].Transforms)
}

func TestExtractCTEResolution(t *testing.T) {
	ml, err := Extract(`
		WITH base AS (
			SELECT id, amount FROM raw_orders
		)
		SELECT base.id, base.amount FROM base
	`, "m")
	require.NoError(t, err)

	// The CTE name is not a source; its underlying table is.
	assert.Equal(t, []string{"raw_orders"}, ml.Sources)
	assert.Equal(t, []SourceColumn{{Table: "raw_orders", Column: "id"}}, ml.Columns["id"].Sources)
}

func TestExtractSetOperationMergesSources(t *testing.T) {
	ml, err := Extract(`
		SELECT id FROM current_customers
		UNION ALL
		SELECT id FROM archived_customers
	`, "m")
	require.NoError(t, err)

	assert.Equal(t, []string{"archived_customers", "current_customers"}, ml.Sources)
	assert.ElementsMatch(t, []SourceColumn{
		{Table: "current_customers", Column: "id"},
		{Table: "archived_customers", Column: "id"},
	}, ml.Columns["id"].Sources)
}

func TestExtractParamsContributeNoSources(t *testing.T) {
	ml, err := Extract(`
		SELECT id, $region AS region
		FROM orders
		WHERE created_at > $start_date
	`, "m")
	require.NoError(t, err)

	assert.Equal(t, []string{"orders"}, ml.Sources)
	require.Contains(t, ml.Columns, "region")
	assert.Empty(t, ml.Columns["region"].Sources)
}

func TestExtractQualifiedTableNames(t *testing.T) {
	ml, err := Extract("SELECT t.id FROM analytics.prod.events t", "m")
	require.NoError(t, err)

	assert.Equal(t, []string{"analytics.prod.events"}, ml.Sources)
	assert.Equal(t, []SourceColumn{{Table: "analytics.prod.events", Column: "id"}},
		ml.Columns["id"].Sources)
}

func TestExtractCaseAndCast(t *testing.T) {
	ml, err := Extract(`
		SELECT
			CASE WHEN status = 'a' THEN amount ELSE 0 END AS active_amount,
			CAST(id AS VARCHAR) AS id_str,
			amount::DECIMAL(10, 2) AS amount_dec
		FROM orders
	`, "m")
	require.NoError(t, err)

	assert.ElementsMatch(t, []SourceColumn{
		{Table: "orders", Column: "status"},
		{Table: "orders", Column: "amount"},
	}, ml.Columns["active_amount"].Sources)
	assert.Equal(t, []string{"CAST"}, ml.Columns["id_str"].Transforms)
	assert.Equal(t, []string{"CAST"}, ml.Columns["amount_dec"].Transforms)
}

func TestExtractWindowFunction(t *testing.T) {
	ml, err := Extract(`
		SELECT
			id,
			ROW_NUMBER() OVER (PARTITION BY customer_id ORDER BY created_at DESC) AS rn
		FROM orders
	`, "m")
	require.NoError(t, err)

	assert.Equal(t, []string{"ROW_NUMBER"}, ml.Columns["rn"].Transforms)
	assert.ElementsMatch(t, []SourceColumn{
		{Table: "orders", Column: "customer_id"},
		{Table: "orders", Column: "created_at"},
	}, ml.Columns["rn"].Sources)
}

func TestExtractScalarSubqueryNotFolded(t *testing.T) {
	ml, err := Extract(`
		SELECT
			id,
			(SELECT MAX(amount) FROM payments) AS max_payment
		FROM orders
	`, "m")
	require.NoError(t, err)

	// The subquery's table counts as a model source, but the outer
	// column does not inherit the inner lineage.
	assert.Contains(t, ml.Sources, "payments")
	assert.Empty(t, ml.Columns["max_payment"].Sources)
}

func TestExtractStar(t *testing.T) {
	ml, err := Extract("SELECT * FROM orders", "m")
	require.NoError(t, err)

	require.Contains(t, ml.Columns, "*")
	assert.Equal(t, []SourceColumn{{Table: "orders", Column: "*"}}, ml.Columns["*"].Sources)
}

func TestExtractDerivedTable(t *testing.T) {
	ml, err := Extract(`
		SELECT sub.id
		FROM (SELECT id FROM raw_events WHERE kind = 'click') sub
	`, "m")
	require.NoError(t, err)

	assert.Equal(t, []string{"raw_events"}, ml.Sources)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		sql  string
	}{
		{"empty input", ""},
		{"unterminated string", "SELECT 'abc FROM t"},
		{"missing from target", "SELECT a FROM"},
		{"bare dollar", "SELECT $ FROM t"},
		{"trailing garbage", "SELECT a FROM t )"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.sql)
			require.Error(t, err)
			var parseErr *ParseError
			assert.ErrorAs(t, err, &parseErr)
		})
	}
}

func TestParseComplexStatement(t *testing.T) {
	stmt, err := Parse(`
		WITH recent AS (
			SELECT id, amount FROM orders WHERE created_at > $cutoff
		)
		SELECT
			r.id,
			r.amount,
			COALESCE(c.name, 'unknown') AS customer_name
		FROM recent r
		LEFT JOIN customers c ON r.id = c.order_id
		WHERE r.amount BETWEEN 10 AND 100
			AND c.region IN ('us', 'eu')
			AND NOT EXISTS (SELECT 1 FROM refunds f WHERE f.order_id = r.id)
		GROUP BY r.id, r.amount, c.name
		HAVING COUNT(*) > 1
		ORDER BY r.amount DESC NULLS LAST
		LIMIT 100 OFFSET 10;
	`)
	require.NoError(t, err)
	require.Len(t, stmt.CTEs, 1)
	assert.Equal(t, "recent", stmt.CTEs[0].Name)
	require.Len(t, stmt.Core.Items, 3)
	require.Len(t, stmt.Core.Joins, 1)
	assert.Equal(t, "LEFT", stmt.Core.Joins[0].Type)
	assert.NotNil(t, stmt.Limit)
	assert.NotNil(t, stmt.Offset)
}

func TestLexerParams(t *testing.T) {
	tokens, err := newLexer("$start_date").lexAll()
	require.NoError(t, err)
	require.Len(t, tokens, 2) // param + EOF
	assert.Equal(t, TokenParam, tokens[0].Type)
	assert.Equal(t, "start_date", tokens[0].Value)
}

func TestLexerComments(t *testing.T) {
	tokens, err := newLexer(`
		-- line comment
		SELECT /* block
		comment */ a
	`).lexAll()
	require.NoError(t, err)

	var values []string
	for _, tok := range tokens {
		if tok.Type != TokenEOF {
			values = append(values, tok.Value)
		}
	}
	assert.Equal(t, []string{"SELECT", "a"}, values)
}

func TestLexerStringEscapes(t *testing.T) {
	tokens, err := newLexer("'it''s'").lexAll()
	require.NoError(t, err)
	assert.Equal(t, TokenString, tokens[0].Type)
	assert.Equal(t, "it's", tokens[0].Value)
}
