package quality

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tserrors "github.com/tidemark-labs/tidesql/internal/errors"
	"github.com/tidemark-labs/tidesql/internal/registry"
	"github.com/tidemark-labs/tidesql/internal/testutil"
	"github.com/tidemark-labs/tidesql/internal/warehouse"
)

type fakeClient struct {
	executed []string
	results  map[string]*warehouse.Rows
}

func (f *fakeClient) Execute(_ context.Context, sqlText string, _ map[string]any, _ bool) (*warehouse.Rows, error) {
	f.executed = append(f.executed, sqlText)
	if rows, ok := f.results[sqlText]; ok {
		return rows, nil
	}
	return &warehouse.Rows{
		Columns: []string{"failures"},
		Rows:    []map[string]any{{"failures": int64(0)}},
	}, nil
}

func (f *fakeClient) ExecuteTx(context.Context, []string, map[string]any) error { return nil }
func (f *fakeClient) HealthCheck(context.Context) bool                          { return true }
func (f *fakeClient) Close() error                                              { return nil }

func TestSQLBuilders(t *testing.T) {
	cases := []struct {
		name string
		test Test
		want string
	}{
		{
			name: "unique",
			test: Test{Model: "orders", Column: "id", Name: TestUnique},
			want: "SELECT COUNT(*) AS failures FROM (SELECT id FROM DB.SCH.ORDERS GROUP BY id HAVING COUNT(*) > 1) d",
		},
		{
			name: "not_null",
			test: Test{Model: "orders", Column: "id", Name: TestNotNull},
			want: "SELECT COUNT(*) AS failures FROM DB.SCH.ORDERS WHERE id IS NULL",
		},
		{
			name: "accepted_values",
			test: Test{Model: "orders", Column: "status", Name: TestAcceptedValues, Values: []any{"open", "closed", 3}},
			want: "SELECT COUNT(*) AS failures FROM DB.SCH.ORDERS WHERE status IS NOT NULL AND status NOT IN ('open', 'closed', 3)",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.test.SQL("DB.SCH.ORDERS")
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSQLBuilderErrors(t *testing.T) {
	_, err := Test{Model: "m", Column: "c", Name: "relationships"}.SQL("T")
	var cfgErr *tserrors.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	_, err = Test{Model: "m", Column: "c", Name: TestAcceptedValues}.SQL("T")
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "requires values")
}

func TestTestsFor(t *testing.T) {
	cfg := &registry.ModelConfig{
		Name: "orders",
		Columns: []registry.ColumnConfig{
			{
				Name: "id",
				Tests: []any{
					"unique",
					"not_null",
				},
			},
			{
				Name: "status",
				Tests: []any{
					map[string]any{
						"accepted_values": map[string]any{"values": []any{"open", "closed"}},
					},
				},
			},
		},
		Tests: []any{
			map[string]any{
				"unique": map[string]any{"column": "order_key"},
			},
		},
	}

	tests, err := TestsFor(cfg)
	require.NoError(t, err)
	require.Len(t, tests, 4)

	assert.Equal(t, "orders.id.unique", tests[0].ID())
	assert.Equal(t, "orders.id.not_null", tests[1].ID())
	assert.Equal(t, TestAcceptedValues, tests[2].Name)
	assert.Equal(t, []any{"open", "closed"}, tests[2].Values)
	assert.Equal(t, "order_key", tests[3].Column)
}

func TestTestsForModelLevelNeedsColumn(t *testing.T) {
	cfg := &registry.ModelConfig{
		Name:  "orders",
		Tests: []any{"unique"},
	}
	_, err := TestsFor(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs a column")
}

func TestRunnerReportsFailures(t *testing.T) {
	failing := "SELECT COUNT(*) AS failures FROM DB.SCH.ORDERS WHERE id IS NULL"
	client := &fakeClient{
		results: map[string]*warehouse.Rows{
			failing: {
				Columns: []string{"failures"},
				Rows:    []map[string]any{{"failures": int64(3)}},
			},
		},
	}

	runner := NewRunner(client, testutil.NewTestLogger(t))
	tests := []Test{
		{Model: "orders", Column: "id", Name: TestUnique},
		{Model: "orders", Column: "id", Name: TestNotNull},
	}

	results, err := runner.Run(context.Background(), tests, func(string) string { return "DB.SCH.ORDERS" })
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.True(t, results[0].Passed())
	assert.NoError(t, results[0].Err())

	assert.False(t, results[1].Passed())
	var testErr *tserrors.TestError
	require.ErrorAs(t, results[1].Err(), &testErr)
	assert.Equal(t, "orders", testErr.Model)
	assert.Equal(t, "orders.id.not_null", testErr.Test)
	assert.Equal(t, int64(3), testErr.Failures)
}
