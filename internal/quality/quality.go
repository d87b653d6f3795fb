// Package quality builds and runs data-quality tests declared in schema
// files: unique, not_null, and accepted_values.
package quality

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tserrors "github.com/tidemark-labs/tidesql/internal/errors"
	"github.com/tidemark-labs/tidesql/internal/registry"
	"github.com/tidemark-labs/tidesql/internal/warehouse"
)

// Test names.
const (
	TestUnique         = "unique"
	TestNotNull        = "not_null"
	TestAcceptedValues = "accepted_values"
)

// Test is one declared data-quality check.
type Test struct {
	Model  string
	Column string
	Name   string

	// Values applies to accepted_values only.
	Values []any
}

// ID names the test for reports: model.column.test.
func (t Test) ID() string {
	return fmt.Sprintf("%s.%s.%s", t.Model, t.Column, t.Name)
}

// SQL renders the failure-count query against the qualified table. Every
// query returns a single failures column; zero means the test passes.
func (t Test) SQL(table string) (string, error) {
	switch t.Name {
	case TestUnique:
		return fmt.Sprintf(
			"SELECT COUNT(*) AS failures FROM (SELECT %s FROM %s GROUP BY %s HAVING COUNT(*) > 1) d",
			t.Column, table, t.Column), nil
	case TestNotNull:
		return fmt.Sprintf(
			"SELECT COUNT(*) AS failures FROM %s WHERE %s IS NULL",
			table, t.Column), nil
	case TestAcceptedValues:
		if len(t.Values) == 0 {
			return "", &tserrors.ConfigurationError{
				Message: fmt.Sprintf("test %s: accepted_values requires values", t.ID()),
			}
		}
		literals := make([]string, len(t.Values))
		for i, v := range t.Values {
			literals[i] = warehouse.FormatLiteral(v)
		}
		return fmt.Sprintf(
			"SELECT COUNT(*) AS failures FROM %s WHERE %s IS NOT NULL AND %s NOT IN (%s)",
			table, t.Column, t.Column, strings.Join(literals, ", ")), nil
	default:
		return "", &tserrors.ConfigurationError{
			Message: fmt.Sprintf("unknown test %q on %s.%s", t.Name, t.Model, t.Column),
		}
	}
}

// TestsFor extracts the declared tests of one model config. Column tests
// may be plain strings or single-key maps with options; model-level tests
// are maps that name their column.
func TestsFor(cfg *registry.ModelConfig) ([]Test, error) {
	var tests []Test

	for _, col := range cfg.Columns {
		for _, raw := range col.Tests {
			test, err := decodeTest(cfg.Name, col.Name, raw)
			if err != nil {
				return nil, err
			}
			tests = append(tests, test)
		}
	}
	for _, raw := range cfg.Tests {
		test, err := decodeTest(cfg.Name, "", raw)
		if err != nil {
			return nil, err
		}
		if test.Column == "" {
			return nil, &tserrors.ConfigurationError{
				Message: fmt.Sprintf("model %q: model-level test %q needs a column", cfg.Name, test.Name),
			}
		}
		tests = append(tests, test)
	}
	return tests, nil
}

func decodeTest(model, column string, raw any) (Test, error) {
	switch value := raw.(type) {
	case string:
		return Test{Model: model, Column: column, Name: value}, nil
	case map[string]any:
		for name, opts := range value {
			test := Test{Model: model, Column: column, Name: name}
			if m, ok := opts.(map[string]any); ok {
				if col, ok := m["column"].(string); ok {
					test.Column = col
				}
				if values, ok := m["values"].([]any); ok {
					test.Values = values
				}
			}
			return test, nil
		}
		return Test{}, &tserrors.ConfigurationError{
			Message: fmt.Sprintf("model %q: empty test entry", model),
		}
	default:
		return Test{}, &tserrors.ConfigurationError{
			Message: fmt.Sprintf("model %q: unsupported test entry %v", model, raw),
		}
	}
}

// Result is one executed test.
type Result struct {
	Test     Test
	Failures int64
}

// Passed reports whether the test found no failing rows.
func (r Result) Passed() bool { return r.Failures == 0 }

// Err converts a failed result to its TestError, or nil.
func (r Result) Err() error {
	if r.Passed() {
		return nil
	}
	return &tserrors.TestError{
		Model:    r.Test.Model,
		Test:     r.Test.ID(),
		Failures: r.Failures,
	}
}

// Runner executes tests against the warehouse.
type Runner struct {
	client warehouse.Client
	logger *slog.Logger
}

// NewRunner returns a Runner. A nil logger discards output.
func NewRunner(client warehouse.Client, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{client: client, logger: logger}
}

// Run executes every test; qualify maps a model name to its warehouse
// object. Test failures land in the results, not the error return.
func (r *Runner) Run(ctx context.Context, tests []Test, qualify func(model string) string) ([]Result, error) {
	results := make([]Result, 0, len(tests))
	for _, test := range tests {
		query, err := test.SQL(qualify(test.Model))
		if err != nil {
			return nil, err
		}

		rows, err := r.client.Execute(ctx, query, nil, true)
		if err != nil {
			return nil, &tserrors.ExecutionError{SQL: query, Err: err}
		}

		result := Result{Test: test, Failures: scalarInt(rows)}
		if !result.Passed() {
			r.logger.Warn("test failed", "test", test.ID(), "failures", result.Failures)
		} else {
			r.logger.Debug("test passed", "test", test.ID())
		}
		results = append(results, result)
	}
	return results, nil
}

func scalarInt(rows *warehouse.Rows) int64 {
	if rows.Len() == 0 {
		return 0
	}
	for _, v := range rows.Rows[0] {
		switch value := v.(type) {
		case int64:
			return value
		case int:
			return int64(value)
		case float64:
			return int64(value)
		}
	}
	return 0
}
