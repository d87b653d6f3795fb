package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "configuration",
			err:  &ConfigurationError{Message: "unknown target \"qa\""},
			want: `configuration error: unknown target "qa"`,
		},
		{
			name: "parse with file",
			err:  &ParseError{File: "models/orders.sql", Message: "unexpected token"},
			want: "models/orders.sql: parse error: unexpected token",
		},
		{
			name: "cycle",
			err:  &DependencyError{Cycle: []string{"a", "b", "a"}},
			want: "circular dependency: a -> b -> a",
		},
		{
			name: "model not found",
			err:  &ModelNotFoundError{Model: "orders"},
			want: "model not found: orders",
		},
		{
			name: "test failure",
			err:  &TestError{Model: "orders", Test: "unique_id", Failures: 3},
			want: `test "unique_id" failed for model "orders": 3 failing rows`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestTransientConnectionErrorCarriesRetries(t *testing.T) {
	cause := stderrors.New("socket closed")
	err := &TransientConnectionError{Code: 253001, RetryCount: 3, MaxRetries: 3, Err: cause}

	assert.Contains(t, err.Error(), "253001")
	assert.Contains(t, err.Error(), "3/3")
	assert.ErrorIs(t, err, cause)
}

func TestUnwrapChains(t *testing.T) {
	cause := stderrors.New("disk full")
	wrapped := fmt.Errorf("saving: %w", &StateError{Path: "/tmp/state.json", Err: cause})

	var stateErr *StateError
	require.True(t, stderrors.As(wrapped, &stateErr))
	assert.Equal(t, "/tmp/state.json", stateErr.Path)
	assert.ErrorIs(t, wrapped, cause)
}

func TestMaterializationErrorFormat(t *testing.T) {
	err := &MaterializationError{
		Model:    "fct_orders",
		Strategy: "cdc",
		Message:  "chunk size 1000000",
		Err:      stderrors.New("merge failed"),
	}

	assert.Equal(t,
		`materialization failed for model "fct_orders" (strategy cdc): chunk size 1000000: merge failed`,
		err.Error())

	var matErr *MaterializationError
	require.True(t, stderrors.As(err, &matErr))
	assert.Equal(t, "fct_orders", matErr.Model)
}
