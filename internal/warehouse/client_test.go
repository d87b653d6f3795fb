package warehouse

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tserrors "github.com/tidemark-labs/tidesql/internal/errors"
	"github.com/tidemark-labs/tidesql/internal/testutil"
)

func newMockClient(t *testing.T, cfg Config) (*PooledClient, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)

	if cfg.PoolSize == 0 {
		cfg.PoolSize = 1
	}
	client, err := NewClient(db, &duckdbDriver{}, cfg, testutil.NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, mock
}

func TestExecuteFetch(t *testing.T) {
	client, mock := newMockClient(t, Config{})

	mock.ExpectExec("SET query_tag = 'tidesql'").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SET timezone = 'UTC'").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, name FROM customers").WillReturnRows(
		sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(1), "alice").
			AddRow(int64(2), []byte("bob")))

	rows, err := client.Execute(context.Background(), "SELECT id, name FROM customers",
		map[string]any{"timezone": "UTC", "query_tag": "tidesql"}, true)
	require.NoError(t, err)
	require.Equal(t, 2, rows.Len())
	assert.Equal(t, []string{"id", "name"}, rows.Columns)
	assert.Equal(t, int64(1), rows.Rows[0]["id"])
	assert.Equal(t, "alice", rows.Rows[0]["name"])
	// byte slices come back as strings
	assert.Equal(t, "bob", rows.Rows[1]["name"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteNoFetch(t *testing.T) {
	client, mock := newMockClient(t, Config{})

	mock.ExpectExec("CREATE OR REPLACE VIEW v AS SELECT 1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	rows, err := client.Execute(context.Background(), "CREATE OR REPLACE VIEW v AS SELECT 1", nil, false)
	require.NoError(t, err)
	assert.Nil(t, rows)
	assert.Equal(t, 0, rows.Len())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteTxCommit(t *testing.T) {
	client, mock := newMockClient(t, Config{})

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM t WHERE id = 1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO t VALUES (1)").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := client.ExecuteTx(context.Background(),
		[]string{"DELETE FROM t WHERE id = 1", "INSERT INTO t VALUES (1)"}, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteTxRollback(t *testing.T) {
	client, mock := newMockClient(t, Config{})

	boom := errors.New("syntax error near INSERT")
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM t WHERE id = 1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO t VALUES").WillReturnError(boom)
	mock.ExpectRollback()

	err := client.ExecuteTx(context.Background(),
		[]string{"DELETE FROM t WHERE id = 1", "INSERT INTO t VALUES"}, nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "syntax error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthCheck(t *testing.T) {
	client, mock := newMockClient(t, Config{})

	mock.ExpectQuery("SELECT 1").WillReturnRows(
		sqlmock.NewRows([]string{"1"}).AddRow(int64(1)))
	assert.True(t, client.HealthCheck(context.Background()))

	mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("connection refused"))
	assert.False(t, client.HealthCheck(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteRetriesTransientErrors(t *testing.T) {
	client, mock := newMockClient(t, Config{
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})

	transient := errors.New("error 253001: connection was reset")
	mock.ExpectExec("SELECT now()").WillReturnError(transient)
	mock.ExpectExec("SELECT now()").WillReturnError(transient)
	mock.ExpectExec("SELECT now()").WillReturnError(transient)

	_, err := client.Execute(context.Background(), "SELECT now()", nil, false)
	require.Error(t, err)

	var tcErr *tserrors.TransientConnectionError
	require.ErrorAs(t, err, &tcErr)
	assert.Equal(t, 253001, tcErr.Code)
	assert.Equal(t, 2, tcErr.RetryCount)
	assert.Equal(t, 2, tcErr.MaxRetries)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutePermanentErrorAfterTransientSurfacesAsIs(t *testing.T) {
	client, mock := newMockClient(t, Config{
		MaxRetries: 5,
		RetryDelay: time.Millisecond,
	})

	mock.ExpectExec("SELECT bad").WillReturnError(errors.New("error 253001: connection was reset"))
	mock.ExpectExec("SELECT bad").WillReturnError(errors.New("syntax error near FROM"))

	_, err := client.Execute(context.Background(), "SELECT bad", nil, false)
	require.Error(t, err)

	// the retry that found a permanent error must not report it as transient
	var tcErr *tserrors.TransientConnectionError
	assert.False(t, errors.As(err, &tcErr))
	assert.ErrorContains(t, err, "syntax error near FROM")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteRecoversAfterTransientError(t *testing.T) {
	client, mock := newMockClient(t, Config{
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	})

	mock.ExpectExec("SELECT now()").WillReturnError(errors.New("error 253008: session expired"))
	mock.ExpectExec("SELECT now()").WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := client.Execute(context.Background(), "SELECT now()", nil, false)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteDoesNotRetryPermanentErrors(t *testing.T) {
	client, mock := newMockClient(t, Config{
		MaxRetries: 5,
		RetryDelay: time.Millisecond,
	})

	boom := errors.New("error 100038: numeric value is not recognized")
	mock.ExpectExec("SELECT bad").WillReturnError(boom)

	_, err := client.Execute(context.Background(), "SELECT bad", nil, false)
	require.Error(t, err)

	var tcErr *tserrors.TransientConnectionError
	assert.False(t, errors.As(err, &tcErr))
	assert.ErrorContains(t, err, "100038")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireTimeout(t *testing.T) {
	client, _ := newMockClient(t, Config{
		PoolSize:       1,
		AcquireTimeout: 20 * time.Millisecond,
	})

	// hold the only connection so the next acquire starves
	held, err := client.pool.acquire(context.Background())
	require.NoError(t, err)
	defer client.pool.release(held)

	_, err = client.Execute(context.Background(), "SELECT 1", nil, false)
	require.Error(t, err)

	var connErr *tserrors.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Contains(t, connErr.Message, "acquire timed out")
}

func TestOpenUnknownType(t *testing.T) {
	_, err := Open(Config{Type: "oracle"}, nil)
	require.Error(t, err)

	var cfgErr *tserrors.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Message, "oracle")
}

func TestDriverNames(t *testing.T) {
	names := DriverNames()
	assert.Contains(t, names, "duckdb")
	assert.Contains(t, names, "postgres")
}
