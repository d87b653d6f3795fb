// Package warehouse provides the pooled, retrying client the engine uses
// to talk to the analytical warehouse, plus the driver registry for the
// supported backends.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	tserrors "github.com/tidemark-labs/tidesql/internal/errors"
)

// Config carries connection and pool settings for one target.
type Config struct {
	// Type selects the registered driver (duckdb, postgres).
	Type string `mapstructure:"type"`

	// Path is the database file for file-based backends; ":memory:" for
	// in-memory.
	Path string `mapstructure:"path"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`

	Database string `mapstructure:"database"`
	Schema   string `mapstructure:"schema"`

	// Pool knobs.
	PoolSize       int           `mapstructure:"pool_size"`
	LazyInit       bool          `mapstructure:"lazy_init"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	return c
}

// Rows is a fetched result set. Columns preserves the select-list order;
// each row maps column name to value.
type Rows struct {
	Columns []string
	Rows    []map[string]any
}

// Len returns the number of rows.
func (r *Rows) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// Client is the warehouse access surface the engine depends on.
type Client interface {
	// Execute runs one statement. Session variables are set on the same
	// connection before the statement. With fetch false the result is
	// nil.
	Execute(ctx context.Context, sqlText string, sessionVars map[string]any, fetch bool) (*Rows, error)

	// ExecuteTx runs the statements inside one transaction, rolling
	// back on the first failure.
	ExecuteTx(ctx context.Context, sqls []string, sessionVars map[string]any) error

	// HealthCheck probes the warehouse with a cheap statement.
	HealthCheck(ctx context.Context) bool

	Close() error
}

// Driver adapts one backend: DSN construction and error classification.
type Driver interface {
	Name() string
	Open(cfg Config) (*sql.DB, error)

	// Transient reports whether err is worth retrying and the error
	// code it maps to.
	Transient(err error) (code int, ok bool)
}

var drivers = make(map[string]Driver)

// RegisterDriver adds a driver to the registry; called from driver init
// functions.
func RegisterDriver(d Driver) {
	drivers[d.Name()] = d
}

// DriverNames lists the registered drivers, sorted.
func DriverNames() []string {
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open builds a pooled client for the configured driver type.
func Open(cfg Config, logger *slog.Logger) (*PooledClient, error) {
	driver, ok := drivers[cfg.Type]
	if !ok {
		return nil, &tserrors.ConfigurationError{
			Message: fmt.Sprintf("unknown warehouse type %q (have %v)", cfg.Type, DriverNames()),
		}
	}

	db, err := driver.Open(cfg)
	if err != nil {
		return nil, &tserrors.ConnectionError{
			Message: fmt.Sprintf("opening %s", cfg.Type),
			Err:     err,
		}
	}
	return NewClient(db, driver, cfg, logger)
}

// NewClient wraps an existing database handle; used by Open and by tests
// that inject a mock.
func NewClient(db *sql.DB, driver Driver, cfg Config, logger *slog.Logger) (*PooledClient, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg = cfg.withDefaults()

	pool, err := newPool(db, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &PooledClient{
		db:     db,
		driver: driver,
		cfg:    cfg,
		pool:   pool,
		logger: logger,
	}, nil
}

// PooledClient is the production Client: fixed-size connection pool,
// exponential-backoff retry for transient failures, per-statement session
// variables.
type PooledClient struct {
	db     *sql.DB
	driver Driver
	cfg    Config
	pool   *pool
	logger *slog.Logger
}

// Execute implements Client.
func (c *PooledClient) Execute(ctx context.Context, sqlText string, sessionVars map[string]any, fetch bool) (*Rows, error) {
	var result *Rows
	err := c.withRetry(ctx, func() error {
		rows, err := c.executeOnce(ctx, sqlText, sessionVars, fetch)
		if err != nil {
			return err
		}
		result = rows
		return nil
	})
	return result, err
}

func (c *PooledClient) executeOnce(ctx context.Context, sqlText string, sessionVars map[string]any, fetch bool) (*Rows, error) {
	conn, err := c.pool.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer c.pool.release(conn)

	ctx, cancel := c.statementContext(ctx)
	defer cancel()

	if err := c.applySessionVars(ctx, conn, sessionVars); err != nil {
		conn.markUnhealthy()
		return nil, err
	}

	start := time.Now()
	if !fetch {
		if _, err := conn.conn.ExecContext(ctx, sqlText); err != nil {
			conn.markUnhealthy()
			return nil, err
		}
		c.logger.Debug("executed", "duration", time.Since(start))
		return nil, nil
	}

	rows, err := conn.conn.QueryContext(ctx, sqlText)
	if err != nil {
		conn.markUnhealthy()
		return nil, err
	}
	defer rows.Close()

	result, err := scanRows(rows)
	if err != nil {
		conn.markUnhealthy()
		return nil, err
	}
	c.logger.Debug("fetched", "rows", result.Len(), "duration", time.Since(start))
	return result, nil
}

// ExecuteTx implements Client.
func (c *PooledClient) ExecuteTx(ctx context.Context, sqls []string, sessionVars map[string]any) error {
	return c.withRetry(ctx, func() error {
		conn, err := c.pool.acquire(ctx)
		if err != nil {
			return err
		}
		defer c.pool.release(conn)

		ctx, cancel := c.statementContext(ctx)
		defer cancel()

		if err := c.applySessionVars(ctx, conn, sessionVars); err != nil {
			conn.markUnhealthy()
			return err
		}

		tx, err := conn.conn.BeginTx(ctx, nil)
		if err != nil {
			conn.markUnhealthy()
			return err
		}
		for _, stmt := range sqls {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				if rbErr := tx.Rollback(); rbErr != nil {
					c.logger.Warn("rollback failed", "error", rbErr)
				}
				return err
			}
		}
		return tx.Commit()
	})
}

// HealthCheck implements Client.
func (c *PooledClient) HealthCheck(ctx context.Context) bool {
	conn, err := c.pool.acquire(ctx)
	if err != nil {
		return false
	}
	defer c.pool.release(conn)

	var one int
	if err := conn.conn.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		conn.markUnhealthy()
		return false
	}
	return true
}

// Close implements Client.
func (c *PooledClient) Close() error {
	c.pool.close()
	return c.db.Close()
}

// applySessionVars sets each variable on the connection the statement
// will run on, in sorted order for determinism.
func (c *PooledClient) applySessionVars(ctx context.Context, conn *poolConn, vars map[string]any) error {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		stmt := fmt.Sprintf("SET %s = %s", name, FormatLiteral(vars[name]))
		if _, err := conn.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("setting session variable %s: %w", name, err)
		}
	}
	return nil
}

func (c *PooledClient) statementContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.QueryTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.QueryTimeout)
	}
	return ctx, func() {}
}

func scanRows(rows *sql.Rows) (*Rows, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &Rows{Columns: columns}
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	return result, rows.Err()
}

// normalizeValue converts driver byte slices to strings.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
