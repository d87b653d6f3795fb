package warehouse

import (
	"database/sql"

	_ "github.com/marcboeker/go-duckdb" // duckdb driver
)

func init() {
	RegisterDriver(&duckdbDriver{})
}

// duckdbDriver is the default development target: a file-based or
// in-memory DuckDB database.
type duckdbDriver struct{}

func (d *duckdbDriver) Name() string { return "duckdb" }

func (d *duckdbDriver) Open(cfg Config) (*sql.DB, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	return sql.Open("duckdb", path)
}

// Transient always declines: DuckDB is in-process, a failed statement
// will not succeed on retry.
func (d *duckdbDriver) Transient(error) (int, bool) {
	return 0, false
}
