package warehouse

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
)

func init() {
	RegisterDriver(&postgresDriver{})
}

type postgresDriver struct{}

func (d *postgresDriver) Name() string { return "postgres" }

func (d *postgresDriver) Open(cfg Config) (*sql.DB, error) {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}

	dsn := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   "/" + cfg.Database,
	}
	if cfg.User != "" {
		if cfg.Password != "" {
			dsn.User = url.UserPassword(cfg.User, cfg.Password)
		} else {
			dsn.User = url.User(cfg.User)
		}
	}
	query := dsn.Query()
	query.Set("sslmode", "prefer")
	if cfg.Schema != "" {
		query.Set("search_path", cfg.Schema)
	}
	dsn.RawQuery = query.Encode()

	return sql.Open("pgx", dsn.String())
}

// Transient maps SQLSTATE class 08 (connection exceptions) onto the
// retryable classification. 253001 is the generic lost-connection code
// in the retry layer's fixed set.
func (d *postgresDriver) Transient(err error) (int, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "08") {
		return 253001, true
	}
	return 0, false
}
