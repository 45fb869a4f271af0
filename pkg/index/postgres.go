package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// PostgresConfig holds connection parameters for the PostgreSQL-backed
// Index Store, used when a deployment shares the index across multiple
// control-plane processes. Grounded on the teacher's
// pkg/fleet/store_postgres.go PostgresConfig/DSN idiom.
type PostgresConfig struct {
	Host     string `env:"ORCHKIT_PG_HOST"`
	Port     int    `env:"ORCHKIT_PG_PORT"`
	User     string `env:"ORCHKIT_PG_USER"`
	Password string `env:"ORCHKIT_PG_PASSWORD"`
	Database string `env:"ORCHKIT_PG_DATABASE"`
	SSLMode  string `env:"ORCHKIT_PG_SSLMODE"`
}

func (c PostgresConfig) dsn() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, port, c.User, c.Password, c.Database, sslMode)
}

// dollarParamConn adapts a *sql.DB to dbConn by rewriting the "?"
// placeholders that store.go's queries are written with into lib/pq's
// "$1", "$2", ... positional syntax. The queries themselves (table shape,
// COALESCE-preserving upsert, ON CONFLICT semantics) are shared verbatim
// between SQLite and Postgres; only the parameter syntax differs.
type dollarParamConn struct {
	db *sql.DB
}

func (d dollarParamConn) translate(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dollarParamConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, d.translate(query), args...)
}

func (d dollarParamConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, d.translate(query), args...)
}

func (d dollarParamConn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, d.translate(query), args...)
}

func (d dollarParamConn) Close() error { return d.db.Close() }

// PostgresStore is the multi-process alternative to SQLiteStore: same
// schema and upsert semantics, Postgres placeholder syntax via
// dollarParamConn, and a pooled connection suited to concurrent
// control-plane replicas.
type PostgresStore struct {
	*SQLiteStore
}

// NewPostgresStore opens a pooled connection to a PostgreSQL index
// database and ensures its schema. The migrations in schema.go are
// ANSI-ish enough to run unmodified against Postgres (TEXT/INTEGER,
// IF NOT EXISTS); only the driver, pool sizing, and placeholder syntax
// differ from the SQLite path.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &PostgresStore{SQLiteStore: &SQLiteStore{db: dollarParamConn{db: db}}}, nil
}
