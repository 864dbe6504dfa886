package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/duckdb/duckdb-go/v2"
)

// OpenDuckDB opens a DuckDB database file. An empty path opens an in-memory
// database, which only lives as long as the pool keeps a connection.
func OpenDuckDB(ctx context.Context, path string, opts Options) (*sql.DB, error) {
	conn, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb %q: %w", path, err)
	}
	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 4
	}
	conn.SetMaxOpenConns(maxOpen)
	conn.SetMaxIdleConns(maxOpen)
	conn.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if err := ping(ctx, conn, "duckdb"); err != nil {
		return nil, err
	}
	return conn, nil
}
