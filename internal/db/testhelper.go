package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"protosink/internal/ddl"
)

// OpenTestSQLite opens a hardened SQLite destination in t.TempDir(), runs all
// pending migrations, and registers cleanup.
func OpenTestSQLite(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.sqlite")

	conn, err := OpenSQLite(path, 1)
	if err != nil {
		t.Fatalf("open test sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	if err := RunMigrations(context.Background(), conn, ddl.SQLite); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	return conn
}
