package db

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/pressly/goose/v3"

	"protosink/internal/ddl"
)

const migrationsDir = "migrations"

// RunMigrations applies the embedded bookkeeping migrations to the destination.
//
// goose has no DuckDB dialect; there the Up sections are executed directly.
// Every migration is written with IF NOT EXISTS so re-running them is safe.
func RunMigrations(ctx context.Context, conn *sql.DB, d ddl.Dialect) error {
	if d.Name == ddl.DuckDB.Name {
		return applyUpSections(ctx, conn)
	}

	goose.SetBaseFS(EmbedMigrations)
	goose.SetLogger(gooseLogger{})

	if err := goose.SetDialect(d.Name); err != nil {
		return fmt.Errorf("goose set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, conn, migrationsDir); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}

	return nil
}

func applyUpSections(ctx context.Context, conn *sql.DB) error {
	names, err := fs.Glob(EmbedMigrations, migrationsDir+"/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := fs.ReadFile(EmbedMigrations, name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		up := upSection(string(raw))
		if strings.TrimSpace(up) == "" {
			continue
		}
		if _, err := conn.ExecContext(ctx, up); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

// upSection returns the statements between "-- +goose Up" and "-- +goose Down".
func upSection(src string) string {
	_, after, ok := strings.Cut(src, "-- +goose Up")
	if !ok {
		return ""
	}
	up, _, _ := strings.Cut(after, "-- +goose Down")
	return up
}

type gooseLogger struct{}

func (gooseLogger) Fatalf(format string, v ...interface{}) {
	slog.Error(fmt.Sprintf(format, v...), "component", "migrate")
}

func (gooseLogger) Printf(format string, v ...interface{}) {
	slog.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "migrate")
}
