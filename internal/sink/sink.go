// Package sink writes transformed rows to the destination database, one
// transaction per table per batch.
package sink

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"protosink/internal/ddl"
	"protosink/internal/domain"
	"protosink/internal/metrics"
	"protosink/internal/reconciler"
	"protosink/internal/value"
)

const (
	// maxRowsPerStatement caps a multi-row INSERT below the parameter limit.
	maxRowsPerStatement = 1000
	maxCachedStatements = 1024
)

// ShapeSource exposes reconciled table shapes; *reconciler.Reconciler
// implements it.
type ShapeSource interface {
	Shape(schema, table string) (*reconciler.Shape, bool)
}

// Outcome is the result of writing one table.
type Outcome struct {
	Table     string
	Rows      int
	Committed bool
	Err       error
}

// Options configures a Sink.
type Options struct {
	// StatementTimeout bounds each table transaction. Zero means none.
	StatementTimeout time.Duration
	Logger           *slog.Logger
}

// Sink inserts or upserts rows into reconciled tables.
type Sink struct {
	db      *sql.DB
	dialect ddl.Dialect
	shapes  ShapeSource
	timeout time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	stmts map[string]string
}

// New creates a Sink.
func New(db *sql.DB, dialect ddl.Dialect, shapes ShapeSource, opts Options) *Sink {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		db:      db,
		dialect: dialect,
		shapes:  shapes,
		timeout: opts.StatementTimeout,
		logger:  logger.With("component", "sink"),
		stmts:   make(map[string]string),
	}
}

// Write stores w.Rows in one transaction. With a primary key the rows are
// upserted and, within the batch, the last row for a key wins. Every
// non-null column must already exist in the reconciled shape.
//
// A failed database write yields *domain.WriteError, which is retryable.
// Rows that break the column contract yield a *domain.ValidationError.
func (s *Sink) Write(ctx context.Context, w TableWrite) Outcome {
	schema := s.dialect.SchemaFor(w.Info.Schema)
	table := w.Info.Name
	key := schema + "." + table
	out := Outcome{Table: key}
	if len(w.Rows) == 0 {
		out.Committed = true
		return out
	}

	shape, ok := s.shapes.Shape(w.Info.Schema, table)
	if !ok {
		out.Err = domain.ErrValidation("table %s was written before it was reconciled", key)
		return out
	}

	rows := w.Rows
	if w.Info.PrimaryKey != "" {
		rows = lastPerKey(rows, w.Info.PrimaryKey)
	}
	columns, err := writeColumns(shape, rows)
	if err != nil {
		out.Err = err
		return out
	}
	args, err := rowArgs(shape, columns, rows)
	if err != nil {
		out.Err = err
		return out
	}

	start := time.Now()
	if err := s.insert(ctx, schema, table, columns, args, w.Info.PrimaryKey); err != nil {
		metrics.WriteFailuresTotal.WithLabelValues(key).Inc()
		s.logger.Error("table write failed", "table", key, "rows", len(rows), "error", err)
		out.Err = &domain.WriteError{Table: key, Err: err}
		return out
	}
	metrics.WriteLatencySeconds.WithLabelValues(key).Observe(time.Since(start).Seconds())
	metrics.RowsWrittenTotal.WithLabelValues(key).Add(float64(len(rows)))
	s.logger.Debug("table written", "table", key, "rows", len(rows))

	out.Rows = len(rows)
	out.Committed = true
	return out
}

func (s *Sink) insert(ctx context.Context, schema, table string, columns []string, args [][]any, pk string) (err error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	perStmt := min(maxRowsPerStatement, max(1, s.dialect.MaxParams/len(columns)))
	for start := 0; start < len(args); start += perStmt {
		end := min(start+perStmt, len(args))
		stmt, err := s.statement(schema, table, columns, end-start, pk)
		if err != nil {
			return err
		}
		flat := make([]any, 0, (end-start)*len(columns))
		for _, row := range args[start:end] {
			flat = append(flat, row...)
		}
		if _, err = tx.ExecContext(ctx, stmt, flat...); err != nil {
			return fmt.Errorf("insert rows %d-%d: %w", start, end-1, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// statement returns the cached INSERT text for a table, column set and row
// count.
func (s *Sink) statement(schema, table string, columns []string, rows int, pk string) (string, error) {
	cacheKey := fmt.Sprintf("%s.%s|%s|%d|%s", schema, table, strings.Join(columns, ","), rows, pk)
	s.mu.Lock()
	defer s.mu.Unlock()
	if stmt, ok := s.stmts[cacheKey]; ok {
		return stmt, nil
	}
	stmt, err := ddl.Insert(s.dialect, schema, table, columns, rows, pk)
	if err != nil {
		return "", err
	}
	if len(s.stmts) >= maxCachedStatements {
		clear(s.stmts)
	}
	s.stmts[cacheKey] = stmt
	return stmt, nil
}

// lastPerKey drops earlier rows that share a primary key value with a later
// row. Rows without a key value are kept.
func lastPerKey(rows []*value.Map, pk string) []*value.Map {
	last := make(map[string]int, len(rows))
	for i, row := range rows {
		if v, ok := row.Get(pk); ok && !v.IsNull() {
			last[v.String()] = i
		}
	}
	if len(last) == len(rows) {
		return rows
	}
	out := make([]*value.Map, 0, len(last))
	for i, row := range rows {
		if v, ok := row.Get(pk); ok && !v.IsNull() && last[v.String()] != i {
			continue
		}
		out = append(out, row)
	}
	return out
}

// writeColumns lists the columns present in rows in first-seen order.
// Columns unknown to the shape are an error unless all their values are null.
func writeColumns(shape *reconciler.Shape, rows []*value.Map) ([]string, error) {
	seen := make(map[string]bool)
	var columns []string
	for _, row := range rows {
		var err error
		row.Range(func(k string, v value.Value) bool {
			if seen[k] {
				return true
			}
			if _, ok := shape.Columns[k]; !ok {
				if v.IsNull() {
					return true
				}
				err = domain.ErrValidation("column %q is missing from table %s.%s", k, shape.Schema, shape.Table)
				return false
			}
			seen[k] = true
			columns = append(columns, k)
			return true
		})
		if err != nil {
			return nil, err
		}
	}
	if len(columns) == 0 {
		return nil, domain.ErrValidation("rows for %s.%s have no values", shape.Schema, shape.Table)
	}
	return columns, nil
}

func rowArgs(shape *reconciler.Shape, columns []string, rows []*value.Map) ([][]any, error) {
	out := make([][]any, len(rows))
	for i, row := range rows {
		args := make([]any, len(columns))
		for j, c := range columns {
			v, _ := row.Get(c)
			p, err := param(shape.Columns[c], v)
			if err != nil {
				return nil, fmt.Errorf("row %d column %q: %w", i, c, err)
			}
			args[j] = p
		}
		out[i] = args
	}
	return out, nil
}
