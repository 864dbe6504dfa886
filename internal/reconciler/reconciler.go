// Package reconciler keeps destination tables in step with the shape of
// transform output. It only ever adds: tables are created, columns are
// added, and a column whose recorded type cannot hold incoming values
// poisons the table.
package reconciler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"protosink/internal/ddl"
	"protosink/internal/domain"
	"protosink/internal/metrics"
	"protosink/internal/value"
)

// Shape is the known column set of a destination table.
type Shape struct {
	Schema  string
	Table   string
	Columns map[string]domain.ColumnType
	// Order lists column names in creation order.
	Order []string
}

func (s *Shape) clone() *Shape {
	c := &Shape{
		Schema:  s.Schema,
		Table:   s.Table,
		Columns: make(map[string]domain.ColumnType, len(s.Columns)),
		Order:   append([]string(nil), s.Order...),
	}
	for k, v := range s.Columns {
		c.Columns[k] = v
	}
	return c
}

// Result reports the DDL Ensure applied. Statements is empty when the table
// already had every column.
type Result struct {
	Statements []string
}

// Reconciler creates and extends destination tables. Shapes are cached for
// the process lifetime and only change after a committed DDL transaction.
type Reconciler struct {
	db      *sql.DB
	dialect ddl.Dialect
	logger  *slog.Logger
	locks   *tableLocker

	mu       sync.RWMutex
	shapes   map[string]*Shape
	poisoned map[string]error
}

// New creates a Reconciler for db.
func New(db *sql.DB, dialect ddl.Dialect, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		db:       db,
		dialect:  dialect,
		logger:   logger.With("component", "reconciler"),
		locks:    newTableLocker(),
		shapes:   make(map[string]*Shape),
		poisoned: make(map[string]error),
	}
}

func tableKey(schema, table string) string { return schema + "." + table }

// Shape returns a copy of the cached shape of schema.table. schema is the
// declared schema; empty means the dialect default.
func (r *Reconciler) Shape(schema, table string) (*Shape, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.shapes[tableKey(r.dialect.SchemaFor(schema), table)]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// Ensure makes the table described by info able to hold rows. It creates
// the table when absent and adds missing columns otherwise, recording each
// new column's logical type in the column ledger in the same transaction.
// Calling it again with the same input is a no-op.
func (r *Reconciler) Ensure(ctx context.Context, info domain.TableInfo, rows []*value.Map) (Result, error) {
	schema := r.dialect.SchemaFor(info.Schema)
	key := tableKey(schema, info.Name)

	unlock := r.locks.Lock(key)
	defer unlock()

	r.mu.RLock()
	poison := r.poisoned[key]
	r.mu.RUnlock()
	if poison != nil {
		return Result{}, poison
	}

	desired, err := desiredColumns(info, rows)
	if err != nil {
		return Result{}, err
	}
	shape, err := r.loadShape(ctx, schema, info.Name)
	if err != nil {
		return Result{}, err
	}

	var (
		stmts []string
		added []ddl.ColumnDef
		kind  string
	)
	if shape == nil {
		for i := range desired {
			desired[i] = materialised(desired[i])
		}
		stmts, err = r.createStatements(schema, info, desired)
		if err != nil {
			return Result{}, err
		}
		added = desired
		kind = "create_table"
	} else {
		for _, c := range desired {
			existing, ok := shape.Columns[c.Name]
			if !ok {
				c = materialised(c)
				stmt, err := ddl.AddColumn(r.dialect, schema, info.Name, c)
				if err != nil {
					return Result{}, domain.ErrValidation("%v", err)
				}
				stmts = append(stmts, stmt)
				added = append(added, c)
				continue
			}
			if !compatible(existing, c.Type) {
				err := &domain.UnsupportedSchemaChangeError{
					Table:        key,
					Column:       c.Name,
					ExistingType: existing,
					IncomingType: c.Type,
				}
				r.mu.Lock()
				r.poisoned[key] = err
				r.mu.Unlock()
				r.logger.Error("unsupported schema change", "table", key, "column", c.Name,
					"existing_type", existing, "incoming_type", c.Type)
				return Result{}, err
			}
		}
		kind = "add_column"
	}
	if len(stmts) == 0 {
		return Result{}, nil
	}

	if err := r.apply(ctx, schema, info.Name, stmts, added); err != nil {
		r.mu.Lock()
		delete(r.shapes, key)
		r.mu.Unlock()
		return Result{}, fmt.Errorf("reconcile %s: %w", key, err)
	}

	next := &Shape{Schema: schema, Table: info.Name, Columns: map[string]domain.ColumnType{}}
	if shape != nil {
		next = shape.clone()
	}
	for _, c := range added {
		next.Columns[c.Name] = c.Type
		next.Order = append(next.Order, c.Name)
	}
	r.mu.Lock()
	r.shapes[key] = next
	r.mu.Unlock()

	metrics.SchemaChangesTotal.WithLabelValues(kind).Inc()
	r.logger.Info("schema reconciled", "table", key, "change", kind, "columns_added", len(added))
	return Result{Statements: stmts}, nil
}

func (r *Reconciler) createStatements(schema string, info domain.TableInfo, cols []ddl.ColumnDef) ([]string, error) {
	if len(cols) == 0 {
		return nil, domain.ErrValidation("table %s has no columns with values to create it from", info.Name)
	}
	var stmts []string
	if r.dialect.NeedsSchema(schema) {
		stmt, err := ddl.CreateSchema(r.dialect, schema)
		if err != nil {
			return nil, domain.ErrValidation("%v", err)
		}
		stmts = append(stmts, stmt)
	}
	stmt, err := ddl.CreateTable(r.dialect, schema, info.Name, cols, info.PrimaryKey)
	if err != nil {
		return nil, domain.ErrValidation("%v", err)
	}
	return append(stmts, stmt), nil
}

// apply runs the DDL and ledger updates in one transaction.
func (r *Reconciler) apply(ctx context.Context, schema, table string, stmts []string, added []ddl.ColumnDef) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range stmts {
		r.logger.Debug("applying ddl", "statement", stmt)
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	record := ddl.RecordColumn(r.dialect)
	for _, c := range added {
		if _, err = tx.ExecContext(ctx, record, schema, table, c.Name, string(c.Type)); err != nil {
			return fmt.Errorf("record column %q: %w", c.Name, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// loadShape returns the cached shape, or reads it from the catalog and the
// column ledger. It returns nil when the table does not exist.
func (r *Reconciler) loadShape(ctx context.Context, schema, table string) (*Shape, error) {
	key := tableKey(schema, table)
	r.mu.RLock()
	cached, ok := r.shapes[key]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	q, args := ddl.ColumnsQuery(r.dialect, schema, table)
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("read columns of %s: %w", key, err)
	}
	shape := &Shape{Schema: schema, Table: table, Columns: map[string]domain.ColumnType{}}
	for rows.Next() {
		var name, native string
		if err := rows.Scan(&name, &native); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan columns of %s: %w", key, err)
		}
		shape.Columns[name] = r.dialect.LogicalType(native)
		shape.Order = append(shape.Order, name)
	}
	if err := errors.Join(rows.Err(), rows.Close()); err != nil {
		return nil, fmt.Errorf("read columns of %s: %w", key, err)
	}
	if len(shape.Order) == 0 {
		return nil, nil
	}

	ledger, err := r.db.QueryContext(ctx, ddl.LedgerQuery(r.dialect), schema, table)
	if err != nil {
		return nil, fmt.Errorf("read column ledger of %s: %w", key, err)
	}
	defer ledger.Close() //nolint:errcheck
	for ledger.Next() {
		var name, typ string
		if err := ledger.Scan(&name, &typ); err != nil {
			return nil, fmt.Errorf("scan column ledger of %s: %w", key, err)
		}
		if _, ok := shape.Columns[name]; ok {
			shape.Columns[name] = domain.ColumnType(typ)
		}
	}
	if err := ledger.Err(); err != nil {
		return nil, fmt.Errorf("read column ledger of %s: %w", key, err)
	}

	r.mu.Lock()
	r.shapes[key] = shape
	r.mu.Unlock()
	return shape, nil
}
