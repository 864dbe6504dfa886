// Package ddl builds the DDL and DML statements used to materialise plugin
// output in a destination database.
package ddl

import (
	"fmt"
	"strings"

	"protosink/internal/domain"
)

// ColumnDef describes a column for CREATE TABLE and ALTER TABLE.
type ColumnDef struct {
	Name string
	Type domain.ColumnType
}

// LedgerTable records the logical type of every column the reconciler created.
const LedgerTable = "protosink_columns"

// CreateSchema returns: CREATE SCHEMA IF NOT EXISTS "<name>".
func CreateSchema(d Dialect, name string) (string, error) {
	if !d.Schemas {
		return "", fmt.Errorf("%s does not support schemas", d.Name)
	}
	if err := ValidateIdentifier(name); err != nil {
		return "", fmt.Errorf("invalid schema name: %w", err)
	}
	return fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", QuoteIdentifier(name)), nil
}

// CreateTable returns:
// CREATE TABLE IF NOT EXISTS "<schema>"."<table>" ("<col1>" TYPE1, ... [, PRIMARY KEY ("<pk>")]).
func CreateTable(d Dialect, schema, table string, columns []ColumnDef, primaryKey string) (string, error) {
	if err := validateTable(d, schema, table); err != nil {
		return "", err
	}
	if len(columns) == 0 {
		return "", fmt.Errorf("at least one column is required")
	}

	colDefs := make([]string, 0, len(columns)+1)
	hasKey := primaryKey == ""
	for _, c := range columns {
		def, err := columnDef(d, c)
		if err != nil {
			return "", err
		}
		colDefs = append(colDefs, def)
		if c.Name == primaryKey {
			hasKey = true
		}
	}
	if !hasKey {
		return "", fmt.Errorf("primary key %q is not among the table columns", primaryKey)
	}
	if primaryKey != "" {
		colDefs = append(colDefs, fmt.Sprintf("PRIMARY KEY (%s)", QuoteIdentifier(primaryKey)))
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		d.Qualify(schema, table),
		strings.Join(colDefs, ", "),
	), nil
}

// AddColumn returns: ALTER TABLE "<schema>"."<table>" ADD COLUMN [IF NOT EXISTS] "<col>" TYPE.
func AddColumn(d Dialect, schema, table string, column ColumnDef) (string, error) {
	if err := validateTable(d, schema, table); err != nil {
		return "", err
	}
	def, err := columnDef(d, column)
	if err != nil {
		return "", err
	}
	clause := "ADD COLUMN"
	if d.AddColumnIfNotExists {
		clause += " IF NOT EXISTS"
	}
	return fmt.Sprintf("ALTER TABLE %s %s %s", d.Qualify(schema, table), clause, def), nil
}

// Insert returns a multi-row INSERT with one placeholder per column per row.
// When primaryKey is set the statement upserts on that key.
func Insert(d Dialect, schema, table string, columns []string, rows int, primaryKey string) (string, error) {
	if err := validateTable(d, schema, table); err != nil {
		return "", err
	}
	if len(columns) == 0 || rows <= 0 {
		return "", fmt.Errorf("insert requires at least one column and one row")
	}
	if len(columns)*rows > d.MaxParams {
		return "", fmt.Errorf("insert of %d rows x %d columns exceeds %d parameters", rows, len(columns), d.MaxParams)
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		if err := ValidateIdentifier(c); err != nil {
			return "", fmt.Errorf("invalid column name %q: %w", c, err)
		}
		quoted[i] = QuoteIdentifier(c)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", d.Qualify(schema, table), strings.Join(quoted, ", "))
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range columns {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.Placeholder(n))
			n++
		}
		b.WriteByte(')')
	}

	if primaryKey != "" {
		if err := ValidateIdentifier(primaryKey); err != nil {
			return "", fmt.Errorf("invalid primary key %q: %w", primaryKey, err)
		}
		var updates []string
		for i, c := range columns {
			if c == primaryKey {
				continue
			}
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", quoted[i], quoted[i]))
		}
		if len(updates) == 0 {
			fmt.Fprintf(&b, " ON CONFLICT (%s) DO NOTHING", QuoteIdentifier(primaryKey))
		} else {
			fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET %s", QuoteIdentifier(primaryKey), strings.Join(updates, ", "))
		}
	}
	return b.String(), nil
}

// ColumnsQuery returns a query yielding (column name, native type) rows for
// an existing table, in column order. No rows means the table does not exist.
func ColumnsQuery(d Dialect, schema, table string) (string, []any) {
	if !d.Schemas {
		return "SELECT name, type FROM pragma_table_info(?) ORDER BY cid", []any{table}
	}
	return fmt.Sprintf(
		"SELECT column_name, data_type FROM information_schema.columns WHERE table_schema = %s AND table_name = %s ORDER BY ordinal_position",
		d.Placeholder(1), d.Placeholder(2),
	), []any{schema, table}
}

// LedgerQuery returns a query yielding (column name, logical type) rows
// recorded for a table.
func LedgerQuery(d Dialect) string {
	return fmt.Sprintf("SELECT column_name, column_type FROM %s WHERE table_schema = %s AND table_name = %s",
		LedgerTable, d.Placeholder(1), d.Placeholder(2))
}

// RecordColumn returns an upsert into the column ledger taking
// (schema, table, column, type) parameters.
func RecordColumn(d Dialect) string {
	return fmt.Sprintf("INSERT INTO %s (table_schema, table_name, column_name, column_type) VALUES (%s, %s, %s, %s) "+
		"ON CONFLICT (table_schema, table_name, column_name) DO UPDATE SET column_type = excluded.column_type",
		LedgerTable, d.Placeholder(1), d.Placeholder(2), d.Placeholder(3), d.Placeholder(4))
}

func validateTable(d Dialect, schema, table string) error {
	if d.Schemas {
		if err := ValidateIdentifier(schema); err != nil {
			return fmt.Errorf("invalid schema name: %w", err)
		}
	}
	if err := ValidateIdentifier(table); err != nil {
		return fmt.Errorf("invalid table name: %w", err)
	}
	return nil
}

func columnDef(d Dialect, c ColumnDef) (string, error) {
	if err := ValidateIdentifier(c.Name); err != nil {
		return "", fmt.Errorf("invalid column name %q: %w", c.Name, err)
	}
	native, err := d.ColumnType(c.Type)
	if err != nil {
		return "", fmt.Errorf("invalid column type for %q: %w", c.Name, err)
	}
	return fmt.Sprintf("%s %s", QuoteIdentifier(c.Name), native), nil
}

// DeadLetterTable holds messages the pipeline skipped.
const DeadLetterTable = "protosink_dead_letters"

// RecordDeadLetter returns an upsert into the dead-letter table taking
// (batch_id, topic, partition, offset, key, payload, reason) parameters.
func RecordDeadLetter(d Dialect) string {
	ph := make([]string, 7)
	for i := range ph {
		ph[i] = d.Placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (batch_id, topic, kafka_partition, kafka_offset, message_key, payload, reason) VALUES (%s) "+
		"ON CONFLICT (topic, kafka_partition, kafka_offset) DO UPDATE SET batch_id = excluded.batch_id, reason = excluded.reason",
		DeadLetterTable, strings.Join(ph, ", "))
}
