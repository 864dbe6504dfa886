package ddl

import (
	"fmt"
	"strconv"
	"strings"

	"protosink/internal/domain"
)

// Dialect captures the per-database differences the reconciler and sink
// care about.
type Dialect struct {
	Name string
	// DefaultSchema is the schema that always exists. Empty when the
	// database has no schemas.
	DefaultSchema string
	// Schemas reports whether tables live in named schemas.
	Schemas bool
	// AddColumnIfNotExists reports support for ALTER TABLE ADD COLUMN IF NOT EXISTS.
	AddColumnIfNotExists bool
	// MaxParams bounds the bind parameters in a single statement.
	MaxParams int
	// NumberedParams selects $1-style placeholders over ?.
	NumberedParams bool

	types   map[domain.ColumnType]string
	logical map[string]domain.ColumnType
}

// Postgres is the PostgreSQL dialect.
var Postgres = Dialect{
	Name:                 "postgres",
	DefaultSchema:        "public",
	Schemas:              true,
	AddColumnIfNotExists: true,
	MaxParams:            65535,
	NumberedParams:       true,
	types: map[domain.ColumnType]string{
		domain.TypeString:    "TEXT",
		domain.TypeInteger:   "BIGINT",
		domain.TypeDecimal:   "NUMERIC",
		domain.TypeBoolean:   "BOOLEAN",
		domain.TypeTimestamp: "TIMESTAMPTZ",
		domain.TypeJSON:      "JSONB",
	},
	logical: map[string]domain.ColumnType{
		"text":                        domain.TypeString,
		"character varying":           domain.TypeString,
		"character":                   domain.TypeString,
		"bigint":                      domain.TypeInteger,
		"integer":                     domain.TypeInteger,
		"smallint":                    domain.TypeInteger,
		"numeric":                     domain.TypeDecimal,
		"double precision":            domain.TypeDecimal,
		"real":                        domain.TypeDecimal,
		"boolean":                     domain.TypeBoolean,
		"timestamp with time zone":    domain.TypeTimestamp,
		"timestamp without time zone": domain.TypeTimestamp,
		"jsonb":                       domain.TypeJSON,
		"json":                        domain.TypeJSON,
	},
}

// SQLite is the SQLite dialect. Schemas are ignored; tables are created in
// the main database.
var SQLite = Dialect{
	Name:      "sqlite3",
	MaxParams: 32766,
	types: map[domain.ColumnType]string{
		domain.TypeString:    "TEXT",
		domain.TypeInteger:   "INTEGER",
		domain.TypeDecimal:   "REAL",
		domain.TypeBoolean:   "BOOLEAN",
		domain.TypeTimestamp: "TIMESTAMP",
		domain.TypeJSON:      "TEXT",
	},
	logical: map[string]domain.ColumnType{
		"text":      domain.TypeString,
		"integer":   domain.TypeInteger,
		"real":      domain.TypeDecimal,
		"numeric":   domain.TypeDecimal,
		"boolean":   domain.TypeBoolean,
		"timestamp": domain.TypeTimestamp,
		"datetime":  domain.TypeTimestamp,
	},
}

// DuckDB is the DuckDB dialect.
var DuckDB = Dialect{
	Name:                 "duckdb",
	DefaultSchema:        "main",
	Schemas:              true,
	AddColumnIfNotExists: true,
	MaxParams:            65535,
	NumberedParams:       true,
	types: map[domain.ColumnType]string{
		domain.TypeString:    "VARCHAR",
		domain.TypeInteger:   "BIGINT",
		domain.TypeDecimal:   "DOUBLE",
		domain.TypeBoolean:   "BOOLEAN",
		domain.TypeTimestamp: "TIMESTAMPTZ",
		domain.TypeJSON:      "JSON",
	},
	logical: map[string]domain.ColumnType{
		"varchar":                  domain.TypeString,
		"bigint":                   domain.TypeInteger,
		"integer":                  domain.TypeInteger,
		"double":                   domain.TypeDecimal,
		"decimal":                  domain.TypeDecimal,
		"boolean":                  domain.TypeBoolean,
		"timestamp with time zone": domain.TypeTimestamp,
		"timestamp":                domain.TypeTimestamp,
		"json":                     domain.TypeJSON,
	},
}

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, error) {
	switch name {
	case Postgres.Name:
		return Postgres, nil
	case SQLite.Name:
		return SQLite, nil
	case DuckDB.Name:
		return DuckDB, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported dialect %q", name)
	}
}

// Placeholder returns the bind marker for the n-th (1-based) parameter.
func (d Dialect) Placeholder(n int) string {
	if d.NumberedParams {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// ColumnType returns the native type used for a logical column type.
func (d Dialect) ColumnType(t domain.ColumnType) (string, error) {
	native, ok := d.types[t]
	if !ok {
		return "", fmt.Errorf("no %s type for %q", d.Name, t)
	}
	return native, nil
}

// LogicalType maps a catalog type name back to a logical type. It returns
// the empty string for types this dialect never creates.
func (d Dialect) LogicalType(native string) domain.ColumnType {
	native = strings.ToLower(strings.TrimSpace(native))
	if i := strings.IndexByte(native, '('); i > 0 {
		native = strings.TrimSpace(native[:i])
	}
	return d.logical[native]
}

// Qualify returns the quoted table reference.
func (d Dialect) Qualify(schema, table string) string {
	if !d.Schemas || schema == "" {
		return QuoteIdentifier(table)
	}
	return QuoteIdentifier(schema) + "." + QuoteIdentifier(table)
}

// NeedsSchema reports whether schema must be created before use.
func (d Dialect) NeedsSchema(schema string) bool {
	return d.Schemas && schema != "" && schema != d.DefaultSchema
}

// SchemaFor resolves the schema a table declared in declared lives in.
// Databases without schemas always report "main".
func (d Dialect) SchemaFor(declared string) string {
	switch {
	case !d.Schemas:
		return "main"
	case declared == "":
		return d.DefaultSchema
	default:
		return declared
	}
}
