package domain

import (
	"strings"

	"protosink/internal/value"
)

// DefaultSchema is the destination schema used when a plugin does not name one.
const DefaultSchema = "public"

// ColumnType is the closed set of logical column types a plugin may declare.
type ColumnType string

// Logical column types.
const (
	TypeString    ColumnType = "string"
	TypeInteger   ColumnType = "integer"
	TypeDecimal   ColumnType = "decimal"
	TypeBoolean   ColumnType = "boolean"
	TypeTimestamp ColumnType = "timestamp"
	TypeJSON      ColumnType = "json"
)

var columnTypeAliases = map[string]ColumnType{
	"string":      TypeString,
	"text":        TypeString,
	"varchar":     TypeString,
	"integer":     TypeInteger,
	"int":         TypeInteger,
	"bigint":      TypeInteger,
	"decimal":     TypeDecimal,
	"numeric":     TypeDecimal,
	"float":       TypeDecimal,
	"double":      TypeDecimal,
	"float8":      TypeDecimal,
	"boolean":     TypeBoolean,
	"bool":        TypeBoolean,
	"timestamp":   TypeTimestamp,
	"timestamptz": TypeTimestamp,
	"json":        TypeJSON,
	"jsonb":       TypeJSON,
}

// ParseColumnType resolves a declared type name, including common SQL aliases.
func ParseColumnType(name string) (ColumnType, error) {
	t, ok := columnTypeAliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", ErrValidation("unknown column type %q", name)
	}
	return t, nil
}

// Column is a declared destination column.
type Column struct {
	Name string
	Type ColumnType
}

// TableInfo describes the destination table a transform writes to.
type TableInfo struct {
	Name       string
	Schema     string
	PrimaryKey string
	Columns    []Column
}

// QualifiedName returns schema.table with the default schema applied.
func (t TableInfo) QualifiedName() string {
	return t.SchemaOrDefault() + "." + t.Name
}

// SchemaOrDefault returns the declared schema or DefaultSchema.
func (t TableInfo) SchemaOrDefault() string {
	if t.Schema == "" {
		return DefaultSchema
	}
	return t.Schema
}

// Column returns the declared column with the given name.
func (t TableInfo) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// TransformResult is the coerced output of one plugin call.
type TransformResult struct {
	Success   bool
	TableInfo *TableInfo
	Rows      []*value.Map
	Error     string
}

// Deliverable reports whether the result carries rows for the sink.
func (r TransformResult) Deliverable() bool {
	return r.Success && r.TableInfo != nil && len(r.Rows) > 0
}
