package reconciler

import (
	"protosink/internal/ddl"
	"protosink/internal/domain"
	"protosink/internal/value"
)

// desiredColumns lists the declared columns in declared order, then columns
// that only appear in rows in first-seen order. Types missing from the
// declaration are inferred from row values; a declared column with neither a
// type nor a value keeps an empty type. Undeclared columns whose values are
// all null are left out.
func desiredColumns(info domain.TableInfo, rows []*value.Map) ([]ddl.ColumnDef, error) {
	cols := make([]ddl.ColumnDef, 0, len(info.Columns))
	seen := make(map[string]bool, len(info.Columns))

	for _, c := range info.Columns {
		seen[c.Name] = true
		t := c.Type
		if t == "" {
			inferred, err := inferType(c.Name, rows)
			if err != nil {
				return nil, err
			}
			t = inferred
		}
		cols = append(cols, ddl.ColumnDef{Name: c.Name, Type: t})
	}

	var extra []string
	for _, row := range rows {
		for _, k := range row.Keys() {
			if !seen[k] {
				seen[k] = true
				extra = append(extra, k)
			}
		}
	}
	for _, name := range extra {
		t, err := inferType(name, rows)
		if err != nil {
			return nil, err
		}
		if t == "" {
			continue
		}
		cols = append(cols, ddl.ColumnDef{Name: name, Type: t})
	}
	return cols, nil
}

// inferType derives a column type from the values in rows. Integers mixed
// with floats widen to decimal; any other mix is an error.
func inferType(column string, rows []*value.Map) (domain.ColumnType, error) {
	var t domain.ColumnType
	for _, row := range rows {
		v, ok := row.Get(column)
		if !ok {
			continue
		}
		vt := valueType(v)
		switch {
		case vt == "" || vt == t:
		case t == "":
			t = vt
		case isNumeric(t) && isNumeric(vt):
			t = domain.TypeDecimal
		default:
			return "", domain.ErrValidation("column %q mixes %s and %s values", column, t, vt)
		}
	}
	return t, nil
}

func valueType(v value.Value) domain.ColumnType {
	switch v.Kind() {
	case value.KindBool:
		return domain.TypeBoolean
	case value.KindInt:
		return domain.TypeInteger
	case value.KindFloat:
		return domain.TypeDecimal
	case value.KindString, value.KindBytes:
		return domain.TypeString
	case value.KindList, value.KindMap:
		return domain.TypeJSON
	default:
		return ""
	}
}

func isNumeric(t domain.ColumnType) bool {
	return t == domain.TypeInteger || t == domain.TypeDecimal
}

// compatible reports whether values of type incoming can be stored in a
// column recorded as existing. An empty type on either side is unknown and
// matches anything.
func compatible(existing, incoming domain.ColumnType) bool {
	switch {
	case existing == "" || incoming == "" || existing == incoming:
		return true
	case existing == domain.TypeJSON:
		return true
	case existing == domain.TypeDecimal:
		return incoming == domain.TypeInteger
	case existing == domain.TypeTimestamp:
		return incoming == domain.TypeString || incoming == domain.TypeInteger
	default:
		return false
	}
}

// materialised returns c with an unknown type replaced by string, the type
// used when a column must be created before any value has been seen.
func materialised(c ddl.ColumnDef) ddl.ColumnDef {
	if c.Type == "" {
		c.Type = domain.TypeString
	}
	return c
}
