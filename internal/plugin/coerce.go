package plugin

import (
	"fmt"

	"protosink/internal/domain"
	"protosink/internal/value"
)

// Coerce converts a module's return value into a TransformResult.
//
// The value must be an object. "success" defaults to true. Rows come from
// "rows", or "data" as an alias; a single object counts as one row. A result
// that breaks the contract comes back unsuccessful with the reason in Error.
func Coerce(out value.Value) domain.TransformResult {
	res, err := coerce(out)
	if err != nil {
		return domain.TransformResult{Success: false, Error: err.Error()}
	}
	return res
}

func coerce(out value.Value) (domain.TransformResult, error) {
	m, ok := out.AsMap()
	if !ok {
		return domain.TransformResult{}, fmt.Errorf("transform must return an object, got %s", out.Kind())
	}

	success := true
	if v, ok := m.Get("success"); ok && !v.IsNull() {
		b, ok := v.AsBool()
		if !ok {
			return domain.TransformResult{}, fmt.Errorf("success must be a boolean, got %s", v.Kind())
		}
		success = b
	}
	var errMsg string
	if v, ok := m.Get("error"); ok && !v.IsNull() {
		if s, ok := v.AsString(); ok {
			errMsg = s
		} else {
			errMsg = v.String()
		}
	}
	if !success {
		if errMsg == "" {
			errMsg = "transform reported failure"
		}
		return domain.TransformResult{Success: false, Error: errMsg}, nil
	}

	res := domain.TransformResult{Success: true, Error: errMsg}
	if v, ok := m.Get("table_info"); ok && !v.IsNull() {
		info, err := coerceTableInfo(v)
		if err != nil {
			return domain.TransformResult{}, err
		}
		res.TableInfo = info
	}

	rowsVal, ok := m.Get("rows")
	if !ok {
		rowsVal, _ = m.Get("data")
	}
	rows, err := coerceRows(rowsVal)
	if err != nil {
		return domain.TransformResult{}, err
	}
	if len(rows) > 0 && res.TableInfo == nil {
		return domain.TransformResult{}, fmt.Errorf("transform returned rows without table_info")
	}
	res.Rows = rows
	return res, nil
}

func coerceRows(v value.Value) ([]*value.Map, error) {
	switch v.Kind() {
	case value.KindNull:
		return nil, nil
	case value.KindMap:
		m, _ := v.AsMap()
		return []*value.Map{m}, nil
	case value.KindList:
		items, _ := v.AsList()
		rows := make([]*value.Map, 0, len(items))
		for i, item := range items {
			m, ok := item.AsMap()
			if !ok {
				return nil, fmt.Errorf("row %d must be an object, got %s", i, item.Kind())
			}
			rows = append(rows, m)
		}
		return rows, nil
	default:
		return nil, fmt.Errorf("rows must be a list of objects, got %s", v.Kind())
	}
}

func coerceTableInfo(v value.Value) (*domain.TableInfo, error) {
	m, ok := v.AsMap()
	if !ok {
		return nil, fmt.Errorf("table_info must be an object, got %s", v.Kind())
	}

	info := &domain.TableInfo{}
	var err error
	if info.Name, err = stringField(m, "name"); err != nil {
		return nil, err
	}
	if info.Name == "" {
		return nil, fmt.Errorf("table_info.name is required")
	}
	if info.Schema, err = stringField(m, "schema"); err != nil {
		return nil, err
	}
	if info.PrimaryKey, err = stringField(m, "primary_key"); err != nil {
		return nil, err
	}

	cols, ok := m.Get("columns")
	if !ok || cols.IsNull() {
		return info, nil
	}
	if info.Columns, err = coerceColumns(cols); err != nil {
		return nil, err
	}
	return info, nil
}

// coerceColumns accepts [{name, type}, ...] or {name: type, ...}. A column
// without a type is inferred from row values later.
func coerceColumns(v value.Value) ([]domain.Column, error) {
	var cols []domain.Column
	seen := map[string]bool{}
	add := func(name string, typ value.Value) error {
		if name == "" {
			return fmt.Errorf("column name is required")
		}
		if seen[name] {
			return fmt.Errorf("column %q declared twice", name)
		}
		seen[name] = true
		col := domain.Column{Name: name}
		if !typ.IsNull() {
			s, ok := typ.AsString()
			if !ok {
				return fmt.Errorf("column %q type must be a string", name)
			}
			t, err := domain.ParseColumnType(s)
			if err != nil {
				return fmt.Errorf("column %q: %w", name, err)
			}
			col.Type = t
		}
		cols = append(cols, col)
		return nil
	}

	switch v.Kind() {
	case value.KindList:
		items, _ := v.AsList()
		for i, item := range items {
			m, ok := item.AsMap()
			if !ok {
				return nil, fmt.Errorf("table_info.columns[%d] must be an object", i)
			}
			name, err := stringField(m, "name")
			if err != nil {
				return nil, err
			}
			typ, _ := m.Get("type")
			if err := add(name, typ); err != nil {
				return nil, err
			}
		}
	case value.KindMap:
		m, _ := v.AsMap()
		var err error
		m.Range(func(name string, typ value.Value) bool {
			err = add(name, typ)
			return err == nil
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("table_info.columns must be a list, got %s", v.Kind())
	}
	return cols, nil
}

func stringField(m *value.Map, key string) (string, error) {
	v, ok := m.Get(key)
	if !ok || v.IsNull() {
		return "", nil
	}
	s, ok := v.AsString()
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %s", key, v.Kind())
	}
	return s, nil
}
