package sink

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"protosink/internal/domain"
	"protosink/internal/value"
)

// param converts v into a driver argument for a column of type t.
func param(t domain.ColumnType, v value.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	switch t {
	case domain.TypeString:
		return stringParam(v)
	case domain.TypeInteger:
		switch v.Kind() {
		case value.KindInt:
			i, _ := v.AsInt()
			return i, nil
		case value.KindFloat:
			f, _ := v.AsFloat()
			if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
				return int64(f), nil
			}
		case value.KindBool:
			b, _ := v.AsBool()
			if b {
				return int64(1), nil
			}
			return int64(0), nil
		}
	case domain.TypeDecimal:
		switch v.Kind() {
		case value.KindInt:
			i, _ := v.AsInt()
			return i, nil
		case value.KindFloat:
			f, _ := v.AsFloat()
			return f, nil
		case value.KindString:
			// Large unsigned integers arrive as decimal strings.
			s, _ := v.AsString()
			if _, err := strconv.ParseFloat(s, 64); err == nil {
				return s, nil
			}
		}
	case domain.TypeBoolean:
		switch v.Kind() {
		case value.KindBool:
			b, _ := v.AsBool()
			return b, nil
		case value.KindInt:
			i, _ := v.AsInt()
			if i == 0 || i == 1 {
				return i == 1, nil
			}
		}
	case domain.TypeTimestamp:
		return timestampParam(v)
	case domain.TypeJSON:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	default:
		return naturalParam(v)
	}
	return nil, domain.ErrValidation("cannot store %s value in %s column", v.Kind(), t)
}

func stringParam(v value.Value) (any, error) {
	switch v.Kind() {
	case value.KindString:
		s, _ := v.AsString()
		return s, nil
	case value.KindBytes:
		b, _ := v.AsBytes()
		return base64.StdEncoding.EncodeToString(b), nil
	case value.KindInt, value.KindFloat, value.KindBool:
		return v.String(), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
}

func timestampParam(v value.Value) (any, error) {
	switch v.Kind() {
	case value.KindString:
		s, _ := v.AsString()
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, domain.ErrValidation("timestamp %q is not RFC 3339", s)
		}
		return ts.UTC(), nil
	case value.KindInt:
		ms, _ := v.AsInt()
		return time.UnixMilli(ms).UTC(), nil
	case value.KindFloat:
		ms, _ := v.AsFloat()
		return time.UnixMicro(int64(ms * 1000)).UTC(), nil
	default:
		return nil, domain.ErrValidation("cannot store %s value in timestamp column", v.Kind())
	}
}

// naturalParam handles columns whose logical type is unknown, such as
// columns created outside protosink.
func naturalParam(v value.Value) (any, error) {
	switch v.Kind() {
	case value.KindBool:
		b, _ := v.AsBool()
		return b, nil
	case value.KindInt:
		i, _ := v.AsInt()
		return i, nil
	case value.KindFloat:
		f, _ := v.AsFloat()
		return f, nil
	case value.KindString:
		s, _ := v.AsString()
		return s, nil
	case value.KindBytes:
		b, _ := v.AsBytes()
		return b, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
}
