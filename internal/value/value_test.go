package value

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_PreservesInsertionOrder(t *testing.T) {
	m := NewMap()
	m.Set("zeta", Int(1))
	m.Set("alpha", Int(2))
	m.Set("mid", Int(3))
	m.Set("zeta", Int(4))

	assert.Equal(t, []string{"zeta", "alpha", "mid"}, m.Keys())
	v, ok := m.Get("zeta")
	require.True(t, ok)
	assert.True(t, v.Equal(Int(4)))

	m.Delete("alpha")
	assert.Equal(t, []string{"zeta", "mid"}, m.Keys())
	assert.Equal(t, 2, m.Len())
}

func TestValue_Equal(t *testing.T) {
	a := NewMap()
	a.Set("x", Int(1))
	a.Set("y", String("b"))
	b := NewMap()
	b.Set("y", String("b"))
	b.Set("x", Int(1))

	tests := []struct {
		name  string
		left  Value
		right Value
		want  bool
	}{
		{name: "null", left: Null(), right: Null(), want: true},
		{name: "int_vs_float", left: Int(1), right: Float(1), want: false},
		{name: "nan", left: Float(math.NaN()), right: Float(math.NaN()), want: true},
		{name: "bytes", left: Bytes([]byte{1, 2}), right: Bytes([]byte{1, 2}), want: true},
		{name: "list_order", left: List(Int(1), Int(2)), right: List(Int(2), Int(1)), want: false},
		{name: "map_key_order", left: FromMap(a), right: FromMap(b), want: true},
		{name: "string", left: String("a"), right: String("b"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.left.Equal(tt.right))
		})
	}
}

func TestMarshalJSON_NumberForms(t *testing.T) {
	tests := []struct {
		name string
		in   Value
		want string
	}{
		{name: "int", in: Int(25), want: `25`},
		{name: "integral_float", in: Float(25), want: `25.0`},
		{name: "fraction", in: Float(2.5), want: `2.5`},
		{name: "exponent", in: Float(1e21), want: `1e+21`},
		{name: "negative_int", in: Int(math.MinInt64), want: `-9223372036854775808`},
		{name: "bytes", in: Bytes([]byte("hi")), want: `"aGk="`},
		{name: "null", in: Null(), want: `null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.MarshalJSON()
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestMarshalJSON_RejectsNaN(t *testing.T) {
	_, err := Float(math.Inf(1)).MarshalJSON()
	require.Error(t, err)
}

func TestParseJSON_RoundTrip(t *testing.T) {
	inner := NewMap()
	inner.Set("b", Float(1.5))
	inner.Set("a", Int(-3))
	root := NewMap()
	root.Set("name", String("widget"))
	root.Set("count", Int(math.MaxInt64))
	root.Set("price", Float(10))
	root.Set("tags", List(String("x"), Null(), Bool(true)))
	root.Set("nested", FromMap(inner))

	encoded, err := FromMap(root).MarshalJSON()
	require.NoError(t, err)

	decoded, err := ParseJSON(encoded)
	require.NoError(t, err)
	assert.True(t, decoded.Equal(FromMap(root)), "got %s", decoded)

	m, ok := decoded.AsMap()
	require.True(t, ok)
	assert.Equal(t, []string{"name", "count", "price", "tags", "nested"}, m.Keys())
	nested, _ := m.Get("nested")
	nm, _ := nested.AsMap()
	assert.Equal(t, []string{"b", "a"}, nm.Keys())
}

func TestParseJSON_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{name: "overflow", input: `18446744073709551615`, wantErr: "does not fit in int64"},
		{name: "trailing", input: `{} {}`, wantErr: "unexpected data"},
		{name: "truncated", input: `{"a":`, wantErr: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJSON([]byte(tt.input))
			require.Error(t, err)
			if tt.wantErr != "" {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
