package ddl

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{name: "proto_field_name", input: "customer_id"},
		{name: "proto_json_name", input: "customerId"},
		{name: "json_name_with_digits", input: "line2Total"},
		{name: "leading_underscore", input: "_kafka_offset"},
		{name: "bookkeeping_table", input: "protosink_columns"},
		{name: "max_length", input: strings.Repeat("c", 128)},

		{name: "empty", input: "", wantErr: "name is required"},
		{name: "too_long", input: strings.Repeat("c", 129), wantErr: "at most 128 characters"},
		{name: "proto_full_name", input: "shop.v1.Order", wantErr: "must match"},
		{name: "topic_name", input: "orders-v1", wantErr: "must match"},
		{name: "leading_digit", input: "2fa_enabled", wantErr: "must match"},
		{name: "non_ascii", input: "prénom", wantErr: "must match"},
		{name: "space", input: "customer name", wantErr: "must match"},
		{name: "quote", input: `name"--`, wantErr: "must match"},
		{name: "statement_break", input: "id; DROP TABLE orders", wantErr: "must match"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.input)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestQuoteIdentifier(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{input: "customer_id", want: `"customer_id"`},
		{input: "customerId", want: `"customerId"`},
		{input: "order", want: `"order"`},
		{input: `a"b`, want: `"a""b"`},
		{input: "", want: `""`},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, QuoteIdentifier(tt.input))
		})
	}
}
