package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    string
		wantErr bool
	}{
		{
			name: "bare object",
			text: `{"table": "King", "filters": {}}`,
			want: `{"table": "King", "filters": {}}`,
		},
		{
			name: "object wrapped in prose",
			text: "Here are the entities you asked for:\n{\"table\": \"King\"}\nLet me know if you need more.",
			want: `{"table": "King"}`,
		},
		{
			name: "markdown fenced",
			text: "```json\n{\"sql_query\": \"SELECT COUNT(*) FROM King\"}\n```",
			want: `{"sql_query": "SELECT COUNT(*) FROM King"}`,
		},
		{
			name: "nested object",
			text: `{"table": "King", "filters": {"Make": "TESLA", "note": "uses } inside string"}}`,
			want: `{"table": "King", "filters": {"Make": "TESLA", "note": "uses } inside string"}}`,
		},
		{
			name: "two objects picks first balanced",
			text: `{"a": 1} trailing text {"b": 2`,
			want: `{"a": 1}`,
		},
		{
			name:    "no braces",
			text:    "I could not produce any entities.",
			wantErr: true,
		},
		{
			name:    "unbalanced only",
			text:    `{"table": "King"`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSONObject(tt.text)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStringField(t *testing.T) {
	doc := `{"sql_query": "SELECT 1", "empty": "", "nested": {"x": "y"}}`

	v, ok := StringField(doc, "sql_query")
	assert.True(t, ok)
	assert.Equal(t, "SELECT 1", v)

	_, ok = StringField(doc, "empty")
	assert.False(t, ok)

	_, ok = StringField(doc, "missing")
	assert.False(t, ok)

	v, ok = StringField(doc, "nested.x")
	assert.True(t, ok)
	assert.Equal(t, "y", v)
}
