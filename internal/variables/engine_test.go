package variables_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/mcpvhost/internal/variables"
)

func TestSubstitute(t *testing.T) {
	tests := []struct {
		name     string
		template string
		ctx      map[string]string
		want     string
	}{
		{
			name:     "plain names",
			template: "Hello {{name}}, welcome to {{city}}!",
			ctx:      map[string]string{"name": "Sarah", "city": "New York"},
			want:     "Hello Sarah, welcome to New York!",
		},
		{
			name:     "typed placeholders",
			template: "Port: {{integer:port}}, SSL: {{boolean:ssl}}",
			ctx:      map[string]string{"port": "8080", "ssl": "true"},
			want:     "Port: 8080, SSL: true",
		},
		{
			name:     "numbers render canonically",
			template: "Timeout: {{number:timeout}}s, Retries: {{number:retries}}",
			ctx:      map[string]string{"timeout": "5.5", "retries": "3.0"},
			want:     "Timeout: 5.5s, Retries: 3",
		},
		{
			name:     "boolean aliases",
			template: "{{boolean:a}} {{bool:b}} {{boolean:c}}",
			ctx:      map[string]string{"a": "YES", "b": "0", "c": "1"},
			want:     "true false true",
		},
		{
			name:     "json is compacted",
			template: `{"filter": {{json:filter}}}`,
			ctx:      map[string]string{"filter": `{ "a" : [1, 2] }`},
			want:     `{"filter": {"a":[1,2]}}`,
		},
		{
			name:     "url passthrough",
			template: "{{url:base}}/users",
			ctx:      map[string]string{"base": "https://api.example.com"},
			want:     "https://api.example.com/users",
		},
		{
			name:     "repeated variable",
			template: "{{id}}-{{id}}",
			ctx:      map[string]string{"id": "7"},
			want:     "7-7",
		},
		{
			name:     "unknown type falls back to string",
			template: "{{weird:v}}",
			ctx:      map[string]string{"v": "anything"},
			want:     "anything",
		},
		{
			name:     "no placeholders is unchanged",
			template: "GET /health {not a placeholder} {{ spaced }}",
			ctx:      nil,
			want:     "GET /health {not a placeholder} {{ spaced }}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := variables.Substitute(tt.template, tt.ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSubstitute_IdempotentWithoutPlaceholders(t *testing.T) {
	template := `{"query": "plain text", "n": 1}`
	once, err := variables.Substitute(template, map[string]string{"unused": "x"})
	require.NoError(t, err)
	twice, err := variables.Substitute(once, map[string]string{"unused": "x"})
	require.NoError(t, err)
	assert.Equal(t, template, once)
	assert.Equal(t, once, twice)
}

func TestSubstitute_AggregatesErrors(t *testing.T) {
	template := "{{integer:port}} {{missing}} {{number:ratio}} {{url:site}} {{json:body}}"
	ctx := map[string]string{
		"port":  "not_a_number",
		"ratio": "NaN",
		"site":  "ftp://example.com",
		"body":  "{broken",
	}

	_, err := variables.Substitute(template, ctx)
	require.Error(t, err)

	var subErr *variables.SubstitutionError
	require.True(t, errors.As(err, &subErr))
	assert.Len(t, subErr.Problems, 5)
	assert.Contains(t, err.Error(), "variable substitution errors")
	assert.Contains(t, err.Error(), "variable 'port': cannot parse value as integer")
	assert.Contains(t, err.Error(), "variable 'missing' not found")
	assert.Contains(t, err.Error(), "variable 'ratio': number is not finite")

	var missing *variables.MissingError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "missing", missing.Name)

	var castErr *variables.CastError
	require.True(t, errors.As(err, &castErr))
	assert.Equal(t, "port", castErr.Name)
	assert.Equal(t, variables.TypeInteger, castErr.Type)
	assert.NotContains(t, err.Error(), "not_a_number", "values are never echoed")
}

func TestSubstituteJSON(t *testing.T) {
	ctx := map[string]string{"port": "8080", "enabled": "true", "name": "svc"}

	got, err := variables.SubstituteJSON(`{"port": {{integer:port}}, "ssl": {{boolean:enabled}}}`, ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"port": 8080.0, "ssl": true}, got)

	got, err = variables.SubstituteJSON(`[{{integer:port}}]`, ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{8080.0}, got)

	got, err = variables.SubstituteJSON("name={{name}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "name=svc", got)

	_, err = variables.SubstituteJSON(`{"name": {{name}}}`, ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse as JSON after substitution")
}

func TestFindVariables(t *testing.T) {
	vars := variables.FindVariables("{{name}} lives at {{url:api_base}}/users/{{integer:id}}")
	require.Len(t, vars, 3)
	assert.Equal(t, variables.Variable{Name: "name"}, vars[0])
	assert.Equal(t, variables.Variable{TypeName: "url", Name: "api_base"}, vars[1])
	assert.Equal(t, variables.Variable{TypeName: "integer", Name: "id"}, vars[2])
	assert.Equal(t, variables.TypeString, vars[0].Type())
	assert.Equal(t, variables.TypeURL, vars[1].Type())

	// Every variable found is exactly what Substitute needs.
	ctx := map[string]string{}
	for _, v := range vars {
		ctx[v.Name] = map[variables.Type]string{
			variables.TypeString:  "bob",
			variables.TypeURL:     "https://x.test",
			variables.TypeInteger: "42",
		}[v.Type()]
	}
	out, err := variables.Substitute("{{name}} lives at {{url:api_base}}/users/{{integer:id}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "bob lives at https://x.test/users/42", out)

	assert.Empty(t, variables.FindVariables("no placeholders here"))
}

func TestCast(t *testing.T) {
	tests := []struct {
		name    string
		typ     variables.Type
		value   string
		want    any
		wantErr bool
	}{
		{name: "string", typ: variables.TypeString, value: "x", want: "x"},
		{name: "integer", typ: variables.TypeInteger, value: "-12", want: int64(-12)},
		{name: "integer rejects float", typ: variables.TypeInteger, value: "1.5", wantErr: true},
		{name: "number", typ: variables.TypeNumber, value: "2.25", want: 2.25},
		{name: "number rejects infinity", typ: variables.TypeNumber, value: "Inf", wantErr: true},
		{name: "boolean no", typ: variables.TypeBoolean, value: "No", want: false},
		{name: "boolean rejects maybe", typ: variables.TypeBoolean, value: "maybe", wantErr: true},
		{name: "json array", typ: variables.TypeJSON, value: "[1, 2]", want: json.RawMessage("[1,2]")},
		{name: "url without host", typ: variables.TypeURL, value: "http://", wantErr: true},
		{name: "url", typ: variables.TypeURL, value: "http://localhost:8080/x", want: "http://localhost:8080/x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := variables.Cast(tt.typ, tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseType(t *testing.T) {
	assert.Equal(t, variables.TypeBoolean, variables.ParseType("bool"))
	assert.Equal(t, variables.TypeJSON, variables.ParseType("object"))
	assert.Equal(t, variables.TypeJSON, variables.ParseType("array"))
	assert.Equal(t, variables.TypeInteger, variables.ParseType("INTEGER"))
	assert.Equal(t, variables.TypeString, variables.ParseType("text"))
}
