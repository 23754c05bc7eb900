package domain

import (
	"fmt"
	"sort"

	"github.com/i2y/mcpvhost/internal/variables"
)

// ParamType is the declared type of a tool parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamInteger ParamType = "integer"
	ParamBoolean ParamType = "boolean"
	ParamJSON    ParamType = "json"
	ParamURL     ParamType = "url"
)

// VariableType converts the declared type to the substitution engine's type.
func (t ParamType) VariableType() variables.Type {
	return variables.ParseType(string(t))
}

// Parameter declares one input of a Tool.
type Parameter struct {
	Name        string    `json:"name" yaml:"name"`
	Type        ParamType `json:"type" yaml:"type"`
	IsSecret    bool      `json:"is_secret,omitempty" yaml:"is_secret,omitempty"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	// Default is used when an exposed parameter is omitted by the caller.
	Default *string `json:"default,omitempty" yaml:"default,omitempty"`
}

// Tool is a reusable definition of a downstream HTTP call.
// Instances reference a Tool; they never copy it.
type Tool struct {
	ID          int64  `json:"id"`
	OwnerID     string `json:"owner_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Method string `json:"method"`
	// URL, Headers values and Body may contain {{type:name}} placeholders.
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	TimeoutMS int               `json:"timeout_ms,omitempty"`

	Parameters []Parameter `json:"parameters"`
}

// Parameter returns the declaration with the given name.
func (t *Tool) Parameter(name string) (Parameter, bool) {
	for _, p := range t.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// Templates returns every template of the tool: URL, header values in key order, then body.
func (t *Tool) Templates() []string {
	out := []string{t.URL}
	keys := make([]string, 0, len(t.Headers))
	for k := range t.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, t.Headers[k])
	}
	if t.Body != "" {
		out = append(out, t.Body)
	}
	return out
}

// ExtractParameters derives parameter declarations from the placeholders used in the
// tool's templates, in order of first appearance. Untyped placeholders are strings.
func (t *Tool) ExtractParameters() []Parameter {
	seen := make(map[string]bool)
	var params []Parameter
	for _, tmpl := range t.Templates() {
		for _, v := range variables.FindVariables(tmpl) {
			if seen[v.Name] {
				continue
			}
			seen[v.Name] = true
			params = append(params, Parameter{Name: v.Name, Type: ParamType(v.Type())})
		}
	}
	return params
}

// Validate checks that the tool is callable: it has a method and URL, parameter names are
// unique and every placeholder in its templates is declared.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	if t.Method == "" {
		return &ValidationError{Field: "method", Reason: "is required"}
	}
	if t.URL == "" {
		return &ValidationError{Field: "url", Reason: "is required"}
	}
	if t.TimeoutMS < 0 {
		return &ValidationError{Field: "timeout_ms", Reason: "must not be negative"}
	}
	declared := make(map[string]bool, len(t.Parameters))
	for _, p := range t.Parameters {
		if p.Name == "" {
			return &ValidationError{Field: "parameters", Reason: "parameter name is required"}
		}
		if declared[p.Name] {
			return &ValidationError{Field: "parameters", Reason: fmt.Sprintf("duplicate parameter %q", p.Name)}
		}
		declared[p.Name] = true
	}
	for _, p := range t.ExtractParameters() {
		if !declared[p.Name] {
			return &ValidationError{Field: "parameters", Reason: fmt.Sprintf("placeholder %q is not declared", p.Name)}
		}
	}
	return nil
}
