// Package variables substitutes typed {{type:name}} placeholders in text templates.
package variables

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Type is the declared kind of a placeholder or parameter value.
type Type string

const (
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeInteger Type = "integer"
	TypeBoolean Type = "boolean"
	TypeJSON    Type = "json"
	TypeURL     Type = "url"
)

// pattern matches {{name}} and {{type:name}}.
var pattern = regexp.MustCompile(`\{\{(?:([a-z]+):)?([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)

// ParseType maps a type name to a Type. Unknown names are treated as strings.
func ParseType(name string) Type {
	switch strings.ToLower(name) {
	case "number":
		return TypeNumber
	case "integer":
		return TypeInteger
	case "boolean", "bool":
		return TypeBoolean
	case "json", "object", "array":
		return TypeJSON
	case "url":
		return TypeURL
	default:
		return TypeString
	}
}

// Variable is a placeholder found in a template.
type Variable struct {
	// TypeName is the type prefix as written, empty when omitted.
	TypeName string
	Name     string
}

// Type returns the effective type of the placeholder.
func (v Variable) Type() Type {
	if v.TypeName == "" {
		return TypeString
	}
	return ParseType(v.TypeName)
}

// CastError reports a value that does not match its declared type.
type CastError struct {
	Name   string
	Type   Type
	Reason string
}

func (e *CastError) Error() string {
	return fmt.Sprintf("variable '%s': %s", e.Name, e.Reason)
}

// MissingError reports a placeholder with no value in the context.
type MissingError struct {
	Name string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("variable '%s' not found", e.Name)
}

// SubstitutionError collects every problem found during one substitution pass.
type SubstitutionError struct {
	Problems []error
}

func (e *SubstitutionError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	return "variable substitution errors: " + strings.Join(msgs, ", ")
}

func (e *SubstitutionError) Unwrap() []error {
	return e.Problems
}

// Cast converts value to the Go representation of t: string, float64, int64,
// bool or json.RawMessage. The returned error does not include the value.
func Cast(t Type, value string) (any, error) {
	switch t {
	case TypeNumber:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, errors.New("cannot parse value as number")
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, errors.New("number is not finite (NaN or Infinite)")
		}
		return f, nil
	case TypeInteger:
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, errors.New("cannot parse value as integer")
		}
		return i, nil
	case TypeBoolean:
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		}
		return nil, errors.New("cannot parse value as boolean")
	case TypeJSON:
		var buf bytes.Buffer
		if err := json.Compact(&buf, []byte(value)); err != nil {
			return nil, errors.New("cannot parse value as JSON")
		}
		return json.RawMessage(buf.Bytes()), nil
	case TypeURL:
		if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
			return nil, errors.New("invalid URL: scheme must be http or https")
		}
		u, err := url.Parse(value)
		if err != nil || u.Host == "" {
			return nil, errors.New("invalid URL")
		}
		return value, nil
	default:
		return value, nil
	}
}

// Render formats a cast value canonically: 5.5 stays "5.5", 8080 stays "8080".
func Render(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case json.RawMessage:
		return string(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

// Normalize casts value to t and renders it back to text.
func Normalize(name string, t Type, value string) (string, error) {
	v, err := Cast(t, value)
	if err != nil {
		return "", &CastError{Name: name, Type: t, Reason: err.Error()}
	}
	return Render(v), nil
}

// Substitute replaces every placeholder in template with the cast value from ctx.
// All missing or miscastable variables are reported together in a *SubstitutionError.
func Substitute(template string, ctx map[string]string) (string, error) {
	var problems []error
	out := pattern.ReplaceAllStringFunc(template, func(match string) string {
		groups := pattern.FindStringSubmatch(match)
		v := Variable{TypeName: groups[1], Name: groups[2]}
		raw, ok := ctx[v.Name]
		if !ok {
			problems = append(problems, &MissingError{Name: v.Name})
			return match
		}
		rendered, err := Normalize(v.Name, v.Type(), raw)
		if err != nil {
			problems = append(problems, err)
			return match
		}
		return rendered
	})
	if len(problems) > 0 {
		return "", &SubstitutionError{Problems: problems}
	}
	return out, nil
}

// SubstituteJSON substitutes like Substitute and then parses the result as JSON
// when it starts with '{' or '['. Anything else is returned as the substituted string.
func SubstituteJSON(template string, ctx map[string]string) (any, error) {
	out, err := Substitute(template, ctx)
	if err != nil {
		return nil, err
	}
	if !LooksLikeJSON(out) {
		return out, nil
	}
	var v any
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		return nil, fmt.Errorf("failed to parse as JSON after substitution: %w", err)
	}
	return v, nil
}

// LooksLikeJSON reports whether s starts like a JSON object or array.
func LooksLikeJSON(s string) bool {
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}

// FindVariables lists the placeholders in template in order of appearance.
func FindVariables(template string) []Variable {
	matches := pattern.FindAllStringSubmatch(template, -1)
	vars := make([]Variable, 0, len(matches))
	for _, m := range matches {
		vars = append(vars, Variable{TypeName: m[1], Name: m[2]})
	}
	return vars
}
