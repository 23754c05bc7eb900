package usecase

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/i2y/mcpvhost/internal/domain"
	"github.com/i2y/mcpvhost/internal/variables"
)

// exposedParameters returns, in declaration order, the parameters a caller supplies.
func exposedParameters(inst *domain.ToolInstance) []domain.Parameter {
	if inst.Tool == nil {
		return nil
	}
	var out []domain.Parameter
	for _, p := range inst.Tool.Parameters {
		if b, ok := inst.Bindings[p.Name]; ok && b.Kind == domain.BindingExposed {
			out = append(out, p)
		}
	}
	return out
}

// jsonValueSchema describes a json parameter: the value is passed through as an object or array.
var jsonValueSchema = []domain.JSONSchemaProps{{Type: "object"}, {Type: "array"}}

// schemaType maps a declared parameter type to a JSON schema type and format. json has no
// single type and is described by jsonValueSchema.
func schemaType(t domain.ParamType) (string, string) {
	switch t.VariableType() {
	case variables.TypeInteger:
		return "integer", ""
	case variables.TypeNumber:
		return "number", ""
	case variables.TypeBoolean:
		return "boolean", ""
	case variables.TypeJSON:
		return "", ""
	case variables.TypeURL:
		return "string", "uri"
	default:
		return "string", ""
	}
}

// GenerateInputSchema projects an instance's exposed parameters into a JSON schema.
// A property is required exactly when its declaration has no default.
func GenerateInputSchema(inst *domain.ToolInstance) domain.JSONSchemaProps {
	schema := domain.JSONSchemaProps{
		Type:       "object",
		Properties: make(map[string]domain.JSONSchemaProps),
		Required:   []string{},
	}
	for _, p := range exposedParameters(inst) {
		typ, format := schemaType(p.Type)
		prop := domain.JSONSchemaProps{
			Type:        typ,
			Format:      format,
			Description: p.Description,
		}
		if typ == "" {
			prop.AnyOf = jsonValueSchema
		}
		if prop.Description == "" {
			prop.Description = "Parameter: " + p.Name
		}
		if p.Default != nil {
			if v, err := variables.Cast(p.Type.VariableType(), *p.Default); err == nil {
				prop.Default = v
			} else {
				prop.Default = *p.Default
			}
		} else {
			schema.Required = append(schema.Required, p.Name)
		}
		schema.Properties[p.Name] = prop
	}
	return schema
}

// inputSchemaJSON renders the schema with "properties" and "required" always present.
func inputSchemaJSON(schema domain.JSONSchemaProps) (json.RawMessage, error) {
	doc := struct {
		Type       string                            `json:"type"`
		Properties map[string]domain.JSONSchemaProps `json:"properties"`
		Required   []string                          `json:"required"`
	}{
		Type:       schema.Type,
		Properties: schema.Properties,
		Required:   schema.Required,
	}
	return json.Marshal(doc)
}

// BuildTool converts an instance into the MCP tool a remote caller discovers.
func BuildTool(inst *domain.ToolInstance) (mcp.Tool, error) {
	raw, err := inputSchemaJSON(GenerateInputSchema(inst))
	if err != nil {
		return mcp.Tool{}, fmt.Errorf("failed to encode input schema for %s: %w", inst.DisplayName, err)
	}
	description := inst.Description
	if description == "" && inst.Tool != nil {
		description = inst.Tool.Description
	}
	if description == "" {
		description = "Executes " + inst.DisplayName
	}
	return mcp.NewToolWithRawSchema(inst.DisplayName, description, raw), nil
}
