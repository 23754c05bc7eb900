package domain

// SchemaType defines the type of a source API description.
type SchemaType string

const (
	SchemaTypeOpenAPI SchemaType = "openapi"
)

// APISchema represents a fetched API description before conversion into tools.
type APISchema struct {
	// Source indicates the origin of the schema (URL or file path).
	Source string
	Type   SchemaType
	// RawData holds the unprocessed document.
	RawData []byte
	// ParsedData holds the library-specific representation, e.g. *openapi3.T.
	ParsedData interface{}
}

// JSONSchemaProps is the subset of JSON Schema used to describe tool inputs.
type JSONSchemaProps struct {
	Type        string                     `json:"type,omitempty"`
	Description string                     `json:"description,omitempty"`
	Properties  map[string]JSONSchemaProps `json:"properties,omitempty"`
	Required    []string                   `json:"required,omitempty"`
	Items       *JSONSchemaProps           `json:"items,omitempty"`
	Format      string                     `json:"format,omitempty"`
	Enum        []interface{}              `json:"enum,omitempty"`
	Default     interface{}                `json:"default,omitempty"`
	AnyOf       []JSONSchemaProps          `json:"anyOf,omitempty"`
}
