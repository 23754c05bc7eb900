package openapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/i2y/mcpvhost/internal/domain"
)

// ToolGenerator converts OpenAPI operations into templated tool definitions.
type ToolGenerator struct {
	logger *slog.Logger
}

// NewToolGenerator creates a new OpenAPI ToolGenerator.
func NewToolGenerator(logger *slog.Logger) *ToolGenerator {
	return &ToolGenerator{
		logger: logger.With("component", "openapi_generator"),
	}
}

// Generate returns one tool per operation, sorted by name. Path parameters, required query
// and header parameters, and JSON body fields become typed placeholders; optional query
// parameters and body fields are kept only when the document gives them a default.
func (g *ToolGenerator) Generate(schema domain.APISchema) ([]domain.Tool, error) {
	log := g.logger.With(slog.String("source", schema.Source))

	doc, ok := schema.ParsedData.(*openapi3.T)
	if !ok || doc == nil || doc.Paths == nil {
		return nil, fmt.Errorf("invalid or missing parsed OpenAPI document")
	}

	host, basePath, err := g.determineHostAndBasePathFromServers(schema.Source, doc.Servers)
	if err != nil {
		log.Error("Failed to determine host/basePath from OpenAPI servers block.", slog.Any("error", err))
		return nil, fmt.Errorf("could not determine host/basePath from OpenAPI servers: %w", err)
	}

	namespace := ""
	if doc.Info != nil {
		namespace = sanitizeName(doc.Info.Title)
	}
	if namespace == "" {
		namespace = "openapi"
	}
	log = log.With(slog.String("namespace", namespace))

	var tools []domain.Tool
	skipped := 0
	for path, pathItem := range doc.Paths.Map() {
		if pathItem == nil {
			continue
		}
		for method, operation := range pathItem.Operations() {
			if operation == nil {
				continue
			}
			name := generateToolName(namespace, path, method, operation)
			tool, err := g.generateTool(host+basePath, path, method, name, pathItem.Parameters, operation)
			if err != nil {
				log.Warn("Skipping operation", slog.String("path", path), slog.String("method", method), slog.Any("error", err))
				skipped++
				continue
			}
			tools = append(tools, tool)
		}
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	log.Info("Finished generating tools from OpenAPI document.",
		slog.Int("generated_count", len(tools)),
		slog.Int("skipped_count", skipped))
	return tools, nil
}

// templateBuilder accumulates parameter declarations, rejecting name collisions.
type templateBuilder struct {
	params []domain.Parameter
	seen   map[string]bool
}

func (b *templateBuilder) add(p domain.Parameter) (string, error) {
	if b.seen[p.Name] {
		return "", fmt.Errorf("parameter %q is declared more than once", p.Name)
	}
	b.seen[p.Name] = true
	b.params = append(b.params, p)
	return placeholder(p), nil
}

func (g *ToolGenerator) generateTool(baseURL, path, method, name string, shared openapi3.Parameters, op *openapi3.Operation) (domain.Tool, error) {
	b := &templateBuilder{seen: make(map[string]bool)}
	tool := domain.Tool{
		Name:        name,
		Description: op.Description,
		Method:      strings.ToUpper(method),
		Headers:     map[string]string{},
	}
	if tool.Description == "" {
		tool.Description = op.Summary
	}
	if tool.Description == "" {
		tool.Description = fmt.Sprintf("Executes %s %s", tool.Method, path)
	}

	urlPath := path
	var query []string
	for _, ref := range mergeParameters(shared, op.Parameters) {
		param := ref.Value
		decl := domain.Parameter{
			Name:        identifier(param.Name),
			Type:        paramType(param.Schema),
			Description: param.Description,
			Default:     schemaDefault(param.Schema),
		}
		switch param.In {
		case openapi3.ParameterInPath:
			ph, err := b.add(decl)
			if err != nil {
				return domain.Tool{}, err
			}
			urlPath = strings.ReplaceAll(urlPath, "{"+param.Name+"}", ph)
		case openapi3.ParameterInQuery:
			if !param.Required && decl.Default == nil {
				continue
			}
			ph, err := b.add(decl)
			if err != nil {
				return domain.Tool{}, err
			}
			query = append(query, url.QueryEscape(param.Name)+"="+ph)
		case openapi3.ParameterInHeader:
			if !param.Required {
				continue
			}
			ph, err := b.add(decl)
			if err != nil {
				return domain.Tool{}, err
			}
			tool.Headers[param.Name] = ph
		}
	}
	tool.URL = baseURL + urlPath
	if len(query) > 0 {
		tool.URL += "?" + strings.Join(query, "&")
	}

	body, err := g.bodyTemplate(b, op.RequestBody)
	if err != nil {
		return domain.Tool{}, err
	}
	if body != "" {
		tool.Body = body
		tool.Headers["Content-Type"] = "application/json"
	}
	if len(tool.Headers) == 0 {
		tool.Headers = nil
	}
	tool.Parameters = b.params
	return tool, tool.Validate()
}

// bodyTemplate renders a JSON body template. Object bodies become one placeholder per
// property; anything else is a single json parameter named "body".
func (g *ToolGenerator) bodyTemplate(b *templateBuilder, requestBody *openapi3.RequestBodyRef) (string, error) {
	if requestBody == nil || requestBody.Value == nil {
		return "", nil
	}
	content := requestBody.Value.Content.Get("application/json")
	if content == nil || content.Schema == nil || content.Schema.Value == nil {
		return "", nil
	}
	schema := content.Schema.Value

	if !schemaIs(content.Schema, "object") || len(schema.Properties) == 0 {
		ph, err := b.add(domain.Parameter{Name: "body", Type: domain.ParamJSON, Description: requestBody.Value.Description})
		if err != nil {
			return "", err
		}
		return ph, nil
	}

	required := make(map[string]bool, len(schema.Required))
	for _, r := range schema.Required {
		required[r] = true
	}
	names := make([]string, 0, len(schema.Properties))
	for n := range schema.Properties {
		names = append(names, n)
	}
	sort.Strings(names)

	var fields []string
	for _, n := range names {
		ref := schema.Properties[n]
		decl := domain.Parameter{
			Name:    identifier(n),
			Type:    paramType(ref),
			Default: schemaDefault(ref),
		}
		if ref != nil && ref.Value != nil {
			decl.Description = ref.Value.Description
		}
		if !required[n] && decl.Default == nil {
			continue
		}
		ph, err := b.add(decl)
		if err != nil {
			return "", err
		}
		key, _ := json.Marshal(n)
		if decl.Type == domain.ParamString || decl.Type == domain.ParamURL {
			ph = `"` + ph + `"`
		}
		fields = append(fields, string(key)+":"+ph)
	}
	return "{" + strings.Join(fields, ",") + "}", nil
}

// determineHostAndBasePathFromServers returns the first usable http(s) server URL, resolving
// relative URLs against the document's own location.
func (g *ToolGenerator) determineHostAndBasePathFromServers(schemaSourceURL string, servers openapi3.Servers) (string, string, error) {
	if len(servers) == 0 {
		return "", "", fmt.Errorf("no servers defined in OpenAPI document")
	}
	base, err := url.Parse(schemaSourceURL)
	if err != nil {
		base = nil
	}

	for _, server := range servers {
		if server == nil || server.URL == "" {
			continue
		}
		parsed, err := url.Parse(expandServerVariables(server))
		if err != nil {
			g.logger.Warn("Could not parse server URL, skipping.", slog.String("url", server.URL), slog.Any("error", err))
			continue
		}
		resolved := parsed
		if !parsed.IsAbs() {
			if base == nil {
				continue
			}
			resolved = base.ResolveReference(parsed)
		}
		if (resolved.Scheme == "http" || resolved.Scheme == "https") && resolved.Host != "" {
			return resolved.Scheme + "://" + resolved.Host, strings.TrimSuffix(resolved.Path, "/"), nil
		}
	}
	return "", "", fmt.Errorf("no suitable HTTP/HTTPS server URL found or resolvable in OpenAPI document")
}

// expandServerVariables substitutes declared server variable defaults.
func expandServerVariables(server *openapi3.Server) string {
	out := server.URL
	for name, v := range server.Variables {
		if v != nil {
			out = strings.ReplaceAll(out, "{"+name+"}", v.Default)
		}
	}
	return out
}

// mergeParameters applies operation-level parameters over path-level ones.
func mergeParameters(shared, own openapi3.Parameters) []*openapi3.ParameterRef {
	key := func(p *openapi3.Parameter) string { return p.In + ":" + p.Name }
	overridden := make(map[string]bool)
	var out []*openapi3.ParameterRef
	for _, ref := range own {
		if ref != nil && ref.Value != nil {
			overridden[key(ref.Value)] = true
			out = append(out, ref)
		}
	}
	for _, ref := range shared {
		if ref != nil && ref.Value != nil && !overridden[key(ref.Value)] {
			out = append(out, ref)
		}
	}
	return out
}

func schemaIs(ref *openapi3.SchemaRef, typ string) bool {
	if ref == nil || ref.Value == nil || ref.Value.Type == nil {
		return false
	}
	for _, t := range *ref.Value.Type {
		if t == typ {
			return true
		}
	}
	return false
}

// paramType maps an OpenAPI schema to a declared parameter type.
func paramType(ref *openapi3.SchemaRef) domain.ParamType {
	switch {
	case schemaIs(ref, "integer"):
		return domain.ParamInteger
	case schemaIs(ref, "number"):
		return domain.ParamNumber
	case schemaIs(ref, "boolean"):
		return domain.ParamBoolean
	case schemaIs(ref, "object"), schemaIs(ref, "array"):
		return domain.ParamJSON
	case schemaIs(ref, "string") && (ref.Value.Format == "uri" || ref.Value.Format == "url"):
		return domain.ParamURL
	default:
		return domain.ParamString
	}
}

func schemaDefault(ref *openapi3.SchemaRef) *string {
	if ref == nil || ref.Value == nil || ref.Value.Default == nil {
		return nil
	}
	if s, ok := ref.Value.Default.(string); ok {
		return &s
	}
	b, err := json.Marshal(ref.Value.Default)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}

func placeholder(p domain.Parameter) string {
	if p.Type == domain.ParamString {
		return "{{" + p.Name + "}}"
	}
	return "{{" + string(p.Type) + ":" + p.Name + "}}"
}

// generateToolName creates a descriptive name for the tool:
// {namespace}_{operationId} or {namespace}_{method}_{static path parts}.
func generateToolName(namespace, path, method string, op *openapi3.Operation) string {
	if op.OperationID != "" {
		return fmt.Sprintf("%s_%s", namespace, sanitizeName(op.OperationID))
	}
	nameParts := []string{namespace, strings.ToLower(method)}
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part != "" && !strings.HasPrefix(part, "{") {
			nameParts = append(nameParts, sanitizeName(part))
		}
	}
	return strings.Join(nameParts, "_")
}

// sanitizeName lowercases name and replaces separators with underscores.
func sanitizeName(name string) string {
	name = strings.ToLower(name)
	replacer := strings.NewReplacer(" ", "_", "-", "_", "/", "_", ".", "_")
	name = replacer.Replace(name)
	for strings.Contains(name, "__") {
		name = strings.ReplaceAll(name, "__", "_")
	}
	return strings.Trim(name, "_")
}

// identifier turns an OpenAPI parameter name into a valid placeholder name.
func identifier(name string) string {
	var sb strings.Builder
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			sb.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				sb.WriteRune('_')
			}
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	if sb.Len() == 0 {
		return "_"
	}
	return sb.String()
}
