package openapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/i2y/mcpvhost/internal/domain"
	"github.com/i2y/mcpvhost/internal/usecase"
)

// Importer implements usecase.ToolImporter for OpenAPI 3 documents.
type Importer struct {
	fetcher   *SchemaFetcher
	generator *ToolGenerator
}

var _ usecase.ToolImporter = (*Importer)(nil)

// ImporterOption configures an Importer.
type ImporterOption func(*importerOptions)

type importerOptions struct {
	githubAPIURL string
}

// WithGitHubAPIURL points github:// sources at a GitHub Enterprise or test API root.
func WithGitHubAPIURL(apiURL string) ImporterOption {
	return func(o *importerOptions) { o.githubAPIURL = apiURL }
}

// NewImporter creates an importer that fetches documents with client.
func NewImporter(client *http.Client, logger *slog.Logger, opts ...ImporterOption) *Importer {
	var o importerOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Importer{
		fetcher:   NewSchemaFetcher(client, o.githubAPIURL, logger),
		generator: NewToolGenerator(logger),
	}
}

// Import fetches the document and converts its operations into tools.
func (i *Importer) Import(ctx context.Context, src usecase.ImportSource) ([]domain.Tool, error) {
	schema, err := i.fetcher.Fetch(ctx, src)
	if err != nil {
		return nil, err
	}
	return i.generator.Generate(schema)
}
