package openapi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/i2y/mcpvhost/internal/adapter/outbound/github"
	"github.com/i2y/mcpvhost/internal/domain"
	"github.com/i2y/mcpvhost/internal/usecase"
)

// MaxDocumentBytes bounds the size of a fetched OpenAPI document.
const MaxDocumentBytes = 16 << 20

// SchemaFetcher loads OpenAPI documents from URLs, github:// locations or local files.
type SchemaFetcher struct {
	httpClient     *http.Client
	logger         *slog.Logger
	autoDiscoverer *AutoDiscoverer
	github         *github.Client
}

// NewSchemaFetcher creates a new OpenAPI SchemaFetcher. githubAPIURL may be empty to use
// the public GitHub API.
func NewSchemaFetcher(client *http.Client, githubAPIURL string, logger *slog.Logger) *SchemaFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &SchemaFetcher{
		httpClient:     client,
		logger:         logger.With("component", "openapi_fetcher"),
		autoDiscoverer: NewAutoDiscoverer(client, logger),
		github:         github.NewClient(client, githubAPIURL),
	}
}

// Fetch loads and parses the document named by src. Headers are sent for http(s) and github:// sources.
func (f *SchemaFetcher) Fetch(ctx context.Context, src usecase.ImportSource) (domain.APISchema, error) {
	log := f.logger.With(slog.String("source", src.URL))
	log.Info("Fetching OpenAPI document")

	resolved := src.URL
	if !github.IsGitHubURL(src.URL) {
		resolved = f.autoDiscoverer.Resolve(ctx, src.URL, src.Headers)
		if resolved != src.URL {
			log.Info("Auto-discovered OpenAPI document", slog.String("resolved_url", resolved))
		}
	}

	var (
		raw []byte
		err error
	)
	if github.IsGitHubURL(resolved) {
		raw, err = f.github.FetchFile(ctx, resolved, src.Headers)
	} else if u, parseErr := url.ParseRequestURI(resolved); parseErr == nil && (u.Scheme == "http" || u.Scheme == "https") {
		raw, err = f.download(ctx, resolved, src.Headers)
	} else {
		log.Debug("Assuming local file path")
		raw, err = os.ReadFile(resolved)
		if err != nil {
			err = fmt.Errorf("failed to read document from file %s: %w", resolved, err)
		}
	}
	if err != nil {
		log.Error("Failed to load OpenAPI document", slog.Any("error", err))
		return domain.APISchema{}, err
	}

	loader := &openapi3.Loader{Context: ctx, IsExternalRefsAllowed: true}
	doc, err := loader.LoadFromData(raw)
	if err != nil {
		log.Error("Failed to parse OpenAPI document", slog.Any("error", err))
		return domain.APISchema{}, fmt.Errorf("failed to parse OpenAPI document from %s: %w", src.URL, err)
	}
	if validateErr := doc.Validate(ctx); validateErr != nil {
		log.Warn("OpenAPI document validation failed", slog.Any("validation_error", validateErr))
	}

	log.Info("Successfully fetched and parsed OpenAPI document")
	return domain.APISchema{
		Source:     resolved,
		Type:       domain.SchemaTypeOpenAPI,
		RawData:    raw,
		ParsedData: doc,
	}, nil
}

func (f *SchemaFetcher) download(ctx context.Context, target string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", target, err)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch document from %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch document from %s: status %s", target, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxDocumentBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read document from %s: %w", target, err)
	}
	return body, nil
}
