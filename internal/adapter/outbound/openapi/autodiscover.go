package openapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Common OpenAPI document paths used by various frameworks
var commonOpenAPIPaths = []string{
	"/openapi.json",            // FastAPI default
	"/docs/openapi.json",       // Alternative FastAPI path
	"/swagger.json",            // Swagger/OpenAPI 2.0
	"/v3/api-docs",             // SpringDoc OpenAPI 3.0
	"/api-docs",                // SpringFox
	"/api/openapi.json",        // Custom API prefix
	"/api/v1/openapi.json",     // Versioned API
	"/swagger/v1/swagger.json", // .NET default
}

const probeTimeout = 5 * time.Second

// AutoDiscoverer finds an OpenAPI document below a base URL.
type AutoDiscoverer struct {
	client *http.Client
	logger *slog.Logger
}

// NewAutoDiscoverer creates a new OpenAPI document auto-discoverer.
func NewAutoDiscoverer(client *http.Client, logger *slog.Logger) *AutoDiscoverer {
	return &AutoDiscoverer{
		client: client,
		logger: logger.With("component", "openapi_autodiscoverer"),
	}
}

// looksLikeDocument reports whether source already names a document rather than a base URL.
func looksLikeDocument(source string) bool {
	lower := strings.ToLower(source)
	return strings.HasSuffix(lower, ".json") ||
		strings.HasSuffix(lower, ".yaml") ||
		strings.HasSuffix(lower, ".yml") ||
		strings.Contains(lower, "openapi") ||
		strings.Contains(lower, "swagger") ||
		strings.Contains(lower, "api-docs")
}

// Resolve returns source unchanged when it names a document, otherwise the first common
// document path below it that answers with JSON. When nothing is found the original source is
// returned so an explicit URL still works.
func (d *AutoDiscoverer) Resolve(ctx context.Context, source string, headers map[string]string) string {
	log := d.logger.With(slog.String("source", source))
	if looksLikeDocument(source) {
		log.Debug("Source appears to be a direct document URL")
		return source
	}
	u, err := url.Parse(source)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return source
	}

	log.Info("Source appears to be a base URL, attempting auto-discovery")
	base := strings.TrimRight(source, "/")
	for _, path := range commonOpenAPIPaths {
		candidate := base + path
		ok, err := d.probe(ctx, candidate, headers)
		if err != nil {
			log.Debug("Probe failed", slog.String("url", candidate), slog.Any("error", err))
			continue
		}
		if ok {
			log.Info("Found OpenAPI document", slog.String("url", candidate))
			return candidate
		}
	}
	log.Warn("Auto-discovery found nothing, using original source")
	return source
}

func (d *AutoDiscoverer) probe(ctx context.Context, candidate string, headers map[string]string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, candidate, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create probe request: %w", err)
	}
	req.Header.Set("Accept", "application/json, application/vnd.oai.openapi+json")
	req.Header.Set("User-Agent", "mcpvhost/1.0")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}
	contentType := resp.Header.Get("Content-Type")
	return strings.Contains(contentType, "application/json") ||
		strings.Contains(contentType, "application/vnd.oai.openapi+json"), nil
}
