package github

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// DefaultAPIURL is the GitHub REST API root.
const DefaultAPIURL = "https://api.github.com"

const scheme = "github://"

// maxFileBytes bounds a downloaded file.
const maxFileBytes = 16 << 20

// Location is a file in a repository, addressed as github://owner/repo/path/to/file[@ref].
type Location struct {
	Owner string
	Repo  string
	Path  string
	Ref   string
}

// Client downloads repository files through the GitHub contents API.
type Client struct {
	httpClient *http.Client
	apiURL     string
}

// NewClient creates a client. apiURL defaults to DefaultAPIURL.
func NewClient(httpClient *http.Client, apiURL string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Client{httpClient: httpClient, apiURL: strings.TrimRight(apiURL, "/")}
}

// IsGitHubURL checks if a URL is a GitHub URL
func IsGitHubURL(url string) bool {
	return strings.HasPrefix(url, scheme)
}

// ParseURL parses a github:// URL into its components.
func ParseURL(githubURL string) (Location, error) {
	if !IsGitHubURL(githubURL) {
		return Location{}, fmt.Errorf("invalid GitHub URL format: %s", githubURL)
	}
	rest := strings.TrimPrefix(githubURL, scheme)

	var loc Location
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		rest, loc.Ref = rest[:i], rest[i+1:]
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Location{}, fmt.Errorf("invalid GitHub URL format: expected github://owner/repo/path/to/file[@ref]")
	}
	loc.Owner, loc.Repo, loc.Path = parts[0], parts[1], parts[2]
	return loc, nil
}

// FetchFile retrieves the raw content of the file named by githubURL. headers are added to
// the request, typically an Authorization header for private repositories.
func (c *Client) FetchFile(ctx context.Context, githubURL string, headers map[string]string) ([]byte, error) {
	loc, err := ParseURL(githubURL)
	if err != nil {
		return nil, err
	}

	target := fmt.Sprintf("%s/repos/%s/%s/contents/%s",
		c.apiURL, url.PathEscape(loc.Owner), url.PathEscape(loc.Repo), escapePath(loc.Path))
	if loc.Ref != "" {
		target += "?ref=" + url.QueryEscape(loc.Ref)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.raw+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", githubURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s: status %s", githubURL, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFileBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", githubURL, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty response from GitHub")
	}
	return body, nil
}

func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
