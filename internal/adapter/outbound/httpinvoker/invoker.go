package httpinvoker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/i2y/mcpvhost/internal/usecase"
)

// MaxResponseBytes bounds how much of a downstream response body is read.
const MaxResponseBytes = 10 << 20

var validMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// Invoker implements the usecase.DownstreamInvoker interface using standard net/http.
type Invoker struct {
	client *http.Client
	logger *slog.Logger
}

// New creates a new HTTP Invoker.
func New(client *http.Client, logger *slog.Logger) *Invoker {
	if client == nil {
		client = http.DefaultClient
	}
	return &Invoker{
		client: client,
		logger: logger.With("component", "http_invoker"),
	}
}

// Invoke issues exactly one HTTP request. The request URL is never logged because it may
// carry secret values; only the method and host are.
func (i *Invoker) Invoke(ctx context.Context, r usecase.DownstreamRequest) (*usecase.DownstreamResponse, error) {
	method := strings.ToUpper(r.Method)
	if !validMethods[method] {
		return nil, fmt.Errorf("%w: unsupported method %q", usecase.ErrInvalidRequest, r.Method)
	}
	u, err := url.Parse(r.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: URL must be absolute http(s)", usecase.ErrInvalidRequest)
	}
	log := i.logger.With(slog.String("method", method), slog.String("host", u.Host))

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var body io.Reader
	if r.Body != nil {
		body = strings.NewReader(*r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request", usecase.ErrInvalidRequest)
	}
	for name, value := range r.Headers {
		if !validHeaderName(name) || strings.ContainsAny(value, "\r\n") {
			return nil, fmt.Errorf("%w: invalid header %q", usecase.ErrInvalidRequest, name)
		}
		req.Header.Set(name, value)
	}

	log.Debug("Executing HTTP request", slog.Duration("timeout", r.Timeout))
	resp, err := i.client.Do(req)
	if err != nil {
		log.Warn("HTTP request failed", slog.Bool("timeout", isTimeout(ctx, err)))
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		log.Warn("Failed to read response body", slog.Int("status_code", resp.StatusCode))
		return nil, classify(ctx, err)
	}

	log.Debug("Received HTTP response", slog.Int("status_code", resp.StatusCode), slog.Int("size", len(respBody)))
	return &usecase.DownstreamResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        respBody,
	}, nil
}

// classify maps transport errors onto the downstream sentinels, keeping the cause for logs.
func classify(ctx context.Context, err error) error {
	if isTimeout(ctx, err) {
		return fmt.Errorf("%w: %w", usecase.ErrDownstreamTimeout, err)
	}
	return fmt.Errorf("%w: %w", usecase.ErrDownstreamUnreachable, err)
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for _, c := range name {
		if c <= ' ' || c >= 0x7f || strings.ContainsRune("()<>@,;:\\\"/[]?={}", c) {
			return false
		}
	}
	return true
}
