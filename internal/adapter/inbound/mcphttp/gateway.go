package mcphttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/i2y/mcpvhost/internal/usecase"
	"github.com/i2y/mcpvhost/pkg/shared/mcpjsonrpc"
)

// ProtectedResourcePath serves the OAuth protected resource metadata.
const ProtectedResourcePath = "/.well-known/oauth-protected-resource"

const (
	corsAllowMethods  = "GET, POST, DELETE, OPTIONS"
	corsAllowHeaders  = "Authorization, Content-Type, Accept, Last-Event-ID, Mcp-Session-Id, Mcp-Protocol-Version, " + ServerIDHeader
	corsExposeHeaders = "Mcp-Session-Id, WWW-Authenticate"
)

// GatewayConfig configures the public MCP listener.
type GatewayConfig struct {
	// RootDomain enables {server-id}.{RootDomain} routing when set.
	RootDomain string
	// ResourceMetadataURL overrides the metadata URL advertised in 401 challenges.
	ResourceMetadataURL string
	// AuthorizationServers are published in the protected resource metadata.
	AuthorizationServers []string
	// AllowedOrigins lists CORS origins; "*" allows any.
	AllowedOrigins []string
}

// Gateway routes MCP traffic to the virtual server each request addresses.
type Gateway struct {
	registry *usecase.Registry
	policy   *usecase.AccessPolicy
	cfg      GatewayConfig
	logger   *slog.Logger
}

// NewGateway creates the gateway.
func NewGateway(registry *usecase.Registry, policy *usecase.AccessPolicy, cfg GatewayConfig, logger *slog.Logger) *Gateway {
	return &Gateway{
		registry: registry,
		policy:   policy,
		cfg:      cfg,
		logger:   logger.With("component", "mcp_gateway"),
	}
}

// Handler returns the gateway's HTTP handler.
//
// Path mode addresses a server by URL: /s/{id} (streamable HTTP), /s/{id}/sse and
// /s/{id}/message (SSE). Host mode takes the server from the X-Server-UUID header or the
// host name: /mcp and POST / (streamable HTTP), GET / and /sse (SSE), /message (SSE).
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(g.cors)

	r.Get(ProtectedResourcePath, g.handleProtectedResource)

	r.Handle("/s/{serverID}", g.route(streamable))
	r.Get("/s/{serverID}/sse", g.route(sseStream))
	r.Post("/s/{serverID}/message", g.route(sseMessage))

	r.Handle("/mcp", g.route(streamable))
	r.Get("/", g.route(sseStream))
	r.Post("/", g.route(streamable))
	r.Delete("/", g.route(streamable))
	r.Get("/sse", g.route(sseStream))
	r.Post("/message", g.route(sseMessage))
	return r
}

func streamable(s *usecase.VirtualService) http.Handler { return s.StreamableHandler() }
func sseStream(s *usecase.VirtualService) http.Handler  { return s.SSEHandler() }
func sseMessage(s *usecase.VirtualService) http.Handler { return s.MessageHandler() }

// route resolves the addressed server, authorizes the caller and hands the request to the
// transport pick selects from that server's service.
func (g *Gateway) route(pick func(*usecase.VirtualService) http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "serverID")
		if id == "" {
			var ok bool
			id, ok = ExtractServerID(r, g.cfg.RootDomain)
			if !ok {
				g.logger.Debug("Request without server context", slog.String("host", r.Host), slog.String("path", r.URL.Path))
				mcpjsonrpc.WriteError(w, http.StatusBadRequest, mcpjsonrpc.CodeNoServerContext,
					"no server specified: use /s/{server-id}, the "+ServerIDHeader+" header or a server subdomain")
				return
			}
		}

		svc, ok := g.registry.Get(id)
		if !ok {
			mcpjsonrpc.WriteError(w, http.StatusNotFound, mcpjsonrpc.CodeServerNotFound, fmt.Sprintf("server %s not found", id))
			return
		}

		identity, err := g.policy.Authorize(r.Context(), svc.Server(), bearerToken(r))
		switch {
		case errors.Is(err, usecase.ErrUnauthorized):
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer resource_metadata="%s"`, g.resourceMetadataURL(r)))
			mcpjsonrpc.WriteError(w, http.StatusUnauthorized, mcpjsonrpc.CodeUnauthorized, "authentication required")
			return
		case errors.Is(err, usecase.ErrForbidden):
			mcpjsonrpc.WriteError(w, http.StatusForbidden, mcpjsonrpc.CodeForbidden, "access to this server is denied")
			return
		case err != nil:
			g.logger.Error("Authorization failed", slog.String("server_id", id), slog.Any("error", err))
			mcpjsonrpc.WriteError(w, http.StatusInternalServerError, mcpjsonrpc.CodeInternalError, "authorization failed")
			return
		}

		if identity != nil {
			g.logger.Debug("Routing request", slog.String("server_id", id), slog.String("subject", identity.Subject), slog.String("path", r.URL.Path))
		} else {
			g.logger.Debug("Routing request", slog.String("server_id", id), slog.String("path", r.URL.Path))
		}
		pick(svc).ServeHTTP(w, r)
	}
}

func (g *Gateway) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	metadata := map[string]any{
		"resource":                 baseURLFromRequest(r),
		"bearer_methods_supported": []string{"header"},
	}
	if len(g.cfg.AuthorizationServers) > 0 {
		metadata["authorization_servers"] = g.cfg.AuthorizationServers
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_ = json.NewEncoder(w).Encode(metadata)
}

func (g *Gateway) resourceMetadataURL(r *http.Request) string {
	if g.cfg.ResourceMetadataURL != "" {
		return g.cfg.ResourceMetadataURL
	}
	return baseURLFromRequest(r) + ProtectedResourcePath
}

func (g *Gateway) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && g.originAllowed(origin) {
			h := w.Header()
			if slices.Contains(g.cfg.AllowedOrigins, "*") {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
			h.Set("Access-Control-Max-Age", "86400")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) originAllowed(origin string) bool {
	for _, o := range g.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// baseURLFromRequest derives the external base URL from the request's scheme and host.
func baseURLFromRequest(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + sanitizeHost(r.Host)
}

// sanitizeHost strips characters that could break out of a header value.
func sanitizeHost(host string) string {
	return strings.NewReplacer("\r", "", "\n", "", `"`, "").Replace(host)
}
