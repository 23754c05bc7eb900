package mcphttp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/i2y/mcpvhost/internal/domain"
	"github.com/i2y/mcpvhost/internal/usecase"
)

// DefaultAdminTimeout bounds every admin request.
const DefaultAdminTimeout = 60 * time.Second

// Handlers holds the admin API dependencies.
type Handlers struct {
	config   *usecase.ConfigUseCase
	registry *usecase.Registry
	metrics  http.Handler
	logger   *slog.Logger

	validator  usecase.CredentialValidator
	adminScope string
}

// HandlerOption configures Handlers.
type HandlerOption func(*Handlers)

// WithAdminAuth requires a bearer credential granting scope on every /admin route.
func WithAdminAuth(validator usecase.CredentialValidator, scope string) HandlerOption {
	return func(h *Handlers) {
		h.validator = validator
		h.adminScope = scope
	}
}

// NewHandlers creates the admin handlers. metrics may be nil.
func NewHandlers(config *usecase.ConfigUseCase, registry *usecase.Registry, metrics http.Handler, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	h := &Handlers{
		config:   config,
		registry: registry,
		metrics:  metrics,
		logger:   logger.With("component", "mcphttp_admin"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the admin router.
func (h *Handlers) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}

	r.Route("/admin", func(r chi.Router) {
		if h.validator != nil {
			r.Use(h.requireAdmin)
		}
		r.Use(middleware.Timeout(DefaultAdminTimeout))

		r.Route("/tools", func(r chi.Router) {
			r.Get("/", h.handleListTools)
			r.Post("/", h.handleSaveTool)
			r.Post("/import", h.handleImportTools)
			r.Get("/{toolID}", h.handleGetTool)
			r.Post("/{toolID}/test", h.handleTestTool)
			r.Put("/{toolID}", h.handleSaveTool)
			r.Delete("/{toolID}", h.handleDeleteTool)
		})

		r.Route("/servers", func(r chi.Router) {
			r.Get("/", h.handleListServers)
			r.Post("/", h.handleSaveServer)
			r.Route("/{serverID}", func(r chi.Router) {
				r.Get("/", h.handleGetServer)
				r.Put("/", h.handleSaveServer)
				r.Delete("/", h.handleDeleteServer)
				r.Get("/discovery", h.handleDiscovery)
				r.Post("/register", h.handleRegister)
				r.Post("/unregister", h.handleUnregister)
				r.Post("/reload", h.handleReload)

				r.Get("/instances", h.handleListInstances)
				r.Post("/instances", h.handleSaveInstance)
				r.Put("/instances/{instanceID}", h.handleSaveInstance)
				r.Delete("/instances/{instanceID}", h.handleDeleteInstance)
			})
		})

		r.Get("/registry", h.handleListRegistered)
	})
	return r
}

// --- Request bodies ---

type toolRequest struct {
	OwnerID     string             `json:"owner_id"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Method      string             `json:"method"`
	URL         string             `json:"url"`
	Headers     map[string]string  `json:"headers"`
	Body        string             `json:"body"`
	TimeoutMS   int                `json:"timeout_ms"`
	Parameters  []domain.Parameter `json:"parameters"`
}

type testToolRequest struct {
	Arguments map[string]any `json:"arguments"`
}

type testToolResponse struct {
	Success     bool              `json:"success"`
	StatusCode  int               `json:"status_code,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Body        string            `json:"body,omitempty"`
	DurationMS  int64             `json:"duration_ms,omitempty"`
	Kind        usecase.ErrorKind `json:"kind,omitempty"`
	Message     string            `json:"message,omitempty"`
}

type importRequest struct {
	OwnerID string            `json:"owner_id"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

type serverRequest struct {
	OwnerID        string                          `json:"owner_id"`
	OrganizationID string                          `json:"organization_id"`
	Name           string                          `json:"name"`
	Description    string                          `json:"description"`
	AccessLevel    string                          `json:"access_level"`
	Defaults       map[string]domain.ServerDefault `json:"defaults"`
}

type instanceRequest struct {
	ToolID      int64                     `json:"tool_id"`
	DisplayName string                    `json:"display_name"`
	Description string                    `json:"description"`
	Bindings    map[string]domain.Binding `json:"bindings"`
}

// DiscoveryEntry describes one callable of a registered server.
type DiscoveryEntry struct {
	Description string                 `json:"description,omitempty"`
	InputSchema domain.JSONSchemaProps `json:"inputSchema"`
}

// --- Handlers ---

func (h *Handlers) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"registered_servers": len(h.registry.List()),
	})
}

func (h *Handlers) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := h.config.Tools(r.Context(), r.URL.Query().Get("owner_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(tools))
}

func (h *Handlers) handleGetTool(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathInt(w, r, "toolID")
	if !ok {
		return
	}
	tool, err := h.config.Tool(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tool)
}

func (h *Handlers) handleSaveTool(w http.ResponseWriter, r *http.Request) {
	var req toolRequest
	if !h.decode(w, r, &req) {
		return
	}
	tool := &domain.Tool{
		OwnerID:     req.OwnerID,
		Name:        req.Name,
		Description: req.Description,
		Method:      req.Method,
		URL:         req.URL,
		Headers:     req.Headers,
		Body:        req.Body,
		TimeoutMS:   req.TimeoutMS,
		Parameters:  req.Parameters,
	}
	status := http.StatusCreated
	if chi.URLParam(r, "toolID") != "" {
		id, ok := h.pathInt(w, r, "toolID")
		if !ok {
			return
		}
		tool.ID = id
		status = http.StatusOK
	}
	if err := h.config.SaveTool(r.Context(), tool); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, status, tool)
}

func (h *Handlers) handleDeleteTool(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathInt(w, r, "toolID")
	if !ok {
		return
	}
	if err := h.config.DeleteTool(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleTestTool(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathInt(w, r, "toolID")
	if !ok {
		return
	}
	var req testToolRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.config.TestTool(r.Context(), id, req.Arguments)
	var execErr *usecase.ExecutionError
	switch {
	case errors.As(err, &execErr):
		writeJSON(w, http.StatusOK, testToolResponse{
			StatusCode: execErr.StatusCode,
			Kind:       execErr.Kind,
			Message:    execErr.Message,
		})
	case err != nil:
		h.writeError(w, err)
	default:
		writeJSON(w, http.StatusOK, testToolResponse{
			Success:     true,
			StatusCode:  res.StatusCode,
			ContentType: res.ContentType,
			Body:        res.Body,
			DurationMS:  res.Duration.Milliseconds(),
		})
	}
}

func (h *Handlers) handleImportTools(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.URL == "" || req.OwnerID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("url and owner_id are required"))
		return
	}
	h.logger.Info("Received import request", slog.String("source", req.URL), slog.String("owner_id", req.OwnerID))
	tools, err := h.config.ImportTools(r.Context(), req.OwnerID, usecase.ImportSource{URL: req.URL, Headers: req.Headers})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, orEmpty(tools))
}

func (h *Handlers) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.config.Servers(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(servers))
}

func (h *Handlers) handleGetServer(w http.ResponseWriter, r *http.Request) {
	server, err := h.config.Server(r.Context(), chi.URLParam(r, "serverID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, server)
}

func (h *Handlers) handleSaveServer(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "serverID")
	status := http.StatusCreated
	if id != "" {
		status = http.StatusOK
	}
	server, err := h.config.SaveServer(r.Context(), usecase.ServerInput{
		ID:             id,
		OwnerID:        req.OwnerID,
		OrganizationID: req.OrganizationID,
		Name:           req.Name,
		Description:    req.Description,
		Access:         req.AccessLevel,
		Defaults:       req.Defaults,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, status, usecase.MaskServer(server))
}

func (h *Handlers) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	if err := h.config.DeleteServer(r.Context(), chi.URLParam(r, "serverID")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "serverID")
	svc, ok := h.registry.Get(id)
	if !ok {
		h.writeError(w, domain.NewNotFoundError("registered server", id))
		return
	}
	doc := make(map[string]DiscoveryEntry)
	for _, c := range svc.Discovery() {
		doc[c.Name] = DiscoveryEntry{Description: c.Description, InputSchema: c.InputSchema}
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handlers) handleRegister(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "serverID")
	if err := h.registry.Register(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"server_id": id, "status": "registered"})
}

func (h *Handlers) handleUnregister(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "serverID")
	h.registry.Unregister(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]string{"server_id": id, "status": "unregistered"})
}

func (h *Handlers) handleReload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "serverID")
	if err := h.registry.ReloadTools(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"server_id": id, "status": "reloaded"})
}

func (h *Handlers) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := h.config.Instances(r.Context(), chi.URLParam(r, "serverID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(instances))
}

func (h *Handlers) handleSaveInstance(w http.ResponseWriter, r *http.Request) {
	var req instanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := usecase.InstanceInput{
		ServerID:    chi.URLParam(r, "serverID"),
		ToolID:      req.ToolID,
		DisplayName: req.DisplayName,
		Description: req.Description,
		Bindings:    req.Bindings,
	}
	status := http.StatusCreated
	if chi.URLParam(r, "instanceID") != "" {
		id, ok := h.pathInt(w, r, "instanceID")
		if !ok {
			return
		}
		in.ID = id
		status = http.StatusOK
	}
	inst, err := h.config.SaveInstance(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	masked := usecase.MaskInstance(inst)
	masked.Tool = nil
	writeJSON(w, status, masked)
}

func (h *Handlers) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathInt(w, r, "instanceID")
	if !ok {
		return
	}
	if err := h.config.DeleteInstance(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleListRegistered(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"servers": orEmpty(h.registry.List())})
}

// --- Helpers ---

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.Warn("Failed to decode request body", slog.String("path", r.URL.Path), slog.Any("error", err))
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body: "+err.Error()))
		return false
	}
	return true
}

func (h *Handlers) pathInt(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, key), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid "+key))
		return 0, false
	}
	return id, true
}

// requireAdmin rejects requests without a valid credential granting the admin scope.
func (h *Handlers) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="mcpvhost-admin"`)
			writeJSON(w, http.StatusUnauthorized, errorBody("bearer credential required"))
			return
		}
		identity, err := h.validator.ValidateCredential(r.Context(), token)
		if err != nil {
			h.logger.Warn("Rejected admin credential", slog.Any("error", err))
			w.Header().Set("WWW-Authenticate", `Bearer realm="mcpvhost-admin", error="invalid_token"`)
			writeJSON(w, http.StatusUnauthorized, errorBody("invalid bearer credential"))
			return
		}
		if !identity.HasScope(h.adminScope) {
			h.logger.Warn("Admin scope missing", slog.String("subject", identity.Subject))
			writeJSON(w, http.StatusForbidden, errorBody("credential lacks the "+h.adminScope+" scope"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeError maps use case errors onto HTTP statuses.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case domain.IsNotFound(err):
		status = http.StatusNotFound
	case domain.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, usecase.ErrAlreadyExists):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("Admin request failed", slog.Any("error", err))
	}
	writeJSON(w, status, errorBody(err.Error()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
