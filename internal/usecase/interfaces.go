package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/i2y/mcpvhost/internal/domain"
)

// Standard errors returned by use cases and adapters.
var (
	ErrAlreadyExists = errors.New("resource already exists")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")

	// ErrDownstreamUnreachable and ErrDownstreamTimeout classify failed downstream calls.
	ErrDownstreamUnreachable = errors.New("downstream unreachable")
	ErrDownstreamTimeout     = errors.New("downstream timed out")
	// ErrInvalidRequest marks a rendered request that cannot be sent (bad method, URL or header).
	ErrInvalidRequest = errors.New("invalid downstream request")
)

// --- Persisted configuration ---

// ServerStore is the read side of the persisted configuration that the registry consumes.
// Missing records are reported as *domain.NotFoundError.
type ServerStore interface {
	// GetServer returns the virtual server with its defaults.
	GetServer(ctx context.Context, id string) (*domain.VirtualServer, error)
	// ListServers returns every persisted virtual server.
	ListServers(ctx context.Context) ([]domain.VirtualServer, error)
	// ListInstances returns the instances mounted on a server, ordered by ID, with Tool populated.
	ListInstances(ctx context.Context, serverID string) ([]domain.ToolInstance, error)
}

// ConfigStore is the full read/write configuration surface.
type ConfigStore interface {
	ServerStore

	// SaveTool creates (ID == 0) or updates a tool and sets its ID.
	SaveTool(ctx context.Context, tool *domain.Tool) error
	GetTool(ctx context.Context, id int64) (*domain.Tool, error)
	ListTools(ctx context.Context, ownerID string) ([]domain.Tool, error)
	DeleteTool(ctx context.Context, id int64) error

	// SaveServer creates or updates a server by ID.
	SaveServer(ctx context.Context, server *domain.VirtualServer) error
	DeleteServer(ctx context.Context, id string) error

	// SaveInstance creates (ID == 0) or updates an instance and sets its ID.
	SaveInstance(ctx context.Context, inst *domain.ToolInstance) error
	GetInstance(ctx context.Context, id int64) (*domain.ToolInstance, error)
	DeleteInstance(ctx context.Context, id int64) error
}

// --- Secrets ---

// SecretsCodec encrypts secret values at rest.
type SecretsCodec interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(token string) (string, error)
}

// --- Downstream calls ---

// DownstreamRequest is a fully rendered HTTP call.
type DownstreamRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    *string
	Timeout time.Duration
}

// DownstreamResponse is the raw outcome of a downstream call that produced a status.
type DownstreamResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// DownstreamInvoker performs exactly one HTTP call. Failures that produced no status are
// returned wrapping ErrDownstreamUnreachable or ErrDownstreamTimeout.
type DownstreamInvoker interface {
	Invoke(ctx context.Context, req DownstreamRequest) (*DownstreamResponse, error)
}

// --- Tool import ---

// ImportSource locates an API description to import tools from.
type ImportSource struct {
	URL     string
	Headers map[string]string
}

// ToolImporter derives tool definitions from an API description. Returned tools have no
// owner or ID set.
type ToolImporter interface {
	Import(ctx context.Context, src ImportSource) ([]domain.Tool, error)
}

// --- Authorization ---

// CredentialValidator turns a bearer credential into a verified identity.
type CredentialValidator interface {
	ValidateCredential(ctx context.Context, token string) (*domain.Identity, error)
}

// AccessChecker decides whether an identity may call a private server.
type AccessChecker interface {
	CanAccess(ctx context.Context, serverID string, identity *domain.Identity) (bool, error)
}
