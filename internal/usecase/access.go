package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/i2y/mcpvhost/internal/domain"
)

// AdminScope grants access to every private server.
const AdminScope = "mcpvhost:admin"

// AccessPolicy decides whether a caller may reach a virtual server.
type AccessPolicy struct {
	validator CredentialValidator
	checker   AccessChecker
	logger    *slog.Logger
}

// NewAccessPolicy creates a policy. A nil validator rejects every non-public server.
func NewAccessPolicy(validator CredentialValidator, checker AccessChecker, logger *slog.Logger) *AccessPolicy {
	return &AccessPolicy{
		validator: validator,
		checker:   checker,
		logger:    logger.With("component", "access_policy"),
	}
}

// Authorize checks bearer against the server's access level. It returns ErrUnauthorized
// when a credential is missing or invalid and ErrForbidden when a valid identity may not
// call a private server. Public servers return a nil identity.
func (p *AccessPolicy) Authorize(ctx context.Context, server *domain.VirtualServer, bearer string) (*domain.Identity, error) {
	if server.Access == domain.AccessPublic {
		return nil, nil
	}
	if bearer == "" || p.validator == nil {
		return nil, ErrUnauthorized
	}
	identity, err := p.validator.ValidateCredential(ctx, bearer)
	if err != nil {
		p.logger.Debug("Credential rejected", slog.String("server_id", server.ID), slog.Any("error", err))
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if server.Access == domain.AccessOrganization {
		return identity, nil
	}

	if p.checker == nil {
		return nil, ErrForbidden
	}
	ok, err := p.checker.CanAccess(ctx, server.ID, identity)
	if err != nil {
		return nil, fmt.Errorf("access check failed: %w", err)
	}
	if !ok {
		p.logger.Info("Access denied", slog.String("server_id", server.ID), slog.String("subject", identity.Subject))
		return nil, ErrForbidden
	}
	return identity, nil
}

// OwnerAccess allows the owner of a registered server and holders of AdminScope.
type OwnerAccess struct {
	registry *Registry
}

// NewOwnerAccess creates an AccessChecker backed by the registry's loaded servers.
func NewOwnerAccess(registry *Registry) *OwnerAccess {
	return &OwnerAccess{registry: registry}
}

// CanAccess implements AccessChecker.
func (o *OwnerAccess) CanAccess(_ context.Context, serverID string, identity *domain.Identity) (bool, error) {
	if identity == nil {
		return false, nil
	}
	if hasScope(identity.Scope, AdminScope) {
		return true, nil
	}
	svc, ok := o.registry.Get(serverID)
	if !ok {
		return false, domain.NewNotFoundError("registered server", serverID)
	}
	return svc.Server().OwnerID == identity.Subject, nil
}

func hasScope(scopes, want string) bool {
	for _, s := range strings.Fields(scopes) {
		if s == want {
			return true
		}
	}
	return false
}
