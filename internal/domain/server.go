package domain

import (
	"fmt"
	"strings"
	"time"
)

// AccessLevel controls who may call a virtual server.
type AccessLevel string

const (
	AccessPrivate      AccessLevel = "private"
	AccessOrganization AccessLevel = "organization"
	AccessPublic       AccessLevel = "public"
)

// ParseAccessLevel parses s, defaulting to private when empty.
func ParseAccessLevel(s string) (AccessLevel, error) {
	switch AccessLevel(s) {
	case "":
		return AccessPrivate, nil
	case AccessPrivate, AccessOrganization, AccessPublic:
		return AccessLevel(s), nil
	}
	return "", &ValidationError{Field: "access_level", Reason: fmt.Sprintf("unknown access level %q", s)}
}

// ServerDefault is a server-level value consulted by ServerDefault bindings.
// Secret values are stored encrypted.
type ServerDefault struct {
	Value    string `json:"value"`
	IsSecret bool   `json:"is_secret,omitempty"`
}

// VirtualServer is a tenant-configured bundle of tool instances reachable under ID.
type VirtualServer struct {
	// ID is the opaque routing token (a UUID string).
	ID             string                   `json:"id"`
	OwnerID        string                   `json:"owner_id"`
	OrganizationID string                   `json:"organization_id,omitempty"`
	Name           string                   `json:"name"`
	Description    string                   `json:"description,omitempty"`
	Access         AccessLevel              `json:"access_level"`
	Defaults       map[string]ServerDefault `json:"defaults,omitempty"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

// BindingKind selects where a parameter value comes from.
type BindingKind string

const (
	// BindingFixed uses the value stored on the instance.
	BindingFixed BindingKind = "fixed"
	// BindingServerDefault uses the owning server's default for the parameter name.
	BindingServerDefault BindingKind = "server"
	// BindingExposed requires the remote caller to supply the value.
	BindingExposed BindingKind = "exposed"
)

// Binding resolves one parameter of an instance.
type Binding struct {
	Kind BindingKind `json:"kind"`
	// Value is set for fixed bindings; encrypted when the parameter is secret.
	Value string `json:"value,omitempty"`
}

// Fixed returns a fixed binding.
func Fixed(value string) Binding { return Binding{Kind: BindingFixed, Value: value} }

// ServerDefaultBinding returns a binding that defers to the server default.
func ServerDefaultBinding() Binding { return Binding{Kind: BindingServerDefault} }

// Exposed returns a binding supplied by the caller.
func Exposed() Binding { return Binding{Kind: BindingExposed} }

// ToolInstance mounts a Tool into a VirtualServer under a display name.
type ToolInstance struct {
	ID          int64              `json:"id"`
	ServerID    string             `json:"server_id"`
	ToolID      int64              `json:"tool_id"`
	DisplayName string             `json:"display_name"`
	Description string             `json:"description,omitempty"`
	Bindings    map[string]Binding `json:"bindings"`

	// Tool is populated by the store when instances are loaded for execution.
	Tool *Tool `json:"tool,omitempty"`
}

// Validate checks that every declared parameter of tool has exactly one known binding.
func (i *ToolInstance) Validate(tool *Tool) error {
	if i.DisplayName == "" {
		return &ValidationError{Field: "display_name", Reason: "is required"}
	}
	if tool == nil {
		return &ValidationError{Field: "tool_id", Reason: "tool is not loaded"}
	}
	for _, p := range tool.Parameters {
		b, ok := i.Bindings[p.Name]
		if !ok {
			return &ValidationError{Field: "bindings", Reason: fmt.Sprintf("parameter %q has no binding", p.Name)}
		}
		switch b.Kind {
		case BindingFixed, BindingServerDefault, BindingExposed:
		default:
			return &ValidationError{Field: "bindings", Reason: fmt.Sprintf("parameter %q has unknown binding %q", p.Name, b.Kind)}
		}
	}
	for name := range i.Bindings {
		if _, ok := tool.Parameter(name); !ok {
			return &ValidationError{Field: "bindings", Reason: fmt.Sprintf("parameter %q is not declared by tool %q", name, tool.Name)}
		}
	}
	return nil
}

// Identity is a verified caller.
type Identity struct {
	Subject        string
	OrganizationID string
	Scope          string
	ExpiresAt      time.Time
}

// HasScope reports whether the space separated Scope grants scope.
func (i *Identity) HasScope(scope string) bool {
	for _, s := range strings.Fields(i.Scope) {
		if s == scope {
			return true
		}
	}
	return false
}
