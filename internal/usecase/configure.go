package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/i2y/mcpvhost/internal/domain"
)

// ServerInput creates or updates a virtual server. Default values arrive in plaintext;
// an empty value for a secret default keeps the stored one.
type ServerInput struct {
	ID             string
	OwnerID        string
	OrganizationID string
	Name           string
	Description    string
	Access         string
	Defaults       map[string]domain.ServerDefault
}

// InstanceInput mounts or edits a tool instance. Fixed values arrive in plaintext; an empty
// fixed value for a secret parameter keeps the stored one.
type InstanceInput struct {
	ID          int64
	ServerID    string
	ToolID      int64
	DisplayName string
	Description string
	Bindings    map[string]domain.Binding
}

// ConfigUseCase is the write path for persisted configuration. Secrets are encrypted before
// they reach the store, and every write is followed by the matching registry update.
type ConfigUseCase struct {
	store    ConfigStore
	codec    SecretsCodec
	registry *Registry
	importer ToolImporter
	logger   *slog.Logger
}

// NewConfigUseCase creates the configuration use case. importer may be nil.
func NewConfigUseCase(store ConfigStore, codec SecretsCodec, registry *Registry, importer ToolImporter, logger *slog.Logger) *ConfigUseCase {
	return &ConfigUseCase{
		store:    store,
		codec:    codec,
		registry: registry,
		importer: importer,
		logger:   logger.With("component", "config_usecase"),
	}
}

// SaveTool validates and persists a tool. Parameters are derived from the templates when none
// are declared. On update, every instance mounting the tool must still bind exactly the new
// parameter set; fixed values of parameters whose secret flag changed are re-encrypted or
// decrypted in the same write, and the mounting servers have their tools reloaded.
func (uc *ConfigUseCase) SaveTool(ctx context.Context, tool *domain.Tool) error {
	if len(tool.Parameters) == 0 {
		tool.Parameters = tool.ExtractParameters()
	}
	if err := tool.Validate(); err != nil {
		return err
	}
	if tool.ID == 0 {
		if err := uc.store.SaveTool(ctx, tool); err != nil {
			return fmt.Errorf("failed to save tool %s: %w", tool.Name, err)
		}
		uc.logger.Info("Tool saved", slog.Int64("tool_id", tool.ID), slog.String("name", tool.Name))
		return nil
	}

	previous, err := uc.store.GetTool(ctx, tool.ID)
	if err != nil {
		return err
	}
	instances, err := uc.instancesMounting(ctx, tool.ID)
	if err != nil {
		return err
	}
	changed, err := uc.migrateInstances(previous, tool, instances)
	if err != nil {
		return err
	}

	if err := uc.store.SaveTool(ctx, tool); err != nil {
		return fmt.Errorf("failed to save tool %s: %w", tool.Name, err)
	}
	for i := range changed {
		if err := uc.store.SaveInstance(ctx, &changed[i]); err != nil {
			return fmt.Errorf("failed to update instance %s: %w", changed[i].DisplayName, err)
		}
	}
	uc.logger.Info("Tool saved", slog.Int64("tool_id", tool.ID), slog.String("name", tool.Name), slog.Int("instances_updated", len(changed)))

	var errs []error
	for _, id := range serverIDs(instances) {
		if err := uc.sync(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// migrateInstances checks each instance against the updated tool and converts fixed values
// whose parameter changed secrecy. It returns the instances whose bindings changed.
func (uc *ConfigUseCase) migrateInstances(previous, updated *domain.Tool, instances []domain.ToolInstance) ([]domain.ToolInstance, error) {
	var changed []domain.ToolInstance
	for _, inst := range instances {
		if err := inst.Validate(updated); err != nil {
			var ve *domain.ValidationError
			if errors.As(err, &ve) {
				return nil, &domain.ValidationError{
					Field:  "parameters",
					Reason: fmt.Sprintf("instance %q on server %s no longer matches: %s", inst.DisplayName, inst.ServerID, ve.Reason),
				}
			}
			return nil, err
		}

		bindings := make(map[string]domain.Binding, len(inst.Bindings))
		dirty := false
		for name, b := range inst.Bindings {
			bindings[name] = b
			if b.Kind != domain.BindingFixed {
				continue
			}
			was, _ := previous.Parameter(name)
			now, _ := updated.Parameter(name)
			switch {
			case !was.IsSecret && now.IsSecret:
				token, err := uc.codec.Encrypt(b.Value)
				if err != nil {
					return nil, fmt.Errorf("failed to encrypt value for %s: %w", name, err)
				}
				bindings[name] = domain.Fixed(token)
				dirty = true
			case was.IsSecret && !now.IsSecret:
				plain, err := uc.codec.Decrypt(b.Value)
				if err != nil {
					return nil, &domain.ValidationError{
						Field:  "parameters",
						Reason: fmt.Sprintf("stored secret for %q on instance %q cannot be decrypted", name, inst.DisplayName),
					}
				}
				bindings[name] = domain.Fixed(plain)
				dirty = true
			}
		}
		if dirty {
			inst.Bindings = bindings
			inst.Tool = nil
			changed = append(changed, inst)
		}
	}
	return changed, nil
}

// DeleteTool removes a tool that no instance mounts.
func (uc *ConfigUseCase) DeleteTool(ctx context.Context, id int64) error {
	instances, err := uc.instancesMounting(ctx, id)
	if err != nil {
		return err
	}
	servers := serverIDs(instances)
	if len(servers) > 0 {
		return &domain.ValidationError{Field: "tool_id", Reason: fmt.Sprintf("tool is mounted on %d server(s)", len(servers))}
	}
	return uc.store.DeleteTool(ctx, id)
}

// ImportTools imports every operation of an API description as a tool owned by ownerID.
func (uc *ConfigUseCase) ImportTools(ctx context.Context, ownerID string, src ImportSource) ([]domain.Tool, error) {
	if uc.importer == nil {
		return nil, errors.New("tool import is not configured")
	}
	tools, err := uc.importer.Import(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("failed to import tools from %s: %w", src.URL, err)
	}
	saved := make([]domain.Tool, 0, len(tools))
	for i := range tools {
		tool := tools[i]
		tool.ID = 0
		tool.OwnerID = ownerID
		if err := uc.SaveTool(ctx, &tool); err != nil {
			uc.logger.Warn("Skipping imported tool", slog.String("name", tool.Name), slog.Any("error", err))
			continue
		}
		saved = append(saved, tool)
	}
	uc.logger.Info("Tools imported", slog.String("source", src.URL), slog.Int("imported", len(saved)), slog.Int("found", len(tools)))
	return saved, nil
}

// TestTool executes a tool once with every parameter supplied by args, without mounting it.
// Declared defaults apply to omitted arguments. Execution failures are returned as
// *ExecutionError, like a mounted invocation.
func (uc *ConfigUseCase) TestTool(ctx context.Context, id int64, args map[string]any) (*ExecutionResult, error) {
	tool, err := uc.store.GetTool(ctx, id)
	if err != nil {
		return nil, err
	}
	inst := &domain.ToolInstance{
		ToolID:      tool.ID,
		DisplayName: tool.Name,
		Bindings:    make(map[string]domain.Binding, len(tool.Parameters)),
		Tool:        tool,
	}
	for _, p := range tool.Parameters {
		inst.Bindings[p.Name] = domain.Exposed()
	}
	scratch := &domain.VirtualServer{ID: "tool-test", OwnerID: tool.OwnerID, Name: tool.Name, Access: domain.AccessPrivate}

	uc.logger.Info("Testing tool", slog.Int64("tool_id", tool.ID), slog.String("name", tool.Name))
	return uc.registry.executor.Execute(ctx, Target{Server: scratch, Instance: inst}, args)
}

// SaveServer creates or updates a virtual server and (re)registers it.
func (uc *ConfigUseCase) SaveServer(ctx context.Context, in ServerInput) (*domain.VirtualServer, error) {
	if in.Name == "" {
		return nil, &domain.ValidationError{Field: "name", Reason: "is required"}
	}
	if in.OwnerID == "" {
		return nil, &domain.ValidationError{Field: "owner_id", Reason: "is required"}
	}
	access, err := domain.ParseAccessLevel(in.Access)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	server := &domain.VirtualServer{
		ID:             in.ID,
		OwnerID:        in.OwnerID,
		OrganizationID: in.OrganizationID,
		Name:           in.Name,
		Description:    in.Description,
		Access:         access,
		Defaults:       make(map[string]domain.ServerDefault, len(in.Defaults)),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var existing *domain.VirtualServer
	if server.ID == "" {
		server.ID = uuid.NewString()
	} else {
		existing, err = uc.store.GetServer(ctx, server.ID)
		if err != nil && !domain.IsNotFound(err) {
			return nil, err
		}
		if existing != nil {
			server.CreatedAt = existing.CreatedAt
		}
	}

	for name, d := range in.Defaults {
		if !d.IsSecret {
			server.Defaults[name] = d
			continue
		}
		if d.Value == "" && existing != nil {
			if prev, ok := existing.Defaults[name]; ok && prev.IsSecret {
				server.Defaults[name] = prev
				continue
			}
		}
		token, err := uc.codec.Encrypt(d.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt default %s: %w", name, err)
		}
		server.Defaults[name] = domain.ServerDefault{Value: token, IsSecret: true}
	}

	if err := uc.store.SaveServer(ctx, server); err != nil {
		return nil, fmt.Errorf("failed to save server: %w", err)
	}
	uc.logger.Info("Server saved", slog.String("server_id", server.ID), slog.String("access", string(server.Access)))
	if err := uc.registry.Register(ctx, server.ID); err != nil {
		return server, err
	}
	return server, nil
}

// DeleteServer removes a virtual server with its instances and unregisters it.
func (uc *ConfigUseCase) DeleteServer(ctx context.Context, id string) error {
	if err := uc.store.DeleteServer(ctx, id); err != nil {
		return err
	}
	uc.registry.Unregister(ctx, id)
	uc.logger.Info("Server deleted", slog.String("server_id", id))
	return nil
}

// SaveInstance mounts or edits a tool instance and reloads the server's tools.
func (uc *ConfigUseCase) SaveInstance(ctx context.Context, in InstanceInput) (*domain.ToolInstance, error) {
	if _, err := uc.store.GetServer(ctx, in.ServerID); err != nil {
		return nil, err
	}
	tool, err := uc.store.GetTool(ctx, in.ToolID)
	if err != nil {
		return nil, err
	}

	inst := &domain.ToolInstance{
		ID:          in.ID,
		ServerID:    in.ServerID,
		ToolID:      in.ToolID,
		DisplayName: in.DisplayName,
		Description: in.Description,
		Bindings:    make(map[string]domain.Binding, len(in.Bindings)),
	}
	if inst.DisplayName == "" {
		inst.DisplayName = tool.Name
	}

	var existing *domain.ToolInstance
	if inst.ID != 0 {
		existing, err = uc.store.GetInstance(ctx, inst.ID)
		if err != nil {
			return nil, err
		}
		if existing.ServerID != inst.ServerID {
			return nil, &domain.ValidationError{Field: "server_id", Reason: "an instance cannot move between servers"}
		}
	}

	siblings, err := uc.store.ListInstances(ctx, in.ServerID)
	if err != nil {
		return nil, err
	}
	for _, s := range siblings {
		if s.DisplayName == inst.DisplayName && s.ID != inst.ID {
			return nil, fmt.Errorf("%w: tool name %q on server %s", ErrAlreadyExists, inst.DisplayName, in.ServerID)
		}
	}

	for name, b := range in.Bindings {
		p, declared := tool.Parameter(name)
		if b.Kind != domain.BindingFixed || !declared || !p.IsSecret {
			inst.Bindings[name] = b
			continue
		}
		if b.Value == "" && existing != nil {
			if prev, ok := existing.Bindings[name]; ok && prev.Kind == domain.BindingFixed {
				inst.Bindings[name] = prev
				continue
			}
		}
		token, err := uc.codec.Encrypt(b.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt value for %s: %w", name, err)
		}
		inst.Bindings[name] = domain.Fixed(token)
	}
	if err := inst.Validate(tool); err != nil {
		return nil, err
	}

	if err := uc.store.SaveInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("failed to save instance: %w", err)
	}
	inst.Tool = tool
	uc.logger.Info("Instance saved", slog.String("server_id", inst.ServerID), slog.String("tool_name", inst.DisplayName))
	return inst, uc.sync(ctx, inst.ServerID)
}

// DeleteInstance unmounts an instance and reloads its server's tools.
func (uc *ConfigUseCase) DeleteInstance(ctx context.Context, id int64) error {
	inst, err := uc.store.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if err := uc.store.DeleteInstance(ctx, id); err != nil {
		return err
	}
	uc.logger.Info("Instance deleted", slog.String("server_id", inst.ServerID), slog.String("tool_name", inst.DisplayName))
	return uc.sync(ctx, inst.ServerID)
}

// sync brings the registry in line with the store for one server: a registered server has
// its tools reloaded, an unregistered one is registered. A server unregistered between the
// lookup and the reload is registered again.
func (uc *ConfigUseCase) sync(ctx context.Context, serverID string) error {
	if _, ok := uc.registry.Get(serverID); ok {
		err := uc.registry.ReloadTools(ctx, serverID)
		if err == nil || !domain.IsNotFound(err) {
			return err
		}
	}
	return uc.registry.Register(ctx, serverID)
}

// instancesMounting returns every instance, on any server, that mounts toolID.
func (uc *ConfigUseCase) instancesMounting(ctx context.Context, toolID int64) ([]domain.ToolInstance, error) {
	servers, err := uc.store.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.ToolInstance
	for _, s := range servers {
		instances, err := uc.store.ListInstances(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		for _, inst := range instances {
			if inst.ToolID == toolID {
				out = append(out, inst)
			}
		}
	}
	return out, nil
}

func serverIDs(instances []domain.ToolInstance) []string {
	seen := make(map[string]bool, len(instances))
	var ids []string
	for _, inst := range instances {
		if !seen[inst.ServerID] {
			seen[inst.ServerID] = true
			ids = append(ids, inst.ServerID)
		}
	}
	return ids
}

// --- Reads ---
//
// Values returned here are safe to hand to an operator: secret defaults and secret fixed
// values are blanked.

// Tool returns one tool.
func (uc *ConfigUseCase) Tool(ctx context.Context, id int64) (*domain.Tool, error) {
	return uc.store.GetTool(ctx, id)
}

// Tools lists the tools owned by ownerID, or all tools when ownerID is empty.
func (uc *ConfigUseCase) Tools(ctx context.Context, ownerID string) ([]domain.Tool, error) {
	return uc.store.ListTools(ctx, ownerID)
}

// Server returns one persisted server with secret defaults masked.
func (uc *ConfigUseCase) Server(ctx context.Context, id string) (*domain.VirtualServer, error) {
	server, err := uc.store.GetServer(ctx, id)
	if err != nil {
		return nil, err
	}
	return MaskServer(server), nil
}

// Servers lists every persisted server with secret defaults masked.
func (uc *ConfigUseCase) Servers(ctx context.Context) ([]domain.VirtualServer, error) {
	servers, err := uc.store.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range servers {
		servers[i] = *MaskServer(&servers[i])
	}
	return servers, nil
}

// Instances lists the instances mounted on serverID with secret fixed values masked.
func (uc *ConfigUseCase) Instances(ctx context.Context, serverID string) ([]domain.ToolInstance, error) {
	if _, err := uc.store.GetServer(ctx, serverID); err != nil {
		return nil, err
	}
	instances, err := uc.store.ListInstances(ctx, serverID)
	if err != nil {
		return nil, err
	}
	for i := range instances {
		instances[i] = *MaskInstance(&instances[i])
	}
	return instances, nil
}

// MaskServer returns a copy of server with secret default values blanked.
func MaskServer(server *domain.VirtualServer) *domain.VirtualServer {
	masked := *server
	masked.Defaults = make(map[string]domain.ServerDefault, len(server.Defaults))
	for name, d := range server.Defaults {
		if d.IsSecret {
			d.Value = ""
		}
		masked.Defaults[name] = d
	}
	return &masked
}

// MaskInstance returns a copy of inst with fixed values of secret parameters blanked.
// inst.Tool must be set for anything to be masked.
func MaskInstance(inst *domain.ToolInstance) *domain.ToolInstance {
	masked := *inst
	masked.Bindings = make(map[string]domain.Binding, len(inst.Bindings))
	for name, b := range inst.Bindings {
		if b.Kind == domain.BindingFixed && inst.Tool != nil {
			if p, ok := inst.Tool.Parameter(name); ok && p.IsSecret {
				b.Value = ""
			}
		}
		masked.Bindings[name] = b
	}
	return &masked
}
