package memrepo

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/i2y/mcpvhost/internal/domain"
	"github.com/i2y/mcpvhost/internal/usecase"
)

// InMemoryConfigStore provides an in-memory implementation of usecase.ConfigStore.
// NOTE: This implementation is not persistent and data will be lost on restart.
type InMemoryConfigStore struct {
	mu        sync.RWMutex
	tools     map[int64]domain.Tool
	servers   map[string]domain.VirtualServer
	instances map[int64]domain.ToolInstance
	nextTool  int64
	nextInst  int64
	logger    *slog.Logger
}

var _ usecase.ConfigStore = (*InMemoryConfigStore)(nil)

// NewInMemoryConfigStore creates a new in-memory store.
func NewInMemoryConfigStore(logger *slog.Logger) *InMemoryConfigStore {
	return &InMemoryConfigStore{
		tools:     make(map[int64]domain.Tool),
		servers:   make(map[string]domain.VirtualServer),
		instances: make(map[int64]domain.ToolInstance),
		logger:    logger.With("component", "mem_repo"),
	}
}

// SaveTool stores a tool, assigning an ID when it has none.
func (r *InMemoryConfigStore) SaveTool(ctx context.Context, tool *domain.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tool.ID == 0 {
		r.nextTool++
		tool.ID = r.nextTool
	} else if _, ok := r.tools[tool.ID]; !ok {
		return domain.NewNotFoundError("tool", strconv.FormatInt(tool.ID, 10))
	}
	for id, existing := range r.tools {
		if id != tool.ID && existing.OwnerID == tool.OwnerID && existing.Name == tool.Name {
			return fmt.Errorf("%w: tool %q", usecase.ErrAlreadyExists, tool.Name)
		}
	}
	r.tools[tool.ID] = copyTool(*tool)
	r.logger.Debug("Saved tool", slog.Int64("tool_id", tool.ID), slog.String("name", tool.Name))
	return nil
}

// GetTool retrieves a tool by ID.
func (r *InMemoryConfigStore) GetTool(ctx context.Context, id int64) (*domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[id]
	if !ok {
		return nil, domain.NewNotFoundError("tool", strconv.FormatInt(id, 10))
	}
	t := copyTool(tool)
	return &t, nil
}

// ListTools returns the tools owned by ownerID, or every tool when ownerID is empty.
func (r *InMemoryConfigStore) ListTools(ctx context.Context, ownerID string) ([]domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]domain.Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		if ownerID == "" || tool.OwnerID == ownerID {
			list = append(list, copyTool(tool))
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

// DeleteTool removes a tool.
func (r *InMemoryConfigStore) DeleteTool(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tools[id]; !ok {
		return domain.NewNotFoundError("tool", strconv.FormatInt(id, 10))
	}
	delete(r.tools, id)
	return nil
}

// SaveServer creates or replaces a virtual server.
func (r *InMemoryConfigStore) SaveServer(ctx context.Context, server *domain.VirtualServer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.servers[server.ID] = copyServer(*server)
	r.logger.Debug("Saved server", slog.String("server_id", server.ID))
	return nil
}

// GetServer retrieves a virtual server by ID.
func (r *InMemoryConfigStore) GetServer(ctx context.Context, id string) (*domain.VirtualServer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	server, ok := r.servers[id]
	if !ok {
		return nil, domain.NewNotFoundError("server", id)
	}
	s := copyServer(server)
	return &s, nil
}

// ListServers returns every virtual server ordered by ID.
func (r *InMemoryConfigStore) ListServers(ctx context.Context) ([]domain.VirtualServer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]domain.VirtualServer, 0, len(r.servers))
	for _, s := range r.servers {
		list = append(list, copyServer(s))
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

// DeleteServer removes a server and the instances mounted on it.
func (r *InMemoryConfigStore) DeleteServer(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.servers[id]; !ok {
		return domain.NewNotFoundError("server", id)
	}
	delete(r.servers, id)
	for instID, inst := range r.instances {
		if inst.ServerID == id {
			delete(r.instances, instID)
		}
	}
	return nil
}

// SaveInstance stores an instance, assigning an ID when it has none.
func (r *InMemoryConfigStore) SaveInstance(ctx context.Context, inst *domain.ToolInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.servers[inst.ServerID]; !ok {
		return domain.NewNotFoundError("server", inst.ServerID)
	}
	if _, ok := r.tools[inst.ToolID]; !ok {
		return domain.NewNotFoundError("tool", strconv.FormatInt(inst.ToolID, 10))
	}
	for id, existing := range r.instances {
		if id != inst.ID && existing.ServerID == inst.ServerID && existing.DisplayName == inst.DisplayName {
			return fmt.Errorf("%w: tool name %q", usecase.ErrAlreadyExists, inst.DisplayName)
		}
	}
	if inst.ID == 0 {
		r.nextInst++
		inst.ID = r.nextInst
	} else if _, ok := r.instances[inst.ID]; !ok {
		return domain.NewNotFoundError("instance", strconv.FormatInt(inst.ID, 10))
	}
	stored := copyInstance(*inst)
	stored.Tool = nil
	r.instances[inst.ID] = stored
	r.logger.Debug("Saved instance", slog.Int64("instance_id", inst.ID), slog.String("server_id", inst.ServerID))
	return nil
}

// GetInstance retrieves an instance by ID with its tool populated.
func (r *InMemoryConfigStore) GetInstance(ctx context.Context, id int64) (*domain.ToolInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[id]
	if !ok {
		return nil, domain.NewNotFoundError("instance", strconv.FormatInt(id, 10))
	}
	out := r.populate(inst)
	return &out, nil
}

// ListInstances returns the instances mounted on serverID ordered by ID.
func (r *InMemoryConfigStore) ListInstances(ctx context.Context, serverID string) ([]domain.ToolInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int64, 0)
	for id, inst := range r.instances {
		if inst.ServerID == serverID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	list := make([]domain.ToolInstance, 0, len(ids))
	for _, id := range ids {
		list = append(list, r.populate(r.instances[id]))
	}
	r.logger.Debug("Listed instances", slog.String("server_id", serverID), slog.Int("count", len(list)))
	return list, nil
}

// DeleteInstance removes an instance.
func (r *InMemoryConfigStore) DeleteInstance(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[id]; !ok {
		return domain.NewNotFoundError("instance", strconv.FormatInt(id, 10))
	}
	delete(r.instances, id)
	return nil
}

func (r *InMemoryConfigStore) populate(inst domain.ToolInstance) domain.ToolInstance {
	out := copyInstance(inst)
	if tool, ok := r.tools[inst.ToolID]; ok {
		t := copyTool(tool)
		out.Tool = &t
	}
	return out
}

func copyTool(t domain.Tool) domain.Tool {
	t.Headers = maps.Clone(t.Headers)
	t.Parameters = slices.Clone(t.Parameters)
	return t
}

func copyServer(s domain.VirtualServer) domain.VirtualServer {
	s.Defaults = maps.Clone(s.Defaults)
	return s
}

func copyInstance(i domain.ToolInstance) domain.ToolInstance {
	i.Bindings = maps.Clone(i.Bindings)
	return i
}
