package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/i2y/mcpvhost/internal/domain"
)

// ServiceVersion is reported to MCP clients during initialization.
const ServiceVersion = "0.1.0"

// ErrUnknownTool is returned when an invocation names no mounted instance.
var ErrUnknownTool = errors.New("unknown tool")

// Callable is what a remote caller discovers for one mounted instance.
type Callable struct {
	Name        string
	Description string
	InputSchema domain.JSONSchemaProps
}

type serviceState struct {
	server    *domain.VirtualServer
	instances map[string]*domain.ToolInstance
	callables []Callable
}

// VirtualService is the MCP server composed for one virtual server. Its tool list can be
// replaced while it is serving; an invocation always sees one consistent snapshot.
type VirtualService struct {
	id       string
	executor *InstanceExecutor
	logger   *slog.Logger

	mcp        *mcpserver.MCPServer
	streamable *mcpserver.StreamableHTTPServer
	sse        *mcpserver.SSEServer

	state atomic.Pointer[serviceState]
}

// NewVirtualService composes the MCP service for server with the given instances.
func NewVirtualService(server *domain.VirtualServer, instances []domain.ToolInstance, executor *InstanceExecutor, logger *slog.Logger) (*VirtualService, error) {
	s := &VirtualService{
		id:       server.ID,
		executor: executor,
		logger:   logger.With("component", "virtual_service", slog.String("server_id", server.ID)),
	}
	s.mcp = mcpserver.NewMCPServer(
		"mcpvhost-server-"+server.ID,
		ServiceVersion,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)
	s.streamable = mcpserver.NewStreamableHTTPServer(s.mcp, mcpserver.WithStateLess(true))
	s.sse = mcpserver.NewSSEServer(
		s.mcp,
		mcpserver.WithDynamicBasePath(func(r *http.Request, _ string) string {
			if strings.HasPrefix(r.URL.Path, "/s/") {
				return "/s/" + s.id
			}
			return ""
		}),
		mcpserver.WithMessageEndpoint("/message"),
		mcpserver.WithUseFullURLForMessageEndpoint(false),
	)

	if err := s.replace(server, instances); err != nil {
		return nil, err
	}
	return s, nil
}

// ServerID returns the routing token this service answers for.
func (s *VirtualService) ServerID() string { return s.id }

// Server returns the virtual server record the current snapshot was built from.
func (s *VirtualService) Server() *domain.VirtualServer { return s.state.Load().server }

// Discovery lists the callables in instance order.
func (s *VirtualService) Discovery() []Callable {
	st := s.state.Load()
	out := make([]Callable, len(st.callables))
	copy(out, st.callables)
	return out
}

// Invoke executes the instance mounted under name.
func (s *VirtualService) Invoke(ctx context.Context, name string, args map[string]any) (*ExecutionResult, error) {
	st := s.state.Load()
	inst, ok := st.instances[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return s.executor.Execute(ctx, Target{Server: st.server, Instance: inst}, args)
}

// StreamableHandler serves the streamable HTTP transport.
func (s *VirtualService) StreamableHandler() http.Handler { return s.streamable }

// SSEHandler serves the event stream of the SSE transport.
func (s *VirtualService) SSEHandler() http.Handler { return s.sse.SSEHandler() }

// MessageHandler serves the message endpoint of the SSE transport.
func (s *VirtualService) MessageHandler() http.Handler { return s.sse.MessageHandler() }

// Shutdown closes open transport sessions.
func (s *VirtualService) Shutdown(ctx context.Context) error {
	return errors.Join(
		s.sse.Shutdown(ctx),
		s.streamable.Shutdown(ctx),
	)
}

// replace builds a new snapshot and swaps it in together with the MCP tool list.
func (s *VirtualService) replace(server *domain.VirtualServer, instances []domain.ToolInstance) error {
	st := &serviceState{
		server:    server,
		instances: make(map[string]*domain.ToolInstance, len(instances)),
	}
	tools := make([]mcpserver.ServerTool, 0, len(instances))
	for i := range instances {
		inst := &instances[i]
		if _, dup := st.instances[inst.DisplayName]; dup {
			return fmt.Errorf("duplicate tool name %q on server %s", inst.DisplayName, server.ID)
		}
		tool, err := BuildTool(inst)
		if err != nil {
			return err
		}
		st.instances[inst.DisplayName] = inst
		st.callables = append(st.callables, Callable{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: GenerateInputSchema(inst),
		})
		tools = append(tools, mcpserver.ServerTool{Tool: tool, Handler: s.handler(inst.DisplayName)})
	}

	s.state.Store(st)
	s.mcp.SetTools(tools...)
	s.logger.Info("Tools published", slog.Int("count", len(tools)))
	return nil
}

func (s *VirtualService) handler(name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := s.Invoke(ctx, name, req.GetArguments())
		return ToolResult(res, err), nil
	}
}

// ToolResult converts an execution outcome into the MCP result a caller sees. Failures
// become error results rather than protocol errors.
func ToolResult(res *ExecutionResult, err error) *mcp.CallToolResult {
	if err == nil {
		return mcp.NewToolResultText(res.Body)
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return mcp.NewToolResultError(execErr.Message)
	}
	if errors.Is(err, ErrUnknownTool) {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError("Tool execution failed")
}
