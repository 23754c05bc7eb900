package memrepo_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/mcpvhost/internal/adapter/outbound/memrepo"
	"github.com/i2y/mcpvhost/internal/domain"
	"github.com/i2y/mcpvhost/internal/usecase"
)

func newStore() *memrepo.InMemoryConfigStore {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return memrepo.NewInMemoryConfigStore(logger)
}

func sampleTool() *domain.Tool {
	return &domain.Tool{
		OwnerID: "alice",
		Name:    "get_user",
		Method:  "GET",
		URL:     "https://api.example.com/users/{{integer:id}}",
		Headers: map[string]string{"Accept": "application/json"},
		Parameters: []domain.Parameter{
			{Name: "id", Type: domain.ParamInteger},
		},
	}
}

func TestInMemoryConfigStore_Tools(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := newStore()

	tool := sampleTool()
	require.NoError(t, store.SaveTool(ctx, tool))
	assert.Equal(int64(1), tool.ID)

	got, err := store.GetTool(ctx, tool.ID)
	require.NoError(t, err)
	assert.Equal(*tool, *got)

	// Returned values do not alias the stored ones.
	got.Headers["Accept"] = "text/plain"
	again, _ := store.GetTool(ctx, tool.ID)
	assert.Equal("application/json", again.Headers["Accept"])

	dup := sampleTool()
	assert.ErrorIs(store.SaveTool(ctx, dup), usecase.ErrAlreadyExists)

	other := sampleTool()
	other.OwnerID = "bob"
	require.NoError(t, store.SaveTool(ctx, other))

	aliceTools, err := store.ListTools(ctx, "alice")
	require.NoError(t, err)
	assert.Len(aliceTools, 1)
	all, err := store.ListTools(ctx, "")
	require.NoError(t, err)
	assert.Len(all, 2)

	require.NoError(t, store.DeleteTool(ctx, tool.ID))
	_, err = store.GetTool(ctx, tool.ID)
	assert.True(domain.IsNotFound(err))
	assert.True(domain.IsNotFound(store.DeleteTool(ctx, tool.ID)))
}

func TestInMemoryConfigStore_ServersAndInstances(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := newStore()

	tool := sampleTool()
	require.NoError(t, store.SaveTool(ctx, tool))
	server := &domain.VirtualServer{ID: "srv-1", OwnerID: "alice", Name: "users", Access: domain.AccessPrivate}
	require.NoError(t, store.SaveServer(ctx, server))

	tests := []struct {
		name    string
		inst    domain.ToolInstance
		wantErr func(error) bool
	}{
		{
			name: "first mount",
			inst: domain.ToolInstance{ServerID: "srv-1", ToolID: tool.ID, DisplayName: "user", Bindings: map[string]domain.Binding{"id": domain.Exposed()}},
		},
		{
			name: "second mount",
			inst: domain.ToolInstance{ServerID: "srv-1", ToolID: tool.ID, DisplayName: "me", Bindings: map[string]domain.Binding{"id": domain.Fixed("7")}},
		},
		{
			name:    "duplicate display name",
			inst:    domain.ToolInstance{ServerID: "srv-1", ToolID: tool.ID, DisplayName: "user"},
			wantErr: func(err error) bool { return assert.ErrorIs(err, usecase.ErrAlreadyExists) },
		},
		{
			name:    "unknown server",
			inst:    domain.ToolInstance{ServerID: "nope", ToolID: tool.ID, DisplayName: "x"},
			wantErr: domain.IsNotFound,
		},
		{
			name:    "unknown tool",
			inst:    domain.ToolInstance{ServerID: "srv-1", ToolID: 99, DisplayName: "x"},
			wantErr: domain.IsNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := tt.inst
			err := store.SaveInstance(ctx, &inst)
			if tt.wantErr != nil {
				assert.True(tt.wantErr(err), "unexpected error: %v", err)
				return
			}
			require.NoError(t, err)
			assert.NotZero(inst.ID)
		})
	}

	list, err := store.ListInstances(ctx, "srv-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal("user", list[0].DisplayName)
	assert.Equal("me", list[1].DisplayName)
	require.NotNil(t, list[0].Tool)
	assert.Equal("get_user", list[0].Tool.Name)

	inst, err := store.GetInstance(ctx, list[1].ID)
	require.NoError(t, err)
	assert.Equal(domain.Fixed("7"), inst.Bindings["id"])

	require.NoError(t, store.DeleteServer(ctx, "srv-1"))
	list, err = store.ListInstances(ctx, "srv-1")
	require.NoError(t, err)
	assert.Empty(list)
	_, err = store.GetServer(ctx, "srv-1")
	assert.True(domain.IsNotFound(err))
}
