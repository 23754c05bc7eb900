package usecase_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/i2y/mcpvhost/internal/adapter/outbound/secrets"
	"github.com/i2y/mcpvhost/internal/domain"
	"github.com/i2y/mcpvhost/internal/usecase"
)

// MockServerStore is a mock implementation of the ServerStore interface.
type MockServerStore struct {
	mock.Mock
}

func (m *MockServerStore) GetServer(ctx context.Context, id string) (*domain.VirtualServer, error) {
	args := m.Called(ctx, id)
	result := args.Get(0)
	if result == nil {
		return nil, args.Error(1)
	}
	return result.(*domain.VirtualServer), args.Error(1)
}

func (m *MockServerStore) ListServers(ctx context.Context) ([]domain.VirtualServer, error) {
	args := m.Called(ctx)
	result := args.Get(0)
	if result == nil {
		return nil, args.Error(1)
	}
	return result.([]domain.VirtualServer), args.Error(1)
}

func (m *MockServerStore) ListInstances(ctx context.Context, serverID string) ([]domain.ToolInstance, error) {
	args := m.Called(ctx, serverID)
	result := args.Get(0)
	if result == nil {
		return nil, args.Error(1)
	}
	return result.([]domain.ToolInstance), args.Error(1)
}

// MockInvoker is a mock implementation of the DownstreamInvoker interface.
type MockInvoker struct {
	mock.Mock
}

func (m *MockInvoker) Invoke(ctx context.Context, req usecase.DownstreamRequest) (*usecase.DownstreamResponse, error) {
	args := m.Called(ctx, req)
	result := args.Get(0)
	if result == nil {
		return nil, args.Error(1)
	}
	return result.(*usecase.DownstreamResponse), args.Error(1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCodec(t *testing.T) *secrets.Codec {
	t.Helper()
	key, err := secrets.GenerateKey()
	require.NoError(t, err)
	codec, err := secrets.NewCodecFromBase64(key)
	require.NoError(t, err)
	return codec
}

func encrypt(t *testing.T, codec *secrets.Codec, plaintext string) string {
	t.Helper()
	token, err := codec.Encrypt(plaintext)
	require.NoError(t, err)
	return token
}

func strPtr(s string) *string { return &s }

const testServerID = "0f8fad5b-d9cb-469f-a165-70867728950e"

// weatherInstance mounts a weather lookup that exercises all three binding kinds.
func weatherInstance(codec *secrets.Codec, t *testing.T) (*domain.VirtualServer, domain.ToolInstance) {
	t.Helper()
	server := &domain.VirtualServer{
		ID:      testServerID,
		OwnerID: "alice",
		Name:    "weather",
		Access:  domain.AccessPublic,
		Defaults: map[string]domain.ServerDefault{
			"api_key": {Value: encrypt(t, codec, "s3cr3t-key"), IsSecret: true},
		},
	}
	tool := &domain.Tool{
		ID:      1,
		OwnerID: "alice",
		Name:    "forecast",
		Method:  "POST",
		URL:     "https://api.example.com/v1/{{city}}/forecast?days={{integer:days}}",
		Headers: map[string]string{"Authorization": "Bearer {{api_key}}"},
		Body:    `{"units":"{{units}}","alerts":{{boolean:alerts}}}`,
		Parameters: []domain.Parameter{
			{Name: "city", Type: domain.ParamString, Description: "City name"},
			{Name: "days", Type: domain.ParamInteger},
			{Name: "units", Type: domain.ParamString, Default: strPtr("metric")},
			{Name: "alerts", Type: domain.ParamBoolean},
			{Name: "api_key", Type: domain.ParamString, IsSecret: true},
		},
	}
	inst := domain.ToolInstance{
		ID:          10,
		ServerID:    server.ID,
		ToolID:      tool.ID,
		DisplayName: "get_forecast",
		Bindings: map[string]domain.Binding{
			"city":    domain.Exposed(),
			"days":    domain.Exposed(),
			"units":   domain.Exposed(),
			"alerts":  domain.Fixed("yes"),
			"api_key": domain.ServerDefaultBinding(),
		},
		Tool: tool,
	}
	return server, inst
}
