package mcphttp_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/mcpvhost/internal/adapter/inbound/mcphttp"
)

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	return doAuthJSON(t, method, url, "", body)
}

func doAuthJSON(t *testing.T, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func TestAdmin_ServerLifecycle(t *testing.T) {
	f := newGatewayFixture(t)
	base := f.admin.URL + "/admin"

	resp, body := doJSON(t, http.MethodPost, base+"/tools", map[string]any{
		"owner_id": "bob",
		"name":     "echo",
		"method":   "POST",
		"url":      "https://echo.example.com/{{path}}",
		"body":     `{"n":{{integer:n}}}`,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var tool struct {
		ID         int64 `json:"id"`
		Parameters []struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"parameters"`
	}
	require.NoError(t, json.Unmarshal(body, &tool))
	require.Len(t, tool.Parameters, 2)

	resp, body = doJSON(t, http.MethodPost, base+"/servers", map[string]any{
		"owner_id":     "bob",
		"name":         "echo server",
		"access_level": "public",
		"defaults": map[string]any{
			"token": map[string]any{"value": "hunter2", "is_secret": true},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.NotContains(t, string(body), "hunter2")
	var server struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &server))
	require.NotEmpty(t, server.ID)
	serverURL := base + "/servers/" + server.ID

	resp, body = doJSON(t, http.MethodPost, serverURL+"/instances", map[string]any{
		"tool_id":      tool.ID,
		"display_name": "echo_number",
		"bindings": map[string]any{
			"path": map[string]any{"kind": "fixed", "value": "numbers"},
			"n":    map[string]any{"kind": "exposed"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var inst struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &inst))

	resp, body = doJSON(t, http.MethodGet, serverURL+"/discovery", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{
		"echo_number": {
			"inputSchema": {"type": "object", "properties": {"n": {"type": "integer", "description": "Parameter: n"}}, "required": ["n"]}
		}
	}`, string(body))

	resp, body = doJSON(t, http.MethodGet, base+"/registry", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), server.ID)

	resp, _ = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/tools/%d", base, tool.ID), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "mounted tools cannot be deleted")

	resp, _ = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/instances/%d", serverURL, inst.ID), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, serverURL+"/discovery", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{}`, string(body))

	resp, _ = doJSON(t, http.MethodPost, serverURL+"/unregister", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodPost, serverURL+"/reload", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodPost, serverURL+"/register", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodDelete, serverURL, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodGet, serverURL+"/discovery", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodGet, serverURL, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdmin_Errors(t *testing.T) {
	f := newGatewayFixture(t)
	base := f.admin.URL + "/admin"

	tests := []struct {
		name       string
		method     string
		url        string
		body       any
		wantStatus int
	}{
		{name: "invalid tool id", method: http.MethodGet, url: base + "/tools/abc", wantStatus: http.StatusBadRequest},
		{name: "unknown tool", method: http.MethodGet, url: base + "/tools/999", wantStatus: http.StatusNotFound},
		{name: "server without name", method: http.MethodPost, url: base + "/servers", body: map[string]any{"owner_id": "bob"}, wantStatus: http.StatusBadRequest},
		{name: "unknown access level", method: http.MethodPost, url: base + "/servers", body: map[string]any{"owner_id": "bob", "name": "x", "access_level": "secret"}, wantStatus: http.StatusBadRequest},
		{name: "duplicate tool", method: http.MethodPost, url: base + "/tools", body: map[string]any{"owner_id": "alice", "name": "weather", "method": "GET", "url": "https://x.example.com"}, wantStatus: http.StatusConflict},
		{name: "instance on unknown server", method: http.MethodPost, url: base + "/servers/nope/instances", body: map[string]any{"tool_id": 1}, wantStatus: http.StatusNotFound},
		{name: "import without url", method: http.MethodPost, url: base + "/tools/import", body: map[string]any{"owner_id": "bob"}, wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doJSON(t, tt.method, tt.url, tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode, string(body))
			assert.Contains(t, string(body), `"error"`)
		})
	}
}

func TestAdmin_ListsMaskSecrets(t *testing.T) {
	f := newGatewayFixture(t)

	resp, body := doJSON(t, http.MethodGet, f.admin.URL+"/admin/servers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var servers []struct {
		ID       string `json:"id"`
		Defaults map[string]struct {
			Value    string `json:"value"`
			IsSecret bool   `json:"is_secret"`
		} `json:"defaults"`
	}
	require.NoError(t, json.Unmarshal(body, &servers))
	require.Len(t, servers, 2)
	for _, s := range servers {
		assert.True(t, s.Defaults["api_key"].IsSecret)
		assert.Empty(t, s.Defaults["api_key"].Value)
	}

	resp, body = doJSON(t, http.MethodGet, f.admin.URL+"/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","registered_servers":2}`, string(body))
}

func TestAdmin_TestTool(t *testing.T) {
	f := newGatewayFixture(t)
	url := fmt.Sprintf("%s/admin/tools/%d/test", f.admin.URL, f.tool.ID)

	type testResult struct {
		Success    bool   `json:"success"`
		StatusCode int    `json:"status_code"`
		Body       string `json:"body"`
		Kind       string `json:"kind"`
		Message    string `json:"message"`
	}

	resp, body := doJSON(t, http.MethodPost, url, map[string]any{
		"arguments": map[string]any{"city": "Oslo", "api_key": "k3y"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var ok testResult
	require.NoError(t, json.Unmarshal(body, &ok))
	assert.True(t, ok.Success)
	assert.Equal(t, http.StatusOK, ok.StatusCode)
	assert.JSONEq(t, `{"city":"Oslo","key_ok":"true"}`, ok.Body)

	resp, body = doJSON(t, http.MethodPost, url, map[string]any{
		"arguments": map[string]any{"city": "Oslo"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var failed testResult
	require.NoError(t, json.Unmarshal(body, &failed))
	assert.False(t, failed.Success)
	assert.Equal(t, "missing_argument", failed.Kind)
	assert.Contains(t, failed.Message, "'api_key'")

	resp, _ = doJSON(t, http.MethodPost, f.admin.URL+"/admin/tools/999/test", map[string]any{"arguments": map[string]any{}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdmin_RequiresAdminScope(t *testing.T) {
	f := newGatewayFixture(t)
	admin := httptest.NewServer(mcphttp.NewHandlers(f.config, f.registry, nil, testLogger(),
		mcphttp.WithAdminAuth(f.validator, "mcpvhost:admin"),
	).Routes())
	t.Cleanup(admin.Close)

	operator, err := f.validator.Issue("ops", "", "read mcpvhost:admin", time.Hour)
	require.NoError(t, err)
	user, err := f.validator.Issue("alice", "", "read", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{name: "no credential", wantStatus: http.StatusUnauthorized},
		{name: "invalid credential", token: "not-a-jwt", wantStatus: http.StatusUnauthorized},
		{name: "credential without admin scope", token: user, wantStatus: http.StatusForbidden},
		{name: "admin credential", token: operator, wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doAuthJSON(t, http.MethodGet, admin.URL+"/admin/servers", tt.token, nil)
			assert.Equal(t, tt.wantStatus, resp.StatusCode, string(body))
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")
			}
		})
	}

	resp, body := doAuthJSON(t, http.MethodPost, admin.URL+"/admin/tools", user, map[string]any{
		"owner_id": "mallory", "name": "metadata", "method": "GET", "url": "http://169.254.169.254/latest",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, string(body))

	resp, _ = doAuthJSON(t, http.MethodGet, admin.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health checks stay open")
}
