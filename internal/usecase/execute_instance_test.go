package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/i2y/mcpvhost/internal/domain"
	"github.com/i2y/mcpvhost/internal/usecase"
)

func TestInstanceExecutor_Execute_Success(t *testing.T) {
	codec := testCodec(t)
	server, inst := weatherInstance(codec, t)
	invoker := new(MockInvoker)
	executor := usecase.NewInstanceExecutor(codec, invoker, 0, testLogger())

	var captured usecase.DownstreamRequest
	invoker.On("Invoke", mock.Anything, mock.AnythingOfType("usecase.DownstreamRequest")).
		Run(func(args mock.Arguments) { captured = args.Get(1).(usecase.DownstreamRequest) }).
		Return(&usecase.DownstreamResponse{StatusCode: 200, ContentType: "application/json", Body: []byte(`{"temp":21.5}`)}, nil).
		Once()

	res, err := executor.Execute(context.Background(), usecase.Target{Server: server, Instance: &inst}, map[string]any{
		"city": "Paris",
		"days": float64(3),
	})

	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, `{"temp":21.5}`, res.Body)

	assert.Equal(t, "POST", captured.Method)
	assert.Equal(t, "https://api.example.com/v1/Paris/forecast?days=3", captured.URL)
	assert.Equal(t, "Bearer s3cr3t-key", captured.Headers["Authorization"])
	assert.Equal(t, "application/json", captured.Headers["Content-Type"])
	require.NotNil(t, captured.Body)
	assert.JSONEq(t, `{"units":"metric","alerts":true}`, *captured.Body)
	assert.Equal(t, usecase.DefaultDownstreamTimeout, captured.Timeout)
	invoker.AssertExpectations(t)
}

func TestInstanceExecutor_Execute_ParameterFailures(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(server *domain.VirtualServer, inst *domain.ToolInstance)
		args       map[string]any
		wantKind   usecase.ErrorKind
		wantParam  string
		wantIssues int
		wantInMsg  []string
	}{
		{
			name:       "missing exposed argument",
			args:       map[string]any{"days": float64(3)},
			wantKind:   usecase.KindMissingArgument,
			wantParam:  "city",
			wantIssues: 1,
			wantInMsg:  []string{"missing required argument 'city'"},
		},
		{
			name:       "every problem reported at once",
			args:       map[string]any{"days": "three"},
			wantKind:   usecase.KindMissingArgument,
			wantParam:  "city",
			wantIssues: 2,
			wantInMsg:  []string{"'city'", "'days' (expected integer)"},
		},
		{
			name: "non-finite number",
			mutate: func(_ *domain.VirtualServer, inst *domain.ToolInstance) {
				inst.Tool.Parameters[1].Type = domain.ParamNumber
			},
			args:       map[string]any{"city": "Paris", "days": "NaN"},
			wantKind:   usecase.KindCasting,
			wantParam:  "days",
			wantIssues: 1,
			wantInMsg:  []string{"not finite"},
		},
		{
			name:       "server default missing",
			mutate:     func(server *domain.VirtualServer, _ *domain.ToolInstance) { server.Defaults = nil },
			args:       map[string]any{"city": "Paris", "days": 3},
			wantKind:   usecase.KindUnresolvedParameter,
			wantParam:  "api_key",
			wantIssues: 1,
			wantInMsg:  []string{"no server default"},
		},
		{
			name: "undecryptable secret",
			mutate: func(server *domain.VirtualServer, _ *domain.ToolInstance) {
				server.Defaults["api_key"] = domain.ServerDefault{Value: "not-a-token", IsSecret: true}
			},
			args:       map[string]any{"city": "Paris", "days": 3},
			wantKind:   usecase.KindSecret,
			wantParam:  "api_key",
			wantIssues: 1,
		},
		{
			name: "fixed value fails cast",
			mutate: func(_ *domain.VirtualServer, inst *domain.ToolInstance) {
				inst.Bindings["alerts"] = domain.Fixed("maybe")
			},
			args:       map[string]any{"city": "Paris", "days": 3},
			wantKind:   usecase.KindCasting,
			wantParam:  "alerts",
			wantIssues: 1,
			wantInMsg:  []string{"expected boolean"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec := testCodec(t)
			server, inst := weatherInstance(codec, t)
			if tt.mutate != nil {
				tt.mutate(server, &inst)
			}
			invoker := new(MockInvoker)
			executor := usecase.NewInstanceExecutor(codec, invoker, time.Second, testLogger())

			_, err := executor.Execute(context.Background(), usecase.Target{Server: server, Instance: &inst}, tt.args)

			var execErr *usecase.ExecutionError
			require.ErrorAs(t, err, &execErr)
			assert.Equal(t, tt.wantKind, execErr.Kind)
			assert.Equal(t, tt.wantParam, execErr.Param)
			assert.Len(t, execErr.Issues, tt.wantIssues)
			for _, s := range tt.wantInMsg {
				assert.Contains(t, execErr.Message, s)
			}
			assert.NotContains(t, execErr.Message, "s3cr3t-key")
			invoker.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything)
		})
	}
}

func TestInstanceExecutor_Execute_OnlyExposedArgumentsAreRead(t *testing.T) {
	codec := testCodec(t)
	server, inst := weatherInstance(codec, t)
	invoker := new(MockInvoker)
	executor := usecase.NewInstanceExecutor(codec, invoker, 0, testLogger())

	invoker.On("Invoke", mock.Anything, mock.MatchedBy(func(req usecase.DownstreamRequest) bool {
		return req.Headers["Authorization"] == "Bearer s3cr3t-key" && *req.Body == `{"units":"imperial","alerts":true}`
	})).Return(&usecase.DownstreamResponse{StatusCode: 204}, nil).Once()

	_, err := executor.Execute(context.Background(), usecase.Target{Server: server, Instance: &inst}, map[string]any{
		"city":    "Paris",
		"days":    1,
		"units":   "imperial",
		"api_key": "caller-override",
		"alerts":  false,
		"extra":   "ignored",
	})

	require.NoError(t, err)
	invoker.AssertExpectations(t)
}

func TestInstanceExecutor_Execute_FixedReferencesServerDefaults(t *testing.T) {
	codec := testCodec(t)
	server := &domain.VirtualServer{
		ID: testServerID,
		Defaults: map[string]domain.ServerDefault{
			"token":  {Value: encrypt(t, codec, "tok-123"), IsSecret: true},
			"region": {Value: "eu"},
		},
	}
	tool := &domain.Tool{
		Name:   "status",
		Method: "GET",
		URL:    "https://{{region}}.example.com/status",
		Headers: map[string]string{
			"Authorization": "{{auth}}",
		},
		TimeoutMS: 250,
		Parameters: []domain.Parameter{
			{Name: "region", Type: domain.ParamString},
			{Name: "auth", Type: domain.ParamString, IsSecret: true},
		},
	}
	inst := &domain.ToolInstance{
		DisplayName: "status",
		Bindings: map[string]domain.Binding{
			"region": domain.ServerDefaultBinding(),
			"auth":   domain.Fixed(encrypt(t, codec, "Bearer {{token}}")),
		},
		Tool: tool,
	}
	invoker := new(MockInvoker)
	executor := usecase.NewInstanceExecutor(codec, invoker, 0, testLogger())

	invoker.On("Invoke", mock.Anything, mock.MatchedBy(func(req usecase.DownstreamRequest) bool {
		return req.URL == "https://eu.example.com/status" &&
			req.Headers["Authorization"] == "Bearer tok-123" &&
			req.Body == nil &&
			req.Timeout == 250*time.Millisecond
	})).Return(&usecase.DownstreamResponse{StatusCode: 200, Body: []byte("ok")}, nil).Once()

	res, err := executor.Execute(context.Background(), usecase.Target{Server: server, Instance: inst}, nil)

	require.NoError(t, err)
	assert.Equal(t, "ok", res.Body)
	invoker.AssertExpectations(t)
}

func TestInstanceExecutor_Execute_DownstreamFailures(t *testing.T) {
	tests := []struct {
		name       string
		resp       *usecase.DownstreamResponse
		err        error
		wantKind   usecase.ErrorKind
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "non-2xx status with echoed secret",
			resp:       &usecase.DownstreamResponse{StatusCode: 401, Body: []byte(`{"error":"bad key s3cr3t-key"}`)},
			wantKind:   usecase.KindStatus,
			wantStatus: 401,
			wantMsg:    `HTTP 401 - {"error":"bad key [REDACTED]"}`,
		},
		{
			name:     "timeout",
			err:      fmt.Errorf("%w: %w", usecase.ErrDownstreamTimeout, context.DeadlineExceeded),
			wantKind: usecase.KindTimeout,
			wantMsg:  "Downstream timed out after 1500ms",
		},
		{
			name:     "unreachable",
			err:      fmt.Errorf("%w: dial tcp: connection refused", usecase.ErrDownstreamUnreachable),
			wantKind: usecase.KindUnreachable,
			wantMsg:  "Downstream unreachable: could not reach the API for tool get_forecast",
		},
		{
			name:     "invalid request",
			err:      fmt.Errorf("%w: URL must be absolute http(s)", usecase.ErrInvalidRequest),
			wantKind: usecase.KindInvalidRequest,
			wantMsg:  "Invalid downstream request: invalid downstream request: URL must be absolute http(s)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec := testCodec(t)
			server, inst := weatherInstance(codec, t)
			inst.Tool.TimeoutMS = 1500
			invoker := new(MockInvoker)
			executor := usecase.NewInstanceExecutor(codec, invoker, 0, testLogger())

			if tt.resp != nil {
				invoker.On("Invoke", mock.Anything, mock.Anything).Return(tt.resp, nil).Once()
			} else {
				invoker.On("Invoke", mock.Anything, mock.Anything).Return(nil, tt.err).Once()
			}

			_, err := executor.Execute(context.Background(), usecase.Target{Server: server, Instance: &inst}, map[string]any{
				"city": "Paris",
				"days": 2,
			})

			var execErr *usecase.ExecutionError
			require.ErrorAs(t, err, &execErr)
			assert.Equal(t, tt.wantKind, execErr.Kind)
			assert.Equal(t, tt.wantStatus, execErr.StatusCode)
			assert.Equal(t, tt.wantMsg, execErr.Message)
			if tt.err != nil {
				assert.True(t, errors.Is(err, tt.err))
			}
			invoker.AssertNumberOfCalls(t, "Invoke", 1)
		})
	}
}

func TestInstanceExecutor_Execute_RedactsSuccessBody(t *testing.T) {
	codec := testCodec(t)
	server, inst := weatherInstance(codec, t)
	invoker := new(MockInvoker)
	executor := usecase.NewInstanceExecutor(codec, invoker, 0, testLogger())

	invoker.On("Invoke", mock.Anything, mock.Anything).
		Return(&usecase.DownstreamResponse{StatusCode: 200, Body: []byte("echo: s3cr3t-key")}, nil)

	res, err := executor.Execute(context.Background(), usecase.Target{Server: server, Instance: &inst}, map[string]any{
		"city": "Paris",
		"days": 2,
	})

	require.NoError(t, err)
	assert.Equal(t, "echo: [REDACTED]", res.Body)
}

func TestInstanceExecutor_Execute_ShortSecrets(t *testing.T) {
	codec := testCodec(t)
	server, inst := weatherInstance(codec, t)
	server.Defaults["api_key"] = domain.ServerDefault{Value: encrypt(t, codec, "1"), IsSecret: true}
	invoker := new(MockInvoker)
	executor := usecase.NewInstanceExecutor(codec, invoker, 0, testLogger())
	args := map[string]any{"city": "Paris", "days": 1}

	invoker.On("Invoke", mock.Anything, mock.Anything).
		Return(&usecase.DownstreamResponse{StatusCode: 200, Body: []byte(`{"days":1,"temp":21}`)}, nil).Once()
	res, err := executor.Execute(context.Background(), usecase.Target{Server: server, Instance: &inst}, args)
	require.NoError(t, err)
	assert.Equal(t, `{"days":1,"temp":21}`, res.Body, "short secrets leave successful bodies intact")

	invoker.On("Invoke", mock.Anything, mock.Anything).
		Return(&usecase.DownstreamResponse{StatusCode: 401, Body: []byte("bad key 1")}, nil).Once()
	_, err = executor.Execute(context.Background(), usecase.Target{Server: server, Instance: &inst}, args)
	var execErr *usecase.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "HTTP 401 - bad key [REDACTED]", execErr.Message)
}

func TestToolResult(t *testing.T) {
	ok := usecase.ToolResult(&usecase.ExecutionResult{StatusCode: 200, Body: "hello"}, nil)
	assert.False(t, ok.IsError)

	failed := usecase.ToolResult(nil, &usecase.ExecutionError{Kind: usecase.KindStatus, Message: "HTTP 500 - boom"})
	assert.True(t, failed.IsError)

	unknown := usecase.ToolResult(nil, fmt.Errorf("%w: nope", usecase.ErrUnknownTool))
	assert.True(t, unknown.IsError)
}
