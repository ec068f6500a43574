package mcpserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/evalbox/config"
	"github.com/isdmx/evalbox/engine"
	"github.com/isdmx/evalbox/evaluation"
	"github.com/isdmx/evalbox/lifecycle"
	"github.com/isdmx/evalbox/policy"
	"github.com/isdmx/evalbox/sandbox"
)

// mockEngine records the last submission and returns canned answers.
type mockEngine struct {
	submitted evaluation.Submission
	submitErr error
	view      engine.StatusView
	statusErr error
	kill      lifecycle.KillResponse
	backends  []sandbox.BackendStatus
}

func (m *mockEngine) Submit(_ context.Context, sub evaluation.Submission) (string, error) { //nolint:gocritic // mirrors the engine signature
	m.submitted = sub
	if m.submitErr != nil {
		return "", m.submitErr
	}
	return "01HZYX", nil
}

func (m *mockEngine) Status(context.Context, string) (engine.StatusView, error) {
	return m.view, m.statusErr
}

func (m *mockEngine) Kill(context.Context, string) lifecycle.KillResponse {
	return m.kill
}

func (m *mockEngine) Backends() []sandbox.BackendStatus {
	return m.backends
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Transport: "stdio", HTTPPort: 8080},
		Languages: map[string]config.LanguageConfig{
			"python": {Image: "python:3.11-slim", File: "main.py", RunCmd: "python3 main.py"},
		},
	}
}

func call(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(tc.Text), &out))
	return out
}

func TestNewMCPServer(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := testConfig()
	eng := &mockEngine{}

	server, err := New(cfg, logger, eng)
	require.NoError(t, err)
	require.NotNil(t, server)
	assert.Equal(t, cfg, server.config)
	assert.Equal(t, eng, server.engine)
	assert.NotNil(t, server.GetMCPServer())
	assert.Equal(t, []string{"python"}, server.languages())
}

func TestHandleSubmit(t *testing.T) {
	t.Run("Accepted", func(t *testing.T) {
		eng := &mockEngine{}
		s, err := New(testConfig(), zaptest.NewLogger(t), eng)
		require.NoError(t, err)

		res, err := s.handleSubmit(context.Background(), call(map[string]any{
			"code":             "print(1)",
			"language":         "python",
			"priority":         true,
			"timeout_hint_sec": 1.5,
			"risk":             "high",
		}))
		require.NoError(t, err)
		assert.False(t, res.IsError)
		assert.Equal(t, "01HZYX", text(t, res)["eval_id"])

		assert.Equal(t, []byte("print(1)"), eng.submitted.Code)
		assert.True(t, eng.submitted.Priority)
		assert.Equal(t, 1500*time.Millisecond, eng.submitted.TimeoutHint)
		assert.Equal(t, "high", eng.submitted.RiskHint)
	})

	tests := []struct {
		name string
		args map[string]any
		err  error
		code evaluation.ReasonCode
	}{
		{"MissingCode", map[string]any{"language": "python"}, nil, evaluation.ReasonInvalidRequest},
		{"MissingLanguage", map[string]any{"code": "x"}, nil, evaluation.ReasonInvalidRequest},
		{"NegativeTimeout", map[string]any{"code": "x", "language": "python", "timeout_hint_sec": -1.0}, nil, evaluation.ReasonInvalidRequest},
		{"Saturated", map[string]any{"code": "x", "language": "python"},
			evaluation.NewError(evaluation.ReasonQueueSaturated, assert.AnError), evaluation.ReasonQueueSaturated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(testConfig(), zaptest.NewLogger(t), &mockEngine{submitErr: tt.err})
			require.NoError(t, err)

			res, err := s.handleSubmit(context.Background(), call(tt.args))
			require.NoError(t, err)
			assert.True(t, res.IsError)
			out := text(t, res)
			assert.Equal(t, string(tt.code), out["error"])
			assert.NotContains(t, out["message"], assert.AnError.Error())
		})
	}
}

func TestHandleStatus(t *testing.T) {
	started := time.Now()
	eng := &mockEngine{view: engine.StatusView{
		EvalID:    "01HZYX",
		Status:    evaluation.StatusRunning,
		RiskTier:  policy.TierStandard,
		StartedAt: &started,
	}}
	s, err := New(testConfig(), zaptest.NewLogger(t), eng)
	require.NoError(t, err)

	res, err := s.handleStatus(context.Background(), call(map[string]any{"eval_id": "01HZYX"}))
	require.NoError(t, err)
	out := text(t, res)
	assert.Equal(t, "running", out["status"])
	assert.Equal(t, "standard", out["risk_tier"])

	eng.statusErr = evaluation.NewError(evaluation.ReasonNotFound, nil)
	res, err = s.handleStatus(context.Background(), call(map[string]any{"eval_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "not_found", text(t, res)["error"])
}

func TestHandleKill(t *testing.T) {
	eng := &mockEngine{kill: lifecycle.KillResponse{Reason: evaluation.ReasonAlreadyTerminal}}
	s, err := New(testConfig(), zaptest.NewLogger(t), eng)
	require.NoError(t, err)

	res, err := s.handleKill(context.Background(), call(map[string]any{"eval_id": "01HZYX"}))
	require.NoError(t, err)
	out := text(t, res)
	assert.Equal(t, false, out["accepted"])
	assert.Equal(t, "already_terminal", out["reason"])
}

func TestHandleBackends(t *testing.T) {
	eng := &mockEngine{backends: []sandbox.BackendStatus{
		{Name: "gvisor", Strength: policy.IsolationHardened, Error: "runsc not installed"},
		{Name: "docker", Strength: policy.IsolationContainer, Available: true},
	}}
	s, err := New(testConfig(), zaptest.NewLogger(t), eng)
	require.NoError(t, err)

	res, err := s.handleBackends(context.Background(), call(nil))
	require.NoError(t, err)
	backends, ok := text(t, res)["backends"].([]any)
	require.True(t, ok)
	require.Len(t, backends, 2)
	first := backends[0].(map[string]any)
	assert.Equal(t, "gvisor", first["name"])
	assert.Equal(t, "hardened", first["strength"])
	assert.Equal(t, false, first["available"])
}

func TestServeUnsupportedTransport(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Transport = "carrier-pigeon"
	s, err := New(cfg, zaptest.NewLogger(t), &mockEngine{})
	require.NoError(t, err)
	require.Error(t, s.Serve(context.Background()))
}
