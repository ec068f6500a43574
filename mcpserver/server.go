package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/evalbox/config"
	"github.com/isdmx/evalbox/engine"
	"github.com/isdmx/evalbox/evaluation"
	"github.com/isdmx/evalbox/lifecycle"
	"github.com/isdmx/evalbox/sandbox"
)

const shutdownTimeout = 5 * time.Second

// Engine is the evaluation engine as seen by the MCP tools.
type Engine interface {
	Submit(ctx context.Context, sub evaluation.Submission) (string, error)
	Status(ctx context.Context, id string) (engine.StatusView, error)
	Kill(ctx context.Context, id string) lifecycle.KillResponse
	Backends() []sandbox.BackendStatus
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	engine    Engine
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, eng Engine) (*MCPServer, error) {
	s := &MCPServer{
		config: cfg,
		logger: logger.Named("mcp"),
		engine: eng,
	}

	// Log configuration parameters on startup
	s.logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("engine.max_code_size", cfg.Engine.MaxCodeSize),
		zap.Int("engine.slots", cfg.Engine.Slots),
		zap.Int("engine.queue_capacity", cfg.Engine.QueueCapacity),
		zap.Strings("isolation.backends", cfg.Isolation.Backends),
		zap.Bool("isolation.enable_local_backend", cfg.Isolation.EnableLocalBackend),
		zap.Strings("languages", s.languages()),
		zap.String("store.driver", cfg.Store.Driver),
	)

	s.mcpServer = server.NewMCPServer("evalbox", "1.0.0", server.WithToolCapabilities(false))

	s.registerSubmitTool()
	s.registerStatusTool()
	s.registerKillTool()
	s.registerBackendsTool()

	return s, nil
}

func (s *MCPServer) languages() []string {
	names := make([]string, 0, len(s.config.Languages))
	for name := range s.config.Languages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *MCPServer) registerSubmitTool() {
	tool := mcp.NewTool("submit_evaluation",
		mcp.WithDescription("Queue untrusted code for execution in an isolated sandbox. Returns an eval_id to poll with evaluation_status."),
		mcp.WithString("code", mcp.Required(), mcp.Description("Source code to run")),
		mcp.WithString("language", mcp.Required(), mcp.Description("Runtime language"), mcp.Enum(s.languages()...)),
		mcp.WithBoolean("priority", mcp.Description("Schedule ahead of non-priority work")),
		mcp.WithNumber("timeout_hint_sec", mcp.Description("Requested timeout in seconds, clamped to the risk tier maximum")),
		mcp.WithString("risk", mcp.Description("Risk hint; can raise but never lower the language's tier"), mcp.Enum("low", "standard", "high")),
	)
	s.mcpServer.AddTool(tool, s.handleSubmit)
}

func (s *MCPServer) registerStatusTool() {
	tool := mcp.NewTool("evaluation_status",
		mcp.WithDescription("Get the status, output so far and outcome of an evaluation"),
		mcp.WithString("eval_id", mcp.Required(), mcp.Description("ID returned by submit_evaluation")),
	)
	s.mcpServer.AddTool(tool, s.handleStatus)
}

func (s *MCPServer) registerKillTool() {
	tool := mcp.NewTool("kill_evaluation",
		mcp.WithDescription("Stop a queued or running evaluation"),
		mcp.WithString("eval_id", mcp.Required(), mcp.Description("ID returned by submit_evaluation")),
	)
	s.mcpServer.AddTool(tool, s.handleKill)
}

func (s *MCPServer) registerBackendsTool() {
	tool := mcp.NewTool("list_backends",
		mcp.WithDescription("List isolation backends, strongest first, with their availability"),
	)
	s.mcpServer.AddTool(tool, s.handleBackends)
}

// errorResult reports a reason code. Internal error text never leaves the
// process.
func errorResult(err error) *mcp.CallToolResult {
	code := evaluation.CodeOf(err)
	data, _ := json.Marshal(map[string]any{
		"error":     code,
		"message":   evaluation.NewError(code, nil).Error(),
		"retryable": code.Retryable(),
	})
	return mcp.NewToolResultError(string(data))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *MCPServer) handleSubmit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return errorResult(evaluation.NewError(evaluation.ReasonInvalidRequest, err)), nil
	}
	language, err := request.RequireString("language")
	if err != nil {
		return errorResult(evaluation.NewError(evaluation.ReasonInvalidRequest, err)), nil
	}
	timeoutSec := request.GetFloat("timeout_hint_sec", 0)
	if timeoutSec < 0 {
		return errorResult(evaluation.NewError(evaluation.ReasonInvalidRequest, fmt.Errorf("negative timeout"))), nil
	}

	sub := evaluation.Submission{
		Code:        []byte(code),
		Language:    language,
		Priority:    request.GetBool("priority", false),
		TimeoutHint: time.Duration(timeoutSec * float64(time.Second)),
		RiskHint:    request.GetString("risk", ""),
	}
	id, err := s.engine.Submit(ctx, sub)
	if err != nil {
		return errorResult(err), nil
	}

	s.logger.Info("evaluation submitted", zap.String("eval_id", id), zap.String("language", language))
	return jsonResult(map[string]string{"eval_id": id})
}

func (s *MCPServer) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("eval_id")
	if err != nil {
		return errorResult(evaluation.NewError(evaluation.ReasonInvalidRequest, err)), nil
	}
	view, err := s.engine.Status(ctx, id)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(view)
}

func (s *MCPServer) handleKill(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("eval_id")
	if err != nil {
		return errorResult(evaluation.NewError(evaluation.ReasonInvalidRequest, err)), nil
	}
	resp := s.engine.Kill(ctx, id)
	s.logger.Info("kill requested",
		zap.String("eval_id", id),
		zap.Bool("accepted", resp.Accepted),
		zap.String("reason", string(resp.Reason)))
	return jsonResult(resp)
}

func (s *MCPServer) handleBackends(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{"backends": s.engine.Backends()})
}

// Serve runs the configured transport until ctx is cancelled or the
// transport ends.
func (s *MCPServer) Serve(ctx context.Context) error {
	switch s.config.Server.Transport {
	case "stdio":
		return s.ServeStdio(ctx)
	case "http":
		return s.ServeHTTP(ctx)
	default:
		return fmt.Errorf("unsupported transport: %s", s.config.Server.Transport)
	}
}

// ServeStdio serves on stdin and stdout.
func (s *MCPServer) ServeStdio(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio")
	return server.NewStdioServer(s.mcpServer).Listen(ctx, os.Stdin, os.Stdout)
}

// ServeHTTP serves streamable HTTP on server.http_port.
func (s *MCPServer) ServeHTTP(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Server.HTTPPort)
	s.logger.Info("starting MCP server on HTTP", zap.String("addr", addr))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down HTTP server: %w", err)
		}
		return nil
	}
}

// GetMCPServer returns the underlying MCP server
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
