package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/wotbot/config"
	"github.com/isdmx/wotbot/orchestrator"
	"github.com/isdmx/wotbot/tools"
	"github.com/isdmx/wotbot/types"
)

// ConverseTool is the name of the tool that talks to the assistant.
const ConverseTool = "converse"

// Converser sends one message of a session to the assistant.
type Converser interface {
	Do(ctx context.Context, sessionID, text string) (orchestrator.Reply, error)
}

// MCPServer represents the MCP server
type MCPServer struct {
	config     *config.Config
	logger     *zap.Logger
	router     *tools.Router
	converser  Converser
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// New creates a new MCPServer exposing the enabled tools and the converse
// tool.
func New(cfg *config.Config, logger *zap.Logger, router *tools.Router, converser Converser) (*MCPServer, error) {
	s := &MCPServer{
		config:    cfg,
		logger:    logger.Named("mcp"),
		router:    router,
		converser: converser,
	}

	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.Int("server.api_port", cfg.Server.APIPort),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.Int("sandbox.timeout_sec", cfg.Sandbox.TimeoutSec),
		zap.Int("sandbox.memory_mb", cfg.Sandbox.MemoryMB),
		zap.Strings("languages", cfg.EnabledLanguages()),
		zap.String("backend.protocol", cfg.Backend.Protocol),
		zap.String("backend.model", cfg.Backend.Model),
		zap.Int("orchestrator.max_turns", cfg.Orchestrator.MaxTurns),
		zap.Int("orchestrator.workers", cfg.Orchestrator.Workers),
	)

	s.mcpServer = server.NewMCPServer("wotbot", "1.0.0", server.WithToolCapabilities(false))
	// Built up front so Shutdown never races with ServeHTTP.
	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)

	for _, d := range router.Enabled(cfg.Session.DeveloperModeDefault) {
		tool, err := toolFromDescriptor(d)
		if err != nil {
			return nil, err
		}
		s.mcpServer.AddTool(tool, s.toolHandler(d.Name))
	}
	if converser != nil {
		s.registerConverseTool()
	}

	return s, nil
}

func toolFromDescriptor(d tools.Descriptor) (mcp.Tool, error) {
	schema := d.SchemaMap()
	props, _ := schema["properties"].(map[string]any)

	var required []string
	if raw, ok := schema["required"]; ok {
		data, err := json.Marshal(raw)
		if err != nil {
			return mcp.Tool{}, fmt.Errorf("failed to encode schema of %s: %w", d.Name, err)
		}
		if err := json.Unmarshal(data, &required); err != nil {
			return mcp.Tool{}, fmt.Errorf("failed to decode schema of %s: %w", d.Name, err)
		}
	}

	return mcp.Tool{
		Name:        d.Name,
		Description: d.Description,
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: props,
			Required:   required,
		},
	}, nil
}

// toolHandler routes an MCP tool call through the router, so callers get
// the same validation and outcome tagging as the AI backend.
func (s *MCPServer) toolHandler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		call := types.ToolCall{
			ID:        "mcp_" + uuid.NewString(),
			Name:      name,
			Arguments: request.GetArguments(),
		}
		res := s.router.Dispatch(ctx, call, s.config.Session.DeveloperModeDefault)

		s.logger.Info("tool call completed",
			zap.String("tool", name),
			zap.String("outcome", string(res.Outcome)),
			zap.Duration("duration", res.Duration))

		return textResult(s.router.Render(res), !res.OK()), nil
	}
}

func (s *MCPServer) registerConverseTool() {
	tool := mcp.Tool{
		Name:        ConverseTool,
		Description: "Send a message to the assistant and return its reply",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": map[string]any{
					"type":        "string",
					"description": "Conversation identifier; history is kept per session",
				},
				"message": map[string]any{
					"type":        "string",
					"description": "User message or slash command",
				},
			},
			Required: []string{"session_id", "message"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleConverse)
}

func (s *MCPServer) handleConverse(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return textResult(err.Error(), true), nil
	}
	message, err := request.RequireString("message")
	if err != nil {
		return textResult(err.Error(), true), nil
	}

	reply, err := s.converser.Do(ctx, sessionID, message)
	switch {
	case errors.Is(err, orchestrator.ErrBusy):
		return textResult("session is busy, try again later", true), nil
	case err != nil:
		s.logger.Error("converse failed", zap.String("session_id", sessionID), zap.Error(err))
		return textResult(fmt.Sprintf("converse failed: %v", err), true), nil
	}

	data, err := json.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("failed to encode reply: %w", err)
	}
	return textResult(string(data), reply.State == orchestrator.StateFailed), nil
}

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
		IsError: isError,
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	return s.httpServer.Start(fmt.Sprintf(":%d", port))
}

// Shutdown stops the HTTP transport if it is running.
func (s *MCPServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
