package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/wotbot/config"
	"github.com/isdmx/wotbot/orchestrator"
	"github.com/isdmx/wotbot/sandbox"
	"github.com/isdmx/wotbot/tools"
	"github.com/isdmx/wotbot/types"
)

// MockSandboxExecutor implements sandbox.SandboxExecutor for testing
type MockSandboxExecutor struct {
	result sandbox.ExecuteResult
}

func (m *MockSandboxExecutor) Execute(_ context.Context, _ sandbox.ExecuteRequest) sandbox.ExecuteResult { //nolint:gocritic // Mock implementation requires full parameter signature
	return m.result
}

// MockConverser implements Converser for testing
type MockConverser struct {
	reply orchestrator.Reply
	err   error
	got   []string
}

func (m *MockConverser) Do(_ context.Context, sessionID, text string) (orchestrator.Reply, error) {
	m.got = append(m.got, sessionID+":"+text)
	return m.reply, m.err
}

func testConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{Transport: "stdio", HTTPPort: 8080},
		Sandbox: config.SandboxConfig{Backend: config.BackendProcess, TimeoutSec: 5, MemoryMB: 128},
		Logging: config.LoggingConfig{Mode: "production", Level: "info"},
		Backend: config.BackendConfig{Protocol: config.ProtocolChat, Model: "gpt-4o-mini"},
	}
}

func newTestServer(t *testing.T, result sandbox.ExecuteResult, conv Converser) *MCPServer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	router := tools.NewRouter(logger)
	require.NoError(t, router.Register(tools.RunCode(&MockSandboxExecutor{result: result}, []string{"javascript", "python"})))

	server, err := New(testConfig(), logger, router, conv)
	require.NoError(t, err)
	return server
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestNewMCPServer(t *testing.T) {
	server := newTestServer(t, sandbox.ExecuteResult{}, &MockConverser{})
	assert.NotNil(t, server.GetMCPServer())
	assert.NotNil(t, server.router)
	assert.NoError(t, server.Shutdown(context.Background()))
}

func TestServeHTTPShutdown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	logger := zaptest.NewLogger(t)
	cfg := testConfig()
	cfg.Server.Transport = "http"
	cfg.Server.HTTPPort = port
	server, err := New(cfg, logger, tools.NewRouter(logger), nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- server.ServeHTTP() }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, server.Shutdown(context.Background()))
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, http.ErrServerClosed), "unexpected error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("ServeHTTP did not return after Shutdown")
	}
}

func TestToolFromDescriptor(t *testing.T) {
	tool, err := toolFromDescriptor(tools.RunCode(&MockSandboxExecutor{}, []string{"python"}))
	require.NoError(t, err)
	assert.Equal(t, tools.RunCodeName, tool.Name)
	assert.Equal(t, "object", tool.InputSchema.Type)
	assert.ElementsMatch(t, []string{"language", "code"}, tool.InputSchema.Required)
	assert.Contains(t, tool.InputSchema.Properties, "code")
}

func TestRunCodeTool(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		server := newTestServer(t, sandbox.ExecuteResult{Outcome: types.OutcomeSuccess, Stdout: "499500\n"}, nil)
		handler := server.toolHandler(tools.RunCodeName)

		res, err := handler(context.Background(), callRequest(tools.RunCodeName, map[string]any{
			"language": "python",
			"code":     "print(sum(range(1000)))",
		}))
		require.NoError(t, err)
		assert.False(t, res.IsError)

		var doc map[string]any
		require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &doc))
		assert.Equal(t, true, doc["ok"])
		assert.Equal(t, "499500\n", doc["result"].(map[string]any)["stdout"])
	})

	t.Run("Denied", func(t *testing.T) {
		server := newTestServer(t, sandbox.ExecuteResult{
			Outcome: types.OutcomeDenied,
			Kind:    sandbox.KindImport,
			Reason:  "import of 'os' is not allowed (line 1)",
		}, nil)
		handler := server.toolHandler(tools.RunCodeName)

		res, err := handler(context.Background(), callRequest(tools.RunCodeName, map[string]any{
			"language": "python",
			"code":     "import os",
		}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Contains(t, resultText(t, res), "'os'")
	})

	t.Run("MissingArgument", func(t *testing.T) {
		server := newTestServer(t, sandbox.ExecuteResult{}, nil)
		handler := server.toolHandler(tools.RunCodeName)

		res, err := handler(context.Background(), callRequest(tools.RunCodeName, map[string]any{"language": "python"}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Contains(t, resultText(t, res), `missing required argument \"code\"`)
	})
}

func TestConverseTool(t *testing.T) {
	t.Run("Reply", func(t *testing.T) {
		conv := &MockConverser{reply: orchestrator.Reply{State: orchestrator.StateDone, Text: "hi there", Chunks: []string{"hi there"}}}
		server := newTestServer(t, sandbox.ExecuteResult{}, conv)

		res, err := server.handleConverse(context.Background(), callRequest(ConverseTool, map[string]any{
			"session_id": "s1",
			"message":    "hello",
		}))
		require.NoError(t, err)
		assert.False(t, res.IsError)
		assert.Contains(t, resultText(t, res), `"text":"hi there"`)
		assert.Equal(t, []string{"s1:hello"}, conv.got)
	})

	t.Run("Busy", func(t *testing.T) {
		conv := &MockConverser{err: orchestrator.ErrBusy}
		server := newTestServer(t, sandbox.ExecuteResult{}, conv)

		res, err := server.handleConverse(context.Background(), callRequest(ConverseTool, map[string]any{
			"session_id": "s1",
			"message":    "hello",
		}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Contains(t, resultText(t, res), "busy")
	})

	t.Run("FailedReply", func(t *testing.T) {
		conv := &MockConverser{reply: orchestrator.Reply{State: orchestrator.StateFailed, Reason: orchestrator.ReasonTurnLimit}}
		server := newTestServer(t, sandbox.ExecuteResult{}, conv)

		res, err := server.handleConverse(context.Background(), callRequest(ConverseTool, map[string]any{
			"session_id": "s1",
			"message":    "loop",
		}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Contains(t, resultText(t, res), orchestrator.ReasonTurnLimit)
	})

	t.Run("MissingSession", func(t *testing.T) {
		conv := &MockConverser{}
		server := newTestServer(t, sandbox.ExecuteResult{}, conv)

		res, err := server.handleConverse(context.Background(), callRequest(ConverseTool, map[string]any{"message": "hi"}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Empty(t, conv.got)
	})
}
