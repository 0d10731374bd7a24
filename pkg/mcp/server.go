package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/okonma/weft/internal/engine"
	"github.com/okonma/weft/internal/store"
	"github.com/okonma/weft/internal/validation"
)

// WeftServerDeps holds the dependencies for creating a WeftServer.
type WeftServerDeps struct {
	Coordinator *engine.Coordinator
	Validator   *validation.JSONSchemaValidator
	Store       store.Store
	Recorder    *store.Recorder
	Logger      *slog.Logger
}

// WeftServer wraps an MCP server with weft-specific tool handlers.
type WeftServer struct {
	coordinator *engine.Coordinator
	validator   *validation.JSONSchemaValidator
	store       store.Store
	recorder    *store.Recorder
	logger      *slog.Logger
	mcpServer   *server.MCPServer
}

// NewWeftServer creates a WeftServer with all 3 tools registered.
func NewWeftServer(deps WeftServerDeps) *WeftServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &WeftServer{
		coordinator: deps.Coordinator,
		validator:   deps.Validator,
		store:       deps.Store,
		recorder:    deps.Recorder,
		logger:      logger,
	}

	mcpSrv := server.NewMCPServer(
		"weft",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Weft is a DAG workflow execution engine. Use weft.run to execute a flow definition, weft.validate to check a definition without running it, and weft.history to query past runs, node results, and events."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *WeftServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *WeftServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *WeftServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: historyTool(), Handler: s.handleHistory},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("weft.run",
		mcp.WithDescription("Execute a flow definition and return the settled run result"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Flow definition object (nodes, edges, runPolicy)")),
		mcp.WithObject("params", mcp.Description("Trigger parameters visible to executors and conditions")),
		mcp.WithString("trigger_user_id", mcp.Description("ID of the user or agent triggering the run")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("weft.validate",
		mcp.WithDescription("Validate a flow definition (schema, structure, layering) without executing it"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Flow definition object to validate")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("weft.history",
		mcp.WithDescription("Query run history: runs, per-node execution records, or run events"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "nodes", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, flow_name, since, limit, execution_id)")),
	)
}
