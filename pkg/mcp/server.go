package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/blockflow/internal/streaming"
	"github.com/rendis/blockflow/pkg/schema"
)

// Engine is the part of the workflow engine exposed as MCP tools.
type Engine interface {
	CompileJSON(raw []byte) *schema.CompiledPlan
	Execute(ctx context.Context, wf *schema.Workflow, inputs map[string]any, opts schema.ExecuteOptions) (string, error)
	Run(ctx context.Context, wf *schema.Workflow, inputs map[string]any, opts schema.ExecuteOptions) (*schema.ExecutionResult, error)
	GetExecutionResult(ctx context.Context, id string) (*schema.ExecutionResult, error)
	SummarizeLoop(ctx context.Context, id, nodeID string) (*schema.LoopSummary, error)
	Cancel(id string) error
	Subscribe(id string, fn func(schema.ExecutionEvent), opts streaming.SubscribeOptions) func()
}

// ServerDeps holds the dependencies for creating a BlockflowServer.
type ServerDeps struct {
	Engine Engine
	Logger *slog.Logger
	// Version is reported to clients during initialization.
	Version string
}

// BlockflowServer wraps an MCP server with the engine's tool handlers.
type BlockflowServer struct {
	engine    Engine
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  *Notifier
	mcpServer *server.MCPServer
}

// NewBlockflowServer creates a new BlockflowServer with all 5 tools registered.
func NewBlockflowServer(deps ServerDeps) *BlockflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &BlockflowServer{
		engine:   deps.Engine,
		logger:   logger.With("component", "mcp"),
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"blockflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Blockflow runs block-based workflows. Use blockflow.compile to validate a workflow document, blockflow.execute to run it, blockflow.status to read the result tree, blockflow.cancel to stop a run, and blockflow.loop_summary to condense the iterations of a loop node."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewNotifier(mcpSrv, s.sessions, s.logger)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *BlockflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler returns the streamable HTTP transport for mounting next to the API.
func (s *BlockflowServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *BlockflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *BlockflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: compileTool(), Handler: s.handleCompile},
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: loopSummaryTool(), Handler: s.handleLoopSummary},
	}
}

// --- Tool definitions ---

func compileTool() mcp.Tool {
	return mcp.NewTool("blockflow.compile",
		mcp.WithDescription("Validate a workflow document and return its execution plan"),
		mcp.WithObject("workflow", mcp.Required(), mcp.Description("Workflow document with nodes and edges")),
	)
}

func executeTool() mcp.Tool {
	return mcp.NewTool("blockflow.execute",
		mcp.WithDescription("Execute a workflow document"),
		mcp.WithObject("workflow", mcp.Required(), mcp.Description("Workflow document with nodes and edges")),
		mcp.WithObject("inputs", mcp.Description("Input values available as {{inputs.<name>}}")),
		mcp.WithString("error_handling",
			mcp.Enum(string(schema.ErrorHandlingStop), string(schema.ErrorHandlingContinue), string(schema.ErrorHandlingSkipBranch)),
			mcp.Description("How node failures affect the rest of the run (default: stop)"),
		),
		mcp.WithString("execution_id", mcp.Description("Caller-chosen execution id (default: generated)")),
		mcp.WithBoolean("wait", mcp.Description("Block until the run finishes and return the result (default: false)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("blockflow.status",
		mcp.WithDescription("Get the status and result tree of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
		mcp.WithBoolean("include_tree", mcp.Description("Include the full result tree (default: true)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("blockflow.cancel",
		mcp.WithDescription("Cancel a running or paused execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

func loopSummaryTool() mcp.Tool {
	return mcp.NewTool("blockflow.loop_summary",
		mcp.WithDescription("Summarize the iterations of a loop node"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of the loop node")),
	)
}
