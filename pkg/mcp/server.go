package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/quillworks/cascade/internal/engine"
	"github.com/quillworks/cascade/internal/expressions"
	"github.com/quillworks/cascade/internal/store"
	"github.com/quillworks/cascade/pkg/schema"
)

// PipelineRunner executes a pipeline definition end to end.
type PipelineRunner interface {
	ExecuteDefinition(ctx context.Context, def *schema.PipelineDefinition) (*engine.RunResult, error)
}

// EventReplayer reconstructs per-node state from a run's event log.
type EventReplayer interface {
	ReplayEvents(ctx context.Context, runID string) (map[string]*store.NodeStateView, error)
}

// Deps holds the dependencies for creating a cascade MCP server.
type Deps struct {
	Runner PipelineRunner
	Store  store.Store
	Events EventReplayer
	Logger *slog.Logger
}

// Server wraps an MCP server with cascade-specific tool handlers.
type Server struct {
	runner    PipelineRunner
	store     store.Store
	events    EventReplayer
	jq        *expressions.GoJQEngine
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all 5 tools registered.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		runner: deps.Runner,
		store:  deps.Store,
		events: deps.Events,
		jq:     expressions.NewGoJQEngine(),
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"cascade",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Cascade executes dataflow pipelines of typed nodes with fingerprint-based caching. Use cascade.run to execute a registered pipeline, cascade.status to inspect a run, cascade.define to register a pipeline definition, cascade.query to list runs/records/crashes/pipelines or jq-filter node outputs, and cascade.graph to render a Mermaid diagram."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: graphTool(), Handler: s.handleGraph},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("cascade.run",
		mcp.WithDescription("Execute a registered pipeline"),
		mcp.WithString("pipeline", mcp.Required(), mcp.Description("Name of the registered pipeline to execute")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("cascade.status",
		mcp.WithDescription("Get run status with per-node states replayed from the event log"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to inspect")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("cascade.define",
		mcp.WithDescription("Register or replace a pipeline definition, optionally with a cron trigger"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Pipeline name")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Pipeline definition: nodes, edges, subgraphs")),
		mcp.WithString("cron", mcp.Description("Cron expression for scheduled re-runs (5-field, standard)")),
		mcp.WithString("enabled", mcp.Description("Whether the cron trigger is active (default: true)")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("cascade.query",
		mcp.WithDescription("Query runs, records, crashes, or pipelines, or jq-filter a node's cached outputs"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "records", "crashes", "pipelines", "outputs"),
			mcp.Description("Resource type to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filters: runs accept pipeline/status/limit; records and crashes require run_id; outputs require node and accept a jq expression")),
	)
}

func graphTool() mcp.Tool {
	return mcp.NewTool("cascade.graph",
		mcp.WithDescription("Render a registered pipeline as a Mermaid flowchart, optionally expanded and with a run's status overlay"),
		mcp.WithString("pipeline", mcp.Required(), mcp.Description("Name of the registered pipeline")),
		mcp.WithString("expanded", mcp.Description("Render the expanded concrete graph instead of the template (default: false)")),
		mcp.WithString("run_id", mcp.Description("Overlay node states from this run")),
	)
}
