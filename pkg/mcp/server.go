package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/conduit/internal/distribution"
	"github.com/rendis/conduit/internal/engine"
	"github.com/rendis/conduit/internal/store"
	"github.com/rendis/conduit/internal/validation"
)

// ConduitServerDeps holds the dependencies for creating a ConduitServer.
type ConduitServerDeps struct {
	Engine      *engine.Engine
	Store       store.Store
	Coordinator *distribution.Coordinator
	Validator   *validation.DefinitionValidator
	Logger      *slog.Logger
}

// ConduitServer wraps an MCP server exposing the engine's operation set as
// tools, so agent callers drive pipelines over the same contract the HTTP
// surface maps.
type ConduitServer struct {
	engine      *engine.Engine
	store       store.Store
	coordinator *distribution.Coordinator
	validator   *validation.DefinitionValidator
	logger      *slog.Logger
	mcpServer   *server.MCPServer
}

// NewConduitServer creates a ConduitServer with all tools registered.
func NewConduitServer(deps ConduitServerDeps) *ConduitServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &ConduitServer{
		engine:      deps.Engine,
		store:       deps.Store,
		coordinator: deps.Coordinator,
		validator:   deps.Validator,
		logger:      logger,
	}

	mcpSrv := server.NewMCPServer(
		"conduit",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Conduit is a durable workflow orchestration engine for agent pipelines. Use conduit.define to publish a definition, conduit.start to run it, conduit.instance and conduit.advance to track and drive progress, conduit.resolve to deliver checkpoint decisions, conduit.cancel to stop an instance, and conduit.publish to distribute an artifact."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *ConduitServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ConduitServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *ConduitServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: advanceTool(), Handler: s.handleAdvance},
		{Tool: instanceTool(), Handler: s.handleInstance},
		{Tool: resolveTool(), Handler: s.handleResolve},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: publishTool(), Handler: s.handlePublish},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("conduit.define",
		mcp.WithDescription("Publish a workflow definition (immutable; a new version is a new object)"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("The WorkflowDefinition document")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("conduit.start",
		mcp.WithDescription("Start a workflow instance from a published definition"),
		mcp.WithString("definition_id", mcp.Required(), mcp.Description("Definition identifier")),
		mcp.WithString("version", mcp.Required(), mcp.Description("Definition version")),
		mcp.WithObject("input", mcp.Description("Instance input payload")),
	)
}

func advanceTool() mcp.Tool {
	return mcp.NewTool("conduit.advance",
		mcp.WithDescription("Dispatch newly eligible nodes of an instance (idempotent)"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Instance identifier")),
	)
}

func instanceTool() mcp.Tool {
	return mcp.NewTool("conduit.instance",
		mcp.WithDescription("Get an instance view: status, node progress, pending checkpoints"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Instance identifier")),
	)
}

func resolveTool() mcp.Tool {
	return mcp.NewTool("conduit.resolve",
		mcp.WithDescription("Deliver a decision on a pending checkpoint (single-use)"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Instance identifier")),
		mcp.WithString("checkpoint_id", mcp.Required(), mcp.Description("Checkpoint identifier")),
		mcp.WithString("decision", mcp.Required(),
			mcp.Enum("approved", "rejected", "modified"),
			mcp.Description("The decision"),
		),
		mcp.WithObject("payload", mcp.Description("Replacement payload (used with modified)")),
		mcp.WithString("resolved_by", mcp.Description("Who made the decision")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("conduit.cancel",
		mcp.WithDescription("Cancel an instance; in-flight work is signalled but not force-terminated"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Instance identifier")),
	)
}

func publishTool() mcp.Tool {
	return mcp.NewTool("conduit.publish",
		mcp.WithDescription("Distribute an artifact to external targets with all-or-nothing rollback semantics"),
		mcp.WithObject("artifact", mcp.Required(), mcp.Description("The artifact payload")),
		mcp.WithArray("targets", mcp.Required(), mcp.Description("Distribution targets (kind, name, endpoint, credentials_ref)")),
		mcp.WithString("artifact_id", mcp.Description("Stable artifact identifier (generated when omitted)")),
	)
}
