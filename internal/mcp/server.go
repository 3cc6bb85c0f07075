package mcp

import (
	"context"
	"fmt"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"enrichment-engine/backend/internal/services"
)

// Server exposes the pipeline's operator actions as MCP tools.
type Server struct {
	mcpServer    *server.MCPServer
	orchestrator *services.Orchestrator
	tracker      *services.Tracker
	inspector    *services.Inspector
}

func NewServer(orchestrator *services.Orchestrator, tracker *services.Tracker, inspector *services.Inspector, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Enrichment Engine",
			version,
			server.WithToolCapabilities(true),
		),
		orchestrator: orchestrator,
		tracker:      tracker,
		inspector:    inspector,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_workflow_steps",
			mcp.WithDescription("List the configured workflow steps in pipeline order"),
		),
		s.handleListSteps,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"run_workflow_step",
			mcp.WithDescription("Dispatch the next (or a named) workflow step for a set of companies"),
			mcp.WithArray("companies", mcp.Required(),
				mcp.Description("Companies as objects with id, name and domain")),
			mcp.WithString("workflow_id", mcp.Description("Run this step instead of selecting the next one")),
			mcp.WithNumber("last_completed_step", mcp.Description("Overall step number the companies have completed")),
		),
		s.handleRunStep,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_batch_status",
			mcp.WithDescription("Show how many callbacks a dispatch batch has received"),
			mcp.WithString("batch_id", mcp.Required(), mcp.Description("The batch ID returned by a dispatch")),
		),
		s.handleGetBatch,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_entity_progress",
			mcp.WithDescription("Show where a company stands in the pipeline"),
			mcp.WithString("entity_id", mcp.Required(), mcp.Description("The company ID")),
		),
		s.handleEntityProgress,
	)
}

func (s *Server) handleListSteps(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	steps, err := s.inspector.ListSteps(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list steps: %v", err)), nil
	}
	return textResult(steps)
}

func (s *Server) handleRunStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	raw, ok := args["companies"]
	if !ok {
		return mcp.NewToolResultError("Missing required parameter: companies"), nil
	}

	// round-trip through JSON to turn the generic argument into entities
	data, err := json.Marshal(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid companies: %v", err)), nil
	}
	var req services.OrchestrateRequest
	if err := json.Unmarshal(data, &req.Companies); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid companies: %v", err)), nil
	}
	if id := request.GetString("workflow_id", ""); id != "" {
		req.Workflow = &services.WorkflowRef{ID: id}
	}
	if _, ok := args["last_completed_step"]; ok {
		n := request.GetInt("last_completed_step", 0)
		req.LastCompletedStep = &n
	}

	out, err := s.orchestrator.Run(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to run step: %v", err)), nil
	}
	return textResult(out)
}

func (s *Server) handleGetBatch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("batch_id")
	if err != nil || id == "" {
		return mcp.NewToolResultError("Missing required parameter: batch_id"), nil
	}

	batch, err := s.tracker.GetBatch(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get batch: %v", err)), nil
	}
	return textResult(batch)
}

func (s *Server) handleEntityProgress(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("entity_id")
	if err != nil || id == "" {
		return mcp.NewToolResultError("Missing required parameter: entity_id"), nil
	}

	progress, err := s.inspector.EntityProgress(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get progress: %v", err)), nil
	}
	return textResult(progress)
}

func textResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
