// Package mcp exposes the orchestrator's operations as MCP tools so agent
// runtimes can drive flows over the same engine the HTTP API uses.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"flow-orchestrator/backend/internal/api"
	"flow-orchestrator/backend/pkg/models"
)

type Server struct {
	mcpServer *server.MCPServer
	orch      api.Orchestrator
}

func NewServer(orch api.Orchestrator) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Flow Orchestrator",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		orch: orch,
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
			"create_flow",
			mcp.WithDescription("Create a new multi-phase flow for a tenant"),
			mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Owning tenant")),
			mcp.WithString("engagement_id", mcp.Required(), mcp.Description("Engagement sub-scope")),
			mcp.WithString("principal_id", mcp.Required(), mcp.Description("Acting principal")),
			mcp.WithString("work_type", mcp.Required(), mcp.Description("One of discovery, collection, assessment")),
		),
		s.handleCreateFlow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"execute_phase",
			mcp.WithDescription("Execute the next phase of a flow"),
			mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Owning tenant")),
			mcp.WithString("engagement_id", mcp.Required(), mcp.Description("Engagement sub-scope")),
			mcp.WithString("principal_id", mcp.Required(), mcp.Description("Acting principal")),
			mcp.WithString("flow_id", mcp.Required(), mcp.Description("Master flow id")),
		),
		s.handleExecutePhase,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_status",
			mcp.WithDescription("Get a flow's master record and progress projection"),
			mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Owning tenant")),
			mcp.WithString("engagement_id", mcp.Required(), mcp.Description("Engagement sub-scope")),
			mcp.WithString("principal_id", mcp.Required(), mcp.Description("Acting principal")),
			mcp.WithString("flow_id", mcp.Required(), mcp.Description("Master flow id")),
		),
		s.handleGetStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_flows",
			mcp.WithDescription("List a tenant's flows, optionally filtered by status"),
			mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Owning tenant")),
			mcp.WithString("engagement_id", mcp.Required(), mcp.Description("Engagement sub-scope")),
			mcp.WithString("principal_id", mcp.Required(), mcp.Description("Acting principal")),
			mcp.WithString("status", mcp.Description("Optional status filter")),
		),
		s.handleListFlows,
	)
}

func tenantFromArgs(args map[string]interface{}) (models.TenantContext, bool) {
	tctx := models.TenantContext{}
	tctx.TenantID, _ = args["tenant_id"].(string)
	tctx.EngagementID, _ = args["engagement_id"].(string)
	tctx.PrincipalID, _ = args["principal_id"].(string)
	return tctx, tctx.Valid()
}

func (s *Server) handleCreateFlow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	tctx, ok := tenantFromArgs(args)
	if !ok {
		return mcp.NewToolResultError("Missing tenant scope parameters"), nil
	}
	workType, ok := args["work_type"].(string)
	if !ok || workType == "" {
		return mcp.NewToolResultError("Missing required parameter: work_type"), nil
	}

	master, child, err := s.orch.CreateFlow(ctx, tctx, models.WorkType(workType), nil, "")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create flow: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(map[string]any{"flow": master, "projection": child})
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleExecutePhase(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	tctx, ok := tenantFromArgs(args)
	if !ok {
		return mcp.NewToolResultError("Missing tenant scope parameters"), nil
	}
	flowID, ok := args["flow_id"].(string)
	if !ok || flowID == "" {
		return mcp.NewToolResultError("Missing required parameter: flow_id"), nil
	}
	if err := uuid.Validate(flowID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Flow not found: malformed flow id %q", flowID)), nil
	}

	master, result, err := s.orch.ExecuteNextPhase(ctx, tctx, models.MasterFlowID(flowID), nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to execute phase: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(map[string]any{"flow": master, "result": result})
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	tctx, ok := tenantFromArgs(args)
	if !ok {
		return mcp.NewToolResultError("Missing tenant scope parameters"), nil
	}
	flowID, ok := args["flow_id"].(string)
	if !ok || flowID == "" {
		return mcp.NewToolResultError("Missing required parameter: flow_id"), nil
	}
	if err := uuid.Validate(flowID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Flow not found: malformed flow id %q", flowID)), nil
	}

	master, child, err := s.orch.GetStatus(ctx, tctx, models.MasterFlowID(flowID))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get status: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(map[string]any{"flow": master, "projection": child})
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleListFlows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	tctx, ok := tenantFromArgs(args)
	if !ok {
		return mcp.NewToolResultError("Missing tenant scope parameters"), nil
	}

	var filter models.FlowFilter
	if status, _ := args["status"].(string); status != "" {
		fs := models.FlowStatus(status)
		filter.Status = &fs
	}

	flows, err := s.orch.ListFlows(ctx, tctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list flows: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(flows)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	// Use SSE server for /mcp/sse and /mcp/message endpoints
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	// SSE endpoints
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
