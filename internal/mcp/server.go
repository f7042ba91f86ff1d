// Package mcp exposes workflow operations as MCP tools so agent runtimes can
// trigger and observe executions over the MCP protocol.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/internal/services"
)

type Server struct {
	mcpServer *server.MCPServer
	service   *services.WorkflowService
}

func NewServer(service *services.WorkflowService) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Workflow Orchestrator",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		service: service,
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
			"list_workflows",
			mcp.WithDescription("List all workflow definitions"),
		),
		s.handleListWorkflows,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"trigger_workflow",
			mcp.WithDescription("Start an asynchronous execution of a workflow"),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The id of the workflow to execute")),
			mcp.WithString("input_data", mcp.Description("JSON input for the execution")),
		),
		s.handleTriggerWorkflow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_execution_status",
			mcp.WithDescription("Get the current status and step results of an execution"),
			mcp.WithString("execution_id", mcp.Required(), mcp.Description("The id of the execution")),
		),
		s.handleGetExecutionStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"cancel_execution",
			mcp.WithDescription("Cooperatively cancel a running execution"),
			mcp.WithString("execution_id", mcp.Required(), mcp.Description("The id of the execution")),
		),
		s.handleCancelExecution,
	)
}

func (s *Server) handleListWorkflows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflows, err := s.service.ListWorkflows(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list workflows: %v", err)), nil
	}
	jsonBytes, _ := json.Marshal(workflows)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleTriggerWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	workflowID, ok := args["workflow_id"].(string)
	if !ok || workflowID == "" {
		return mcp.NewToolResultError("Missing required parameter: workflow_id"), nil
	}
	var input json.RawMessage
	if raw, ok := args["input_data"].(string); ok && raw != "" {
		input = json.RawMessage(raw)
	}

	executionID, err := s.service.TriggerExecution(ctx, workflowID, input)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to trigger workflow: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(`{"execution_id":%q}`, executionID)), nil
}

func (s *Server) handleGetExecutionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	executionID, ok := args["execution_id"].(string)
	if !ok || executionID == "" {
		return mcp.NewToolResultError("Missing required parameter: execution_id"), nil
	}

	exec, err := s.service.GetExecution(ctx, executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get execution: %v", err)), nil
	}
	jsonBytes, _ := json.Marshal(exec)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleCancelExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	executionID, ok := args["execution_id"].(string)
	if !ok || executionID == "" {
		return mcp.NewToolResultError("Missing required parameter: execution_id"), nil
	}

	if err := s.service.CancelExecution(ctx, executionID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel execution: %v", err)), nil
	}
	return mcp.NewToolResultText("Cancellation requested"), nil
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
