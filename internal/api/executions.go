package api

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
)

// executeRequest is the body of an execution trigger.
type executeRequest struct {
	InputData json.RawMessage `json:"input_data,omitempty"`
}

// executeResponse acknowledges an asynchronous execution.
type executeResponse struct {
	ExecutionID string `json:"execution_id"`
}

// ExecuteWorkflow triggers an asynchronous execution
// (POST /workflows/{id}/execute)
func (s *Server) ExecuteWorkflow(c echo.Context) error {
	ctx := c.Request().Context()

	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	executionID, err := s.service.TriggerExecution(ctx, c.Param("id"), req.InputData)
	if err != nil {
		return translateError(err)
	}
	return c.JSON(http.StatusAccepted, executeResponse{ExecutionID: executionID})
}

// ListExecutions returns executions, optionally filtered by workflow_id
// (GET /executions)
func (s *Server) ListExecutions(c echo.Context) error {
	execs, err := s.service.ListExecutions(c.Request().Context(), c.QueryParam("workflow_id"))
	if err != nil {
		return translateError(err)
	}
	return c.JSON(http.StatusOK, execs)
}

// GetExecution returns one execution with its step results
// (GET /executions/{id})
func (s *Server) GetExecution(c echo.Context) error {
	exec, err := s.service.GetExecution(c.Request().Context(), c.Param("id"))
	if err != nil {
		return translateError(err)
	}
	return c.JSON(http.StatusOK, exec)
}

// CancelExecution cooperatively cancels a running execution
// (POST /executions/{id}/cancel)
func (s *Server) CancelExecution(c echo.Context) error {
	if err := s.service.CancelExecution(c.Request().Context(), c.Param("id")); err != nil {
		return translateError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

// PublishEvent delivers a named external event to active event-driven
// executions
// (POST /events/{name})
func (s *Server) PublishEvent(c echo.Context) error {
	var payload json.RawMessage
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	delivered := s.service.PublishEvent(c.Request().Context(), c.Param("name"), payload)
	return c.JSON(http.StatusOK, map[string]int{"delivered": delivered})
}
