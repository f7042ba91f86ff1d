package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/pkg/models"
)

// CreateWorkflow creates a workflow definition
// (POST /workflows)
func (s *Server) CreateWorkflow(c echo.Context) error {
	ctx := c.Request().Context()

	var wf models.Workflow
	if err := c.Bind(&wf); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	created, err := s.service.CreateWorkflow(ctx, &wf)
	if err != nil {
		return translateError(err)
	}
	return c.JSON(http.StatusCreated, created)
}

// ListWorkflows returns all workflow definitions
// (GET /workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	workflows, err := s.service.ListWorkflows(c.Request().Context())
	if err != nil {
		return translateError(err)
	}
	return c.JSON(http.StatusOK, workflows)
}

// GetWorkflow returns one workflow with its steps
// (GET /workflows/{id})
func (s *Server) GetWorkflow(c echo.Context) error {
	wf, err := s.service.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return translateError(err)
	}
	return c.JSON(http.StatusOK, wf)
}

// UpdateWorkflow replaces a workflow definition
// (PUT /workflows/{id})
func (s *Server) UpdateWorkflow(c echo.Context) error {
	ctx := c.Request().Context()

	var wf models.Workflow
	if err := c.Bind(&wf); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	wf.ID = c.Param("id")

	updated, err := s.service.UpdateWorkflow(ctx, &wf)
	if err != nil {
		return translateError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

// DeleteWorkflow removes a workflow definition
// (DELETE /workflows/{id})
func (s *Server) DeleteWorkflow(c echo.Context) error {
	if err := s.service.DeleteWorkflow(c.Request().Context(), c.Param("id")); err != nil {
		return translateError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// WorkflowStats returns aggregated counters for one workflow
// (GET /workflows/{id}/stats)
func (s *Server) WorkflowStats(c echo.Context) error {
	stats, err := s.service.WorkflowStats(c.Request().Context(), c.Param("id"))
	if err != nil {
		return translateError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

// SystemStats returns aggregated counters across all workflows
// (GET /stats)
func (s *Server) SystemStats(c echo.Context) error {
	stats, err := s.service.SystemStats(c.Request().Context())
	if err != nil {
		return translateError(err)
	}
	return c.JSON(http.StatusOK, stats)
}
