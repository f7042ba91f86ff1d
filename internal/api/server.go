// Package api contains the HTTP handlers for the workflow service
package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/internal/services"
	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/internal/validation"
	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/pkg/models"
)

// Server holds the dependencies for the API server.
type Server struct {
	service *services.WorkflowService
	ready   func() error
}

// NewServer creates a new Server. ready is consulted by the readiness probe;
// typically it pings the database.
func NewServer(service *services.WorkflowService, ready func() error) *Server {
	return &Server{service: service, ready: ready}
}

// Register mounts every route on the given group.
func (s *Server) Register(g *echo.Group) {
	g.POST("/workflows", s.CreateWorkflow)
	g.GET("/workflows", s.ListWorkflows)
	g.GET("/workflows/:id", s.GetWorkflow)
	g.PUT("/workflows/:id", s.UpdateWorkflow)
	g.DELETE("/workflows/:id", s.DeleteWorkflow)
	g.POST("/workflows/:id/execute", s.ExecuteWorkflow)
	g.GET("/workflows/:id/stats", s.WorkflowStats)

	g.GET("/executions", s.ListExecutions)
	g.GET("/executions/:id", s.GetExecution)
	g.POST("/executions/:id/cancel", s.CancelExecution)

	g.POST("/events/:name", s.PublishEvent)

	g.GET("/stats", s.SystemStats)
}

// RegisterHealth mounts the liveness/readiness endpoints on the root.
func (s *Server) RegisterHealth(e *echo.Echo) {
	e.GET("/health", s.Health)
	e.GET("/health/live", s.HealthLive)
	e.GET("/health/ready", s.HealthReady)
}

// translateError maps domain errors to HTTP responses. Validation failures
// carry the full violation list so a single call surfaces all problems.
func translateError(err error) error {
	var result *validation.Result
	if errors.As(err, &result) {
		return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
			"message":    "workflow definition is invalid",
			"violations": result.Violations,
		})
	}
	switch {
	case errors.Is(err, models.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
