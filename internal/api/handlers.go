package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/pkg/models"
)

const (
	serviceName    = "workflow-orchestrator"
	serviceVersion = "1.0.0"
)

// Health returns basic health status (always 200 OK)
// (GET /health)
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, models.HealthStatus{
		Status:    "ok",
		Service:   serviceName,
		Version:   serviceVersion,
		Timestamp: time.Now(),
	})
}

// HealthLive reports process liveness
// (GET /health/live)
func (s *Server) HealthLive(c echo.Context) error {
	return c.JSON(http.StatusOK, models.HealthStatus{
		Status:    "ok",
		Service:   serviceName,
		Version:   serviceVersion,
		Timestamp: time.Now(),
	})
}

// HealthReady reports readiness, including store reachability
// (GET /health/ready)
func (s *Server) HealthReady(c echo.Context) error {
	status := models.HealthStatus{
		Status:    "ok",
		Service:   serviceName,
		Version:   serviceVersion,
		Timestamp: time.Now(),
		Checks:    map[string]string{"store": "ok"},
	}
	if s.ready != nil {
		if err := s.ready(); err != nil {
			status.Status = "degraded"
			status.Checks["store"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, status)
		}
	}
	return c.JSON(http.StatusOK, status)
}
