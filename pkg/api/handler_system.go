package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/cirisai/ciris-engine/pkg/processor"
	"github.com/cirisai/ciris-engine/pkg/version"
)

// healthHandler handles GET /health: liveness plus database reachability.
func (s *Server) healthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "healthy", Version: version.Full(), Build: version.Build}
	if s.warnings != nil {
		resp.Warnings = s.warnings.GetWarnings()
	}

	dbHealth, err := s.db.Health(ctx)
	resp.Database = dbHealth
	if err != nil {
		resp.Status = "unhealthy"
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// systemHealthHandler handles GET /api/v1/system/health.
func (s *Server) systemHealthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	snap := s.runtime.Snapshot()
	resp := SystemHealthResponse{
		Status:         "healthy",
		CognitiveState: snap.CognitiveState,
		Paused:         snap.Paused,
		IntakeOpen:     s.runtime.IntakeOpen(),
	}
	dbHealth, err := s.db.Health(ctx)
	resp.Database = dbHealth
	if err != nil {
		resp.Status = "unhealthy"
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// servicesHealthHandler handles GET /api/v1/system/services/health: circuit
// state for every registered provider.
func (s *Server) servicesHealthHandler(c *echo.Context) error {
	snap, err := s.telemetry.Unified(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	resp := ServicesHealthResponse{Providers: snap.Providers}
	if s.warnings != nil {
		resp.Warnings = s.warnings.GetWarnings()
	}
	return c.JSON(http.StatusOK, resp)
}

// pauseHandler handles POST /api/v1/system/runtime/pause.
func (s *Server) pauseHandler(c *echo.Context) error {
	if err := s.buses.Control.Pause(c.Request().Context()); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, ControlResponse{Status: "paused"})
}

// resumeHandler handles POST /api/v1/system/runtime/resume.
func (s *Server) resumeHandler(c *echo.Context) error {
	if err := s.buses.Control.Resume(c.Request().Context()); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, ControlResponse{Status: "running"})
}

// singleStepHandler handles POST /api/v1/system/runtime/step: while paused,
// advance one step point and return its typed result.
func (s *Server) singleStepHandler(c *echo.Context) error {
	result, err := s.buses.Control.SingleStep(c.Request().Context())
	if err != nil {
		if errors.Is(err, processor.ErrNotPaused) {
			return echo.NewHTTPError(http.StatusConflict, "processor is not paused")
		}
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// shutdownHandler handles POST /api/v1/system/runtime/shutdown.
func (s *Server) shutdownHandler(c *echo.Context) error {
	var req ShutdownRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Reason == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reason is required")
	}

	user := currentUser(c)
	s.logger.Warn("Shutdown requested over API", "reason", req.Reason, "actor", user.Username)
	if err := s.buses.Control.Shutdown(c.Request().Context(), req.Reason); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, ControlResponse{Status: "shutting_down"})
}
