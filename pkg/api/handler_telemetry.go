package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"
)

// telemetryUnifiedHandler handles GET /api/v1/telemetry/unified.
func (s *Server) telemetryUnifiedHandler(c *echo.Context) error {
	snap, err := s.telemetry.Unified(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

// transparencyHandler handles GET /api/v1/transparency/feed. Public by
// design: the feed carries aggregate counts only, never content or subject
// identifiers.
func (s *Server) transparencyHandler(c *echo.Context) error {
	window := 24 * time.Hour
	if v := c.QueryParam("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 24*30 {
			return echo.NewHTTPError(http.StatusBadRequest, "hours must be between 1 and 720")
		}
		window = time.Duration(n) * time.Hour
	}

	feed, err := s.telemetry.Transparency(c.Request().Context(), window)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, feed)
}
