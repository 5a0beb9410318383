package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/cirisai/ciris-engine/pkg/models"
)

// dsarCreateHandler handles POST /api/v1/dsar. The request is queued; the
// retention sweeper fulfills it asynchronously.
func (s *Server) dsarCreateHandler(c *echo.Context) error {
	var req DSARCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.SubjectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "subject_id is required")
	}
	if !canActFor(c, req.SubjectID) {
		return echo.NewHTTPError(http.StatusForbidden, "not your data")
	}
	reqType := models.DSARType(req.Type)
	if !reqType.IsValid() {
		return echo.NewHTTPError(http.StatusBadRequest, "type must be access, delete, export, or correct")
	}

	request, err := s.dsar.CreateRequest(c.Request().Context(), req.SubjectID, reqType, req.Detail)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, request)
}

// dsarStatusHandler handles GET /api/v1/dsar/:request_id.
func (s *Server) dsarStatusHandler(c *echo.Context) error {
	requestID := c.Param("request_id")
	if requestID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "request id is required")
	}

	request, err := s.dsar.GetRequest(c.Request().Context(), requestID)
	if err != nil {
		return mapServiceError(err)
	}
	if !canActFor(c, request.SubjectID) {
		return echo.NewHTTPError(http.StatusForbidden, "not your data")
	}
	return c.JSON(http.StatusOK, request)
}
