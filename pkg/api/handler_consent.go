package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/cirisai/ciris-engine/pkg/models"
)

// canActFor reports whether the caller may act on a subject's consent:
// themselves always, anyone for admin and above.
func canActFor(c *echo.Context, subjectID string) bool {
	user := currentUser(c)
	if user == nil {
		return false
	}
	return user.ID == subjectID || roleRank(user.Role) >= roleRank(models.RoleAdmin)
}

// consentStatusHandler handles GET /api/v1/consent/:subject_id.
func (s *Server) consentStatusHandler(c *echo.Context) error {
	subjectID := c.Param("subject_id")
	if !canActFor(c, subjectID) {
		return echo.NewHTTPError(http.StatusForbidden, "not your consent record")
	}

	record, err := s.consent.GetConsent(c.Request().Context(), subjectID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, record)
}

// consentGrantHandler handles POST /api/v1/consent/grant. Temporary and
// anonymous are unilateral stream changes; partnered is bilateral and opens
// a partnership task the agent itself decides.
func (s *Server) consentGrantHandler(c *echo.Context) error {
	var req ConsentGrantRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.SubjectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "subject_id is required")
	}
	if !canActFor(c, req.SubjectID) {
		return echo.NewHTTPError(http.StatusForbidden, "not your consent record")
	}

	stream := models.ConsentStream(req.Stream)
	ctx := c.Request().Context()

	if stream == models.StreamPartnered {
		user := currentUser(c)
		task, err := s.gate.RequestPartnership(ctx, req.SubjectID, "api/"+user.Username, req.Note)
		if err != nil {
			return mapServiceError(err)
		}
		return c.JSON(http.StatusAccepted, PartnershipStatusResponse{
			TaskID: task.ID,
			Status: string(models.PartnershipPending),
		})
	}

	record, err := s.consent.UpdateStream(ctx, req.SubjectID, stream, req.Reason, "")
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, record)
}

// consentRevokeHandler handles POST /api/v1/consent/revoke: starts the
// 90-day decay.
func (s *Server) consentRevokeHandler(c *echo.Context) error {
	var req ConsentRevokeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.SubjectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "subject_id is required")
	}
	if !canActFor(c, req.SubjectID) {
		return echo.NewHTTPError(http.StatusForbidden, "not your consent record")
	}

	record, err := s.consent.Revoke(c.Request().Context(), req.SubjectID, req.Reason)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, record)
}

// consentAuditHandler handles GET /api/v1/consent/:subject_id/audit.
func (s *Server) consentAuditHandler(c *echo.Context) error {
	subjectID := c.Param("subject_id")
	if !canActFor(c, subjectID) {
		return echo.NewHTTPError(http.StatusForbidden, "not your consent record")
	}
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := s.consent.ListAudit(c.Request().Context(), subjectID, limit)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, entries)
}

// partnershipStatusHandler handles GET /api/v1/consent/partnership/:task_id.
// Reading the status also applies an accepted or refused outcome.
func (s *Server) partnershipStatusHandler(c *echo.Context) error {
	taskID := c.Param("task_id")
	if taskID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}

	status, err := s.gate.ResolvePartnership(c.Request().Context(), taskID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, PartnershipStatusResponse{
		TaskID: taskID,
		Status: string(status),
	})
}
