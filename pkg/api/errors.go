package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/cirisai/ciris-engine/pkg/services"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, services.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		return echo.NewHTTPError(http.StatusConflict, "resource already exists")
	}
	if errors.Is(err, services.ErrInsufficientCredit) {
		return echo.NewHTTPError(http.StatusPaymentRequired, "insufficient credit")
	}
	if errors.Is(err, models.ErrProhibited) {
		return echo.NewHTTPError(http.StatusForbidden, "capability prohibited")
	}
	if errors.Is(err, models.ErrCircuitOpen) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no provider available")
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
