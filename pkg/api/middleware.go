package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/cirisai/ciris-engine/pkg/services"
)

// userKey carries the authenticated user through the request.
const userKey = "auth_user"

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// requestLogger logs one line per request at debug, errors at warn.
func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)
			attrs := []any{
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if err != nil {
				logger.Warn("Request failed", append(attrs, "error", err)...)
				return err
			}
			logger.Debug("Request served", attrs...)
			return nil
		}
	}
}

// authenticate resolves the bearer token to a user and stores it on the
// request context.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		token := bearerToken(c)
		if token == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
		}
		user, err := s.users.LookupToken(c.Request().Context(), token, services.TokenAccess)
		if err != nil {
			if errors.Is(err, services.ErrInvalidCredentials) {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
			}
			return mapServiceError(err)
		}
		c.Set(userKey, user)
		return next(c)
	}
}

// requireRole gates a route on a minimum role. Role ordering is
// observer < user < admin < authority < system_admin; service accounts rank
// with admins.
func (s *Server) requireRole(min models.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			user := currentUser(c)
			if user == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			if roleRank(user.Role) < roleRank(min) {
				return echo.NewHTTPError(http.StatusForbidden, "insufficient role")
			}
			return next(c)
		}
	}
}

func roleRank(r models.Role) int {
	switch r {
	case models.RoleObserver:
		return 0
	case models.RoleUser:
		return 1
	case models.RoleAdmin, models.RoleServiceAccount:
		return 2
	case models.RoleAuthority:
		return 3
	case models.RoleSystemAdmin:
		return 4
	}
	return -1
}

// currentUser returns the authenticated user, or nil outside auth routes.
func currentUser(c *echo.Context) *models.User {
	user, _ := c.Get(userKey).(*models.User)
	return user
}

// bearerToken extracts the token from the Authorization header, falling back
// to the access_token query parameter for WebSocket clients that cannot set
// headers.
func bearerToken(c *echo.Context) string {
	header := c.Request().Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.QueryParam("access_token")
}
