package api

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/cirisai/ciris-engine/pkg/services"
)

// refreshTokenTTL is fixed at 7 days; access token lifetime comes from
// config.
const refreshTokenTTL = 7 * 24 * time.Hour

// setupStatusHandler handles GET /api/v1/setup/status.
func (s *Server) setupStatusHandler(c *echo.Context) error {
	count, err := s.users.CountUsers(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, SetupStatusResponse{
		SetupComplete: count > 0,
	})
}

// setupAdminHandler handles POST /api/v1/setup/admin: first-run creation of
// the initial system_admin. Open only while no user exists; the gate refuses
// all intake until this succeeds.
func (s *Server) setupAdminHandler(c *echo.Context) error {
	count, err := s.users.CountUsers(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	if count > 0 {
		return echo.NewHTTPError(http.StatusConflict, "setup already completed")
	}

	var req CreateAdminRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Username == "" || len(req.Password) < 12 {
		return echo.NewHTTPError(http.StatusBadRequest, "username and a password of at least 12 characters are required")
	}

	user, err := s.users.CreateUser(c.Request().Context(), req.Username, req.Password, models.RoleSystemAdmin)
	if err != nil {
		return mapServiceError(err)
	}
	if s.setupComplete != nil {
		s.setupComplete()
	}
	s.logger.Info("First-run setup completed", "username", user.Username)

	return c.JSON(http.StatusCreated, UserResponse{
		ID:       user.ID,
		Username: user.Username,
		Role:     string(user.Role),
	})
}

// loginHandler handles POST /api/v1/auth/login.
func (s *Server) loginHandler(c *echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Username == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password are required")
	}

	user, err := s.users.Authenticate(c.Request().Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
		}
		return mapServiceError(err)
	}
	return s.issueTokens(c, user)
}

// refreshHandler handles POST /api/v1/auth/refresh: a valid refresh token is
// exchanged for a fresh token pair and revoked.
func (s *Server) refreshHandler(c *echo.Context) error {
	var req RefreshRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.RefreshToken == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "refresh_token is required")
	}

	ctx := c.Request().Context()
	user, err := s.users.LookupToken(ctx, req.RefreshToken, services.TokenRefresh)
	if err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired refresh token")
		}
		return mapServiceError(err)
	}
	if err := s.users.RevokeToken(ctx, req.RefreshToken); err != nil {
		return mapServiceError(err)
	}
	return s.issueTokens(c, user)
}

// logoutHandler handles POST /api/v1/auth/logout.
func (s *Server) logoutHandler(c *echo.Context) error {
	token := bearerToken(c)
	if err := s.users.RevokeToken(c.Request().Context(), token); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "logged_out"})
}

// oauthCallbackHandler handles GET /api/v1/auth/oauth-callback. The engine
// does not speak OAuth itself; it trusts the identity headers set by an
// authenticating proxy (oauth2-proxy, kube-rbac-proxy) in front of it. A
// request arriving with a proxy identity gets an observer account on first
// sight and a token pair.
func (s *Server) oauthCallbackHandler(c *echo.Context) error {
	identity := proxyIdentity(c)
	if identity == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "no proxy identity header present")
	}

	ctx := c.Request().Context()
	user, err := s.users.GetUserByUsername(ctx, identity)
	if err != nil {
		if !errors.Is(err, services.ErrNotFound) {
			return mapServiceError(err)
		}
		// Proxy-authenticated users carry an unusable random password;
		// only tokens minted here grant access.
		secret, randErr := randomToken()
		if randErr != nil {
			return mapServiceError(randErr)
		}
		user, err = s.users.CreateUser(ctx, identity, secret, models.RoleObserver)
		if err != nil {
			return mapServiceError(err)
		}
	}
	return s.issueTokens(c, user)
}

// issueTokens mints and stores an access/refresh token pair for the user.
func (s *Server) issueTokens(c *echo.Context, user *models.User) error {
	ctx := c.Request().Context()

	access, err := randomToken()
	if err != nil {
		return mapServiceError(err)
	}
	refresh, err := randomToken()
	if err != nil {
		return mapServiceError(err)
	}

	accessExpiry := time.Now().Add(s.cfg.TokenTTL)
	if err := s.users.SaveToken(ctx, access, user.ID, services.TokenAccess, accessExpiry); err != nil {
		return mapServiceError(err)
	}
	if err := s.users.SaveToken(ctx, refresh, user.ID, services.TokenRefresh, time.Now().Add(refreshTokenTTL)); err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    accessExpiry.UTC(),
		Role:         string(user.Role),
	})
}

// proxyIdentity extracts the identity set by an authenticating proxy.
// Priority: X-Forwarded-User > X-Forwarded-Email > X-Remote-User.
func proxyIdentity(c *echo.Context) string {
	if user := c.Request().Header.Get("X-Forwarded-User"); user != "" {
		return user
	}
	if email := c.Request().Header.Get("X-Forwarded-Email"); email != "" {
		return email
	}
	return c.Request().Header.Get("X-Remote-User")
}

// randomToken returns 32 bytes of hex-encoded entropy.
func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
