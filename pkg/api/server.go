// Package api is the engine's HTTP surface: the versioned REST API under
// /api/v1, the unversioned Prometheus endpoint, and the WebSocket event
// stream. The API is itself an adapter: it registers as the "api"
// communication provider, so SPEAK deliveries to api/* channels land in the
// canonical message store and reach clients through the event stream.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/cirisai/ciris-engine/pkg/bus"
	"github.com/cirisai/ciris-engine/pkg/config"
	"github.com/cirisai/ciris-engine/pkg/database"
	"github.com/cirisai/ciris-engine/pkg/events"
	"github.com/cirisai/ciris-engine/pkg/gate"
	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/cirisai/ciris-engine/pkg/services"
	"github.com/cirisai/ciris-engine/pkg/telemetry"
)

// Runtime is the processor surface the API exposes over HTTP.
type Runtime interface {
	Snapshot() models.SystemSnapshot
	IntakeOpen() bool
}

// Deps are the server's collaborators.
type Deps struct {
	Config   *config.APIConfig
	Identity models.IdentitySnapshot

	DB      *database.Client
	Gate    *gate.Gate
	Buses   *bus.Buses
	Runtime Runtime

	Users    *services.UserService
	Tasks    *services.TaskService
	Thoughts *services.ThoughtService
	Consent  *services.ConsentService
	Credit   *services.CreditService
	Messages *services.MessageService
	DSAR     *services.DSARService
	Warnings *services.SystemWarningsService

	Telemetry *telemetry.Service
	Metrics   http.Handler // /metrics; optional
	Hub       *events.Hub
	ConnMgr   *events.ConnectionManager // optional

	// SetupComplete flips the gate's readiness once the first admin exists.
	// Optional; used by first-run setup.
	SetupComplete func()

	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg      *config.APIConfig
	identity models.IdentitySnapshot

	db      *database.Client
	gate    *gate.Gate
	buses   *bus.Buses
	runtime Runtime

	users    *services.UserService
	tasks    *services.TaskService
	thoughts *services.ThoughtService
	consent  *services.ConsentService
	credit   *services.CreditService
	messages *services.MessageService
	dsar     *services.DSARService
	warnings *services.SystemWarningsService

	telemetry *telemetry.Service
	metrics   http.Handler
	hub       *events.Hub
	connMgr   *events.ConnectionManager

	setupComplete func()
	emergencyOnce *nonceCache

	logger *slog.Logger
	echo   *echo.Echo
	http   *http.Server
}

// NewServer wires the API server. Call Start to serve.
func NewServer(deps Deps) *Server {
	if deps.Config == nil {
		panic("api.NewServer: config must not be nil")
	}
	if deps.DB == nil || deps.Gate == nil || deps.Buses == nil || deps.Runtime == nil {
		panic("api.NewServer: db, gate, buses, and runtime are required")
	}
	if deps.Users == nil || deps.Tasks == nil || deps.Thoughts == nil ||
		deps.Consent == nil || deps.Credit == nil || deps.Messages == nil ||
		deps.DSAR == nil || deps.Telemetry == nil || deps.Hub == nil {
		panic("api.NewServer: users, tasks, thoughts, consent, credit, messages, dsar, telemetry, and hub are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:           deps.Config,
		identity:      deps.Identity,
		db:            deps.DB,
		gate:          deps.Gate,
		buses:         deps.Buses,
		runtime:       deps.Runtime,
		users:         deps.Users,
		tasks:         deps.Tasks,
		thoughts:      deps.Thoughts,
		consent:       deps.Consent,
		credit:        deps.Credit,
		messages:      deps.Messages,
		dsar:          deps.DSAR,
		warnings:      deps.Warnings,
		telemetry:     deps.Telemetry,
		metrics:       deps.Metrics,
		hub:           deps.Hub,
		connMgr:       deps.ConnMgr,
		setupComplete: deps.SetupComplete,
		emergencyOnce: newNonceCache(),
		logger:        logger.With("component", "api"),
	}
	s.echo = s.buildRouter()
	return s
}

// Handler returns the server's HTTP handler, for tests driving the API
// through httptest.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) buildRouter() *echo.Echo {
	e := echo.New()
	e.Use(securityHeaders())
	e.Use(requestLogger(s.logger))

	// Unversioned infrastructure endpoints.
	e.GET("/health", s.healthHandler)
	if s.metrics != nil {
		e.GET("/metrics", func(c *echo.Context) error {
			s.metrics.ServeHTTP(c.Response(), c.Request())
			return nil
		})
	}

	v1 := e.Group("/api/v1")

	// Public: no credentials needed.
	v1.GET("/transparency/feed", s.transparencyHandler)
	v1.POST("/emergency/shutdown", s.emergencyShutdownHandler)
	v1.GET("/setup/status", s.setupStatusHandler)
	v1.POST("/setup/admin", s.setupAdminHandler)
	v1.POST("/auth/login", s.loginHandler)
	v1.POST("/auth/refresh", s.refreshHandler)
	v1.GET("/auth/oauth-callback", s.oauthCallbackHandler)

	// Authenticated.
	auth := v1.Group("", s.authenticate)
	auth.POST("/auth/logout", s.logoutHandler)

	auth.POST("/agent/interact", s.interactHandler)
	auth.GET("/agent/status/:task_id", s.taskStatusHandler)
	auth.GET("/agent/identity", s.identityHandler)
	// Channel ids contain slashes (adapter/conversation), so history takes
	// the id as the remainder of the path.
	auth.GET("/agent/history/*", s.historyHandler)

	auth.POST("/memory/store", s.memoryStoreHandler, s.requireRole(models.RoleAdmin))
	auth.GET("/memory/recall/:scope/:type/:id", s.memoryRecallHandler)
	auth.POST("/memory/query", s.memoryQueryHandler)

	auth.GET("/consent/:subject_id", s.consentStatusHandler)
	auth.POST("/consent/grant", s.consentGrantHandler)
	auth.POST("/consent/revoke", s.consentRevokeHandler)
	auth.GET("/consent/:subject_id/audit", s.consentAuditHandler)
	auth.GET("/consent/partnership/:task_id", s.partnershipStatusHandler)

	auth.POST("/dsar", s.dsarCreateHandler)
	auth.GET("/dsar/:request_id", s.dsarStatusHandler)

	auth.GET("/telemetry/unified", s.telemetryUnifiedHandler)

	system := auth.Group("/system", s.requireRole(models.RoleAdmin))
	system.GET("/health", s.systemHealthHandler)
	system.GET("/services/health", s.servicesHealthHandler)
	system.POST("/runtime/pause", s.pauseHandler)
	system.POST("/runtime/resume", s.resumeHandler)
	system.POST("/runtime/step", s.singleStepHandler)
	system.POST("/runtime/shutdown", s.shutdownHandler, s.requireRole(models.RoleSystemAdmin))

	v1.GET("/ws", s.wsHandler, s.authenticate)

	return e
}

// Start serves HTTP until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API server listening", "addr", s.cfg.ListenAddr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
