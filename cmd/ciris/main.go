// CIRIS engine server. Runs one occurrence of the agent: admission gate,
// round-based processor, six message buses over the provider registry, the
// signed audit ledger, retention sweeps, and the HTTP API with its
// WebSocket event stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cirisai/ciris-engine/pkg/api"
	"github.com/cirisai/ciris-engine/pkg/audit"
	"github.com/cirisai/ciris-engine/pkg/bus"
	"github.com/cirisai/ciris-engine/pkg/config"
	"github.com/cirisai/ciris-engine/pkg/conscience"
	"github.com/cirisai/ciris-engine/pkg/database"
	"github.com/cirisai/ciris-engine/pkg/dma"
	"github.com/cirisai/ciris-engine/pkg/events"
	"github.com/cirisai/ciris-engine/pkg/gate"
	"github.com/cirisai/ciris-engine/pkg/handlers"
	"github.com/cirisai/ciris-engine/pkg/llm"
	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/cirisai/ciris-engine/pkg/pipeline"
	"github.com/cirisai/ciris-engine/pkg/processor"
	"github.com/cirisai/ciris-engine/pkg/registry"
	"github.com/cirisai/ciris-engine/pkg/retention"
	"github.com/cirisai/ciris-engine/pkg/services"
	"github.com/cirisai/ciris-engine/pkg/telemetry"
	"github.com/cirisai/ciris-engine/pkg/tools"
	"github.com/cirisai/ciris-engine/pkg/version"
	"github.com/cirisai/ciris-engine/pkg/wise"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	occurrenceID := cfg.Occurrence.ID

	slog.Info("Starting CIRIS engine",
		"version", version.Full(),
		"occurrence_id", occurrenceID,
		"agent_id", cfg.Occurrence.AgentID,
		"config_dir", *configDir)

	// 2. Initialize database (migrations run inside NewClient)
	dbConfig, err := database.LoadConfigFromEnv(cfg.Occurrence.DataDir)
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.Occurrence.DataDir, 0o700); err != nil {
		slog.Error("Failed to create data directory", "dir", cfg.Occurrence.DataDir, "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to database", "dialect", dbConfig.Dialect)

	// 3. Audit ledger over the occurrence signing key
	signer, err := audit.LoadOrCreateSigner(filepath.Join(cfg.Occurrence.DataDir, "audit.key"))
	if err != nil {
		slog.Error("Failed to load audit signing key", "error", err)
		os.Exit(1)
	}
	ledger := audit.NewLedger(dbClient, signer)

	// 4. Domain services
	taskService := services.NewTaskService(dbClient)
	thoughtService := services.NewThoughtService(dbClient)
	consentService := services.NewConsentService(dbClient)
	creditService := services.NewCreditService(dbClient, cfg.Gate.InitialCredits)
	correlationService := services.NewCorrelationService(dbClient)
	graphService := services.NewGraphService(dbClient)
	messageService := services.NewMessageService(dbClient)
	dsarService := services.NewDSARService(dbClient)
	stateService := services.NewStateService(dbClient)
	userService := services.NewUserService(dbClient)
	warningsService := services.NewSystemWarningsService()
	slog.Info("Services initialized")

	// 5. Provider registry
	reg := registry.New()

	for name, pc := range cfg.LLMProviders {
		capability := registry.CapabilityLLM
		if pc.Capability != "" {
			capability = registry.Capability(pc.Capability)
		}
		var instance llm.Provider
		switch pc.Mode {
		case config.LLMModeScripted:
			instance = llm.NewScriptedProvider(pc.Model)
		case config.LLMModeExternal:
			instance, err = llm.NewExternalProvider(name, pc.Model, pc.BaseURL, os.Getenv(pc.APIKeyEnv))
			if err != nil {
				slog.Error("Failed to create LLM provider", "provider", name, "error", err)
				os.Exit(1)
			}
		}
		if err := reg.Register(capability, registry.Provider{
			Name:     name,
			Instance: instance,
			Priority: pc.Priority,
			Weight:   pc.Weight,
			Metadata: map[string]string{"model": pc.Model},
		}); err != nil {
			slog.Error("Failed to register LLM provider", "provider", name, "error", err)
			os.Exit(1)
		}
		slog.Info("LLM provider registered", "provider", name, "mode", pc.Mode, "capability", capability)
	}

	// Graph memory is served by the database-backed graph service.
	if err := reg.Register(registry.CapabilityMemory, registry.Provider{
		Name:     "graph",
		Instance: graphService,
	}); err != nil {
		slog.Error("Failed to register memory provider", "error", err)
		os.Exit(1)
	}

	// The API is itself an adapter: SPEAK deliveries to api/* channels.
	if err := reg.Register(registry.CapabilityCommunication, registry.Provider{
		Name:     "api",
		Instance: api.NewAdapter(nil),
	}); err != nil {
		slog.Error("Failed to register communication provider", "error", err)
		os.Exit(1)
	}

	// 5a. MCP tool servers
	var toolServers []*tools.Server
	for name, tc := range cfg.ToolServers {
		server := tools.NewServer(name, tc, nil)
		if err := server.Connect(ctx); err != nil {
			slog.Error("Tool server failed startup validation", "server", name, "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := server.Close(); err != nil {
				slog.Error("Error closing tool server", "server", server.Name(), "error", err)
			}
		}()
		if err := reg.Register(registry.CapabilityTool, registry.Provider{
			Name:     name,
			Instance: server,
			Priority: tc.Priority,
			Weight:   tc.Weight,
		}); err != nil {
			slog.Error("Failed to register tool provider", "server", name, "error", err)
			os.Exit(1)
		}
		toolServers = append(toolServers, server)
	}

	var healthMonitor *tools.HealthMonitor
	if len(toolServers) > 0 {
		healthMonitor = tools.NewHealthMonitor(toolServers, warningsService, nil)
		healthMonitor.Start(ctx)
		defer healthMonitor.Stop()
		slog.Info("Tool servers connected", "count", len(toolServers))
	}

	// 5b. Wisdom authorities
	for name, wc := range cfg.WiseProviders {
		var instance bus.WiseProvider
		switch wc.Mode {
		case config.WiseModeLocal:
			instance = wise.NewLocalAuthority(name, occurrenceID, ledger, nil)
		case config.WiseModeDeferral:
			instance = wise.NewDeferralQueue(name, nil)
		}
		if err := reg.Register(registry.CapabilityWiseAuthority, registry.Provider{
			Name:     name,
			Instance: instance,
			Priority: wc.Priority,
			Weight:   wc.Weight,
		}); err != nil {
			slog.Error("Failed to register wise provider", "provider", name, "error", err)
			os.Exit(1)
		}
	}

	// 6. Streaming infrastructure
	hub := events.NewHub(nil)
	connManager := events.NewConnectionManager(
		events.NewLedgerCatchup(ledger, occurrenceID), 10*time.Second, nil)

	// LISTEN/NOTIFY fan-out only exists on Postgres; on SQLite the hub and
	// connection manager broadcast in-process.
	var notifyListener *events.NotifyListener
	if dbConfig.Dialect == database.DialectPostgres {
		connString := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			dbConfig.Host, dbConfig.Port, dbConfig.User,
			dbConfig.Password, dbConfig.Database, dbConfig.SSLMode,
		)
		notifyListener = events.NewNotifyListener(connString, connManager, nil)
		if err := notifyListener.Start(ctx); err != nil {
			slog.Error("Failed to start notify listener", "error", err)
			os.Exit(1)
		}
		defer notifyListener.Stop(ctx)
		connManager.SetListener(notifyListener)
	}

	publisher := events.NewPublisher(hub, connManager, dbClient, nil)
	ledger.SetNotify(func(entry *models.AuditEntry) {
		publisher.AuditAppended(context.Background(), entry)
	})
	slog.Info("Streaming infrastructure initialized")

	// 7. Buses, evaluators, pipeline, processor
	buses := bus.New(bus.Deps{
		Registry:     reg,
		Correlations: correlationService,
		Messages:     messageService,
		Events:       publisher,
		Consent:      consentService,
	})
	defer buses.Close()

	identity := models.IdentitySnapshot{
		AgentID: cfg.Occurrence.AgentID,
		Name:    cfg.Occurrence.Name,
		Purpose: cfg.Occurrence.Purpose,
	}

	// The engine's Snapshot closure reads through the processor, which in
	// turn owns the engine; declare proc first so the closure can capture it.
	var proc *processor.Processor
	engine := pipeline.NewEngine(pipeline.Deps{
		Buses:       buses,
		Evaluators:  dma.New(buses.LLM, getEnv("CIRIS_DOMAIN", ""), nil),
		Conscience:  conscience.New(),
		Dispatcher:  handlers.NewDispatcher(buses, nil),
		Tasks:       taskService,
		Thoughts:    thoughtService,
		Audit:       ledger,
		Registry:    reg,
		Identity:    identity,
		Snapshot:    func() models.SystemSnapshot { return proc.Snapshot() },
		Constraints: cfg.Occurrence.Constraints,
	})

	proc = processor.New(processor.Deps{
		Config:       cfg.Processor,
		OccurrenceID: occurrenceID,
		Engine:       engine,
		Buses:        buses,
		Tasks:        taskService,
		Thoughts:     thoughtService,
		State:        stateService,
		Audit:        ledger,
		Identity:     identity,
		Events:       publisher,
	})

	if err := reg.Register(registry.CapabilityRuntimeControl, registry.Provider{
		Name:     "processor",
		Instance: proc,
	}); err != nil {
		slog.Error("Failed to register runtime control provider", "error", err)
		os.Exit(1)
	}

	// 8. Admission gate. Readiness requires first-run setup: at least one
	// user account must exist before the gate admits traffic.
	gateReady := func() bool {
		n, err := userService.CountUsers(ctx)
		return err == nil && n > 0
	}
	admission := gate.New(gate.Deps{
		Config:       cfg.Gate,
		OccurrenceID: occurrenceID,
		Consent:      consentService,
		Credit:       creditService,
		Tasks:        taskService,
		Audit:        ledger,
		Runtime:      proc,
		Ready:        gateReady,
	})

	// 9. Telemetry
	tracing := telemetry.SetupTracing(occurrenceID)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			slog.Error("Error shutting down tracing", "error", err)
		}
	}()

	telemetryService := telemetry.NewService(occurrenceID, proc, reg,
		taskService, correlationService, ledger, tracing, connManager.ActiveConnections)
	metricsRegistry := telemetry.NewRegistry(telemetry.NewRuntimeCollector(
		occurrenceID, proc, reg, taskService, correlationService,
		connManager.ActiveConnections, nil))

	// 10. Retention sweeps
	retentionService := retention.NewService(retention.Deps{
		Config:       cfg.Retention,
		OccurrenceID: occurrenceID,
		Consent:      consentService,
		Credit:       creditService,
		Graph:        graphService,
		Correlations: correlationService,
		Messages:     messageService,
		Users:        userService,
		DSAR:         dsarService,
		Audit:        ledger,
	})
	retentionService.Start(ctx)

	// 11. Start the processor: WAKEUP, identity confirmation, worker pool
	if err := proc.Start(ctx); err != nil {
		slog.Error("Failed to start processor", "error", err)
		os.Exit(1)
	}

	// 12. HTTP API server (non-blocking)
	httpServer := api.NewServer(api.Deps{
		Config:    cfg.API,
		Identity:  identity,
		DB:        dbClient,
		Gate:      admission,
		Buses:     buses,
		Runtime:   proc,
		Users:     userService,
		Tasks:     taskService,
		Thoughts:  thoughtService,
		Consent:   consentService,
		Credit:    creditService,
		Messages:  messageService,
		DSAR:      dsarService,
		Warnings:  warningsService,
		Telemetry: telemetryService,
		Metrics:   telemetry.Handler(metricsRegistry, nil),
		Hub:       hub,
		ConnMgr:   connManager,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	stats := cfg.Stats()
	slog.Info("CIRIS engine started",
		"occurrence_id", occurrenceID,
		"workers", cfg.Processor.WorkerCount,
		"llm_providers", stats.LLMProviders,
		"tool_servers", stats.ToolServers,
		"wise_providers", stats.WiseProviders)

	// 13. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 14. Graceful shutdown: stop intake first, drain workers, then close
	// the HTTP surface.
	retentionService.Stop()

	procDone := make(chan struct{})
	go func() {
		proc.Stop()
		close(procDone)
	}()
	select {
	case <-procDone:
		slog.Info("Processor stopped gracefully")
	case <-time.After(cfg.Processor.GracefulShutdownTimeout):
		slog.Warn("Processor shutdown timeout exceeded")
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
