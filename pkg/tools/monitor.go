package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cirisai/ciris-engine/pkg/services"
)

// Health check constants.
const (
	// HealthInterval is the probe loop interval.
	HealthInterval = 15 * time.Second

	// HealthPingTimeout bounds one probe.
	HealthPingTimeout = 5 * time.Second
)

// HealthStatus is the probe result for one tool server.
type HealthStatus struct {
	Server    string    `json:"server"`
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
	Error     string    `json:"error,omitempty"`
	ToolCount int       `json:"tool_count"`
}

// HealthMonitor probes every tool server with a catalogue fetch on an
// interval and raises system warnings for servers that stop answering.
type HealthMonitor struct {
	servers  []*Server
	warnings *services.SystemWarningsService
	logger   *slog.Logger

	interval    time.Duration
	pingTimeout time.Duration

	mu       sync.RWMutex
	statuses map[string]*HealthStatus

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewHealthMonitor creates a monitor over the given servers.
func NewHealthMonitor(servers []*Server, warnings *services.SystemWarningsService, logger *slog.Logger) *HealthMonitor {
	if warnings == nil {
		panic("tools.NewHealthMonitor: warnings service must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthMonitor{
		servers:     servers,
		warnings:    warnings,
		logger:      logger.With("component", "tool_health"),
		interval:    HealthInterval,
		pingTimeout: HealthPingTimeout,
		statuses:    make(map[string]*HealthStatus),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the probe loop. The first sweep runs immediately.
func (m *HealthMonitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

// Stop halts the loop and waits for it to exit.
func (m *HealthMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	<-m.done
}

func (m *HealthMonitor) loop(ctx context.Context) {
	defer close(m.done)

	m.checkAll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *HealthMonitor) checkAll(ctx context.Context) {
	for _, server := range m.servers {
		m.checkServer(ctx, server)
	}
}

func (m *HealthMonitor) checkServer(ctx context.Context, server *Server) {
	// Invalidate so the probe exercises the connection, not the cache.
	server.InvalidateCache()

	checkCtx, cancel := context.WithTimeout(ctx, m.pingTimeout)
	defer cancel()

	tools, err := server.ListTools(checkCtx)
	if err != nil {
		m.setStatus(server.Name(), false, err.Error(), 0)
		m.warnings.AddWarning(
			services.WarningCategoryToolHealth,
			fmt.Sprintf("tool server %q is unhealthy", server.Name()),
			err.Error(), server.Name())
		m.logger.Warn("Tool server failed health probe", "server", server.Name(), "error", err)
		return
	}

	m.setStatus(server.Name(), true, "", len(tools))
	m.warnings.ClearBySourceID(services.WarningCategoryToolHealth, server.Name())
}

func (m *HealthMonitor) setStatus(name string, healthy bool, errMsg string, toolCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[name] = &HealthStatus{
		Server:    name,
		Healthy:   healthy,
		LastCheck: time.Now().UTC(),
		Error:     errMsg,
		ToolCount: toolCount,
	}
}

// Statuses returns a copy of the current per-server statuses.
func (m *HealthMonitor) Statuses() map[string]*HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*HealthStatus, len(m.statuses))
	for k, v := range m.statuses {
		cp := *v
		out[k] = &cp
	}
	return out
}

// IsHealthy reports whether every monitored server passed its last probe.
// False before the first sweep completes.
func (m *HealthMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.statuses) == 0 {
		return len(m.servers) == 0
	}
	for _, s := range m.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}
