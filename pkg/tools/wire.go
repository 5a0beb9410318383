package tools

import (
	"log/slog"
	"sort"

	"github.com/cirisai/ciris-engine/pkg/config"
	"github.com/cirisai/ciris-engine/pkg/registry"
)

// RegisterAll builds a Server per enabled tool server config and registers
// each on the tool capability. Connection is lazy, so registration succeeds
// even while a server is down; its breaker opens on first failing calls
// instead. Returns the servers for lifecycle management (health monitor,
// shutdown).
func RegisterAll(reg *registry.Registry, configs map[string]*config.ToolServerConfig, logger *slog.Logger) ([]*Server, error) {
	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)

	servers := make([]*Server, 0, len(configs))
	for _, name := range names {
		cfg := configs[name]
		if cfg.Enabled != nil && !*cfg.Enabled {
			continue
		}
		server := NewServer(name, cfg, logger)
		err := reg.Register(registry.CapabilityTool, registry.Provider{
			Name:     name,
			Instance: server,
			Priority: cfg.Priority,
			Weight:   cfg.Weight,
		})
		if err != nil {
			return nil, err
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// CloseAll shuts every server down, returning the first error.
func CloseAll(servers []*Server) error {
	var firstErr error
	for _, s := range servers {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
