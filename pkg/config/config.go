package config

// Config is the umbrella configuration object returned by Initialize() and
// threaded through the application. It bundles the occurrence identity,
// infrastructure settings, and the provider configurations built from YAML.
type Config struct {
	configDir string

	// Occurrence identity and data directory
	Occurrence *OccurrenceConfig

	// Processor and worker pool configuration
	Processor *ProcessorConfig

	// Bus call policy (deadlines, retry)
	Bus *BusConfig

	// Circuit breaker policy for the service registry
	Breaker *BreakerConfig

	// Admission gate configuration
	Gate *GateConfig

	// HTTP API configuration
	API *APIConfig

	// Retention sweeps (consent TTL/decay, correlation pruning)
	Retention *RetentionConfig

	// Provider configurations
	LLMProviders  map[string]*LLMProviderConfig
	ToolServers   map[string]*ToolServerConfig
	WiseProviders map[string]*WiseProviderConfig
}

// Stats contains statistics about loaded configuration
type Stats struct {
	LLMProviders  int
	ToolServers   int
	WiseProviders int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	return Stats{
		LLMProviders:  len(c.LLMProviders),
		ToolServers:   len(c.ToolServers),
		WiseProviders: len(c.WiseProviders),
	}
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// GetLLMProvider retrieves an LLM provider configuration by name.
func (c *Config) GetLLMProvider(name string) (*LLMProviderConfig, error) {
	p, ok := c.LLMProviders[name]
	if !ok {
		return nil, NewValidationError("llm_provider", name, "", ErrProviderNotFound)
	}
	return p, nil
}

// GetToolServer retrieves a tool server configuration by id.
func (c *Config) GetToolServer(id string) (*ToolServerConfig, error) {
	s, ok := c.ToolServers[id]
	if !ok {
		return nil, NewValidationError("tool_server", id, "", ErrToolServerNotFound)
	}
	return s, nil
}

// ToolServerIDs returns the ids of all enabled tool servers.
func (c *Config) ToolServerIDs() []string {
	ids := make([]string, 0, len(c.ToolServers))
	for id, s := range c.ToolServers {
		if s.Enabled == nil || *s.Enabled {
			ids = append(ids, id)
		}
	}
	return ids
}
