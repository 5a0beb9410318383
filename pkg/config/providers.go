package config

// LLMProviderConfig describes one LLM provider registered on the LLM
// capability at startup.
type LLMProviderConfig struct {
	// Mode selects the backing implementation.
	Mode LLMProviderMode `yaml:"mode"`

	// Model is the advertised model name (recorded in correlations).
	Model string `yaml:"model"`

	// Capability the provider registers under. Defaults to "llm"; a
	// secondary capability here makes the provider a fallback target.
	Capability string `yaml:"capability,omitempty"`

	// Priority (lower = stronger) and Weight feed registry selection.
	Priority int     `yaml:"priority"`
	Weight   float64 `yaml:"weight"`

	// Strategy overrides the capability's selection strategy.
	Strategy SelectionStrategy `yaml:"strategy,omitempty"`

	// APIKeyEnv names the env var holding credentials for external mode.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// BaseURL is the chat-completions endpoint base for external mode.
	BaseURL string `yaml:"base_url,omitempty"`
}

// ToolServerConfig describes one MCP tool server the Tool Bus connects to.
type ToolServerConfig struct {
	// Transport selects stdio or http.
	Transport TransportType `yaml:"transport"`

	// Command + Args launch a stdio server.
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`

	// URL is the endpoint for http transport.
	URL string `yaml:"url,omitempty"`

	// Env vars passed to a stdio subprocess, values env-expanded.
	Env map[string]string `yaml:"env,omitempty"`

	// AllowedTools restricts the exposed tools; empty means all.
	AllowedTools []string `yaml:"allowed_tools,omitempty"`

	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled,omitempty"`

	// Priority and Weight feed registry selection for the tool capability.
	Priority int     `yaml:"priority"`
	Weight   float64 `yaml:"weight"`
}

// WiseProviderConfig describes one wisdom authority on the Wise Bus.
type WiseProviderConfig struct {
	// Mode selects local policy answers or a deferral queue.
	Mode WiseProviderMode `yaml:"mode"`

	// Capabilities the provider declares it can advise on. Requests whose
	// declared capability is in the prohibited set never reach providers
	// regardless of what is listed here.
	Capabilities []string `yaml:"capabilities,omitempty"`

	Priority int     `yaml:"priority"`
	Weight   float64 `yaml:"weight"`
}
