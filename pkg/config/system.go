package config

import "time"

// OccurrenceConfig identifies this running occurrence of the agent and
// where it keeps local state.
type OccurrenceConfig struct {
	// ID is the unique occurrence id. Multiple occurrences of one agent
	// identity share storage and audit log but never each other's tasks.
	ID string `yaml:"id"`

	// AgentID is the shared agent identity.
	AgentID string `yaml:"agent_id"`

	// DataDir holds the embedded database, signing keys, and exports.
	DataDir string `yaml:"data_dir"`

	// Name is the agent's human-readable name, confirmed into graph
	// memory during WAKEUP.
	Name string `yaml:"name"`

	// Purpose states what this agent is for. Part of the standing
	// identity.
	Purpose string `yaml:"purpose"`

	// Constraints are standing behavioral constraints carried verbatim
	// into every context bundle.
	Constraints []string `yaml:"constraints"`
}

// DefaultOccurrenceConfig returns the built-in occurrence defaults.
func DefaultOccurrenceConfig() *OccurrenceConfig {
	return &OccurrenceConfig{
		ID:      "default",
		AgentID: "ciris",
		DataDir: "./data",
		Name:    "CIRIS",
		Purpose: "Assist the communities this occurrence serves, within its covenant.",
	}
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	// ListenAddr is the host:port the API server binds to.
	ListenAddr string `yaml:"listen_addr"`

	// AllowedWSOrigins lists additional WebSocket origin patterns.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`

	// TokenTTL is the lifetime of issued access tokens.
	TokenTTL time.Duration `yaml:"token_ttl"`

	// InteractTimeout bounds how long POST /agent/interact waits for the
	// first SPEAK before returning task_id only.
	InteractTimeout time.Duration `yaml:"interact_timeout"`

	// EmergencyPublicKey is the hex-encoded Ed25519 verifying key for
	// emergency shutdown requests. Distributed out of band.
	EmergencyPublicKey string `yaml:"emergency_public_key"`
}

// DefaultAPIConfig returns the built-in API defaults.
func DefaultAPIConfig() *APIConfig {
	return &APIConfig{
		ListenAddr:      ":8080",
		TokenTTL:        8 * time.Hour,
		InteractTimeout: 30 * time.Second,
	}
}

// RetentionConfig controls the background retention sweeps.
type RetentionConfig struct {
	// SweepInterval is how often the retention service runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// CorrelationRetention is how long correlations are kept.
	CorrelationRetention time.Duration `yaml:"correlation_retention"`

	// ChannelMessageRetention is how long channel history is kept.
	ChannelMessageRetention time.Duration `yaml:"channel_message_retention"`

	// DecayBatchSize bounds how many rows one decay pass anonymizes.
	DecayBatchSize int `yaml:"decay_batch_size"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		SweepInterval:           1 * time.Hour,
		CorrelationRetention:    90 * 24 * time.Hour,
		ChannelMessageRetention: 30 * 24 * time.Hour,
		DecayBatchSize:          500,
	}
}
