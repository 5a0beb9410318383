package config

import (
	"encoding/hex"
	"fmt"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateOccurrence(); err != nil {
		return fmt.Errorf("occurrence validation failed: %w", err)
	}
	if err := v.validateProcessor(); err != nil {
		return fmt.Errorf("processor validation failed: %w", err)
	}
	if err := v.validateBusAndBreaker(); err != nil {
		return fmt.Errorf("bus/breaker validation failed: %w", err)
	}
	if err := v.validateGate(); err != nil {
		return fmt.Errorf("gate validation failed: %w", err)
	}
	if err := v.validateAPI(); err != nil {
		return fmt.Errorf("API validation failed: %w", err)
	}
	if err := v.validateLLMProviders(); err != nil {
		return fmt.Errorf("LLM provider validation failed: %w", err)
	}
	if err := v.validateToolServers(); err != nil {
		return fmt.Errorf("tool server validation failed: %w", err)
	}
	if err := v.validateWiseProviders(); err != nil {
		return fmt.Errorf("wise provider validation failed: %w", err)
	}
	return nil
}

func (v *ConfigValidator) validateOccurrence() error {
	occ := v.cfg.Occurrence
	if occ.ID == "" {
		return NewValidationError("occurrence", "occurrence", "id", ErrMissingRequiredField)
	}
	if occ.AgentID == "" {
		return NewValidationError("occurrence", occ.ID, "agent_id", ErrMissingRequiredField)
	}
	if occ.DataDir == "" {
		return NewValidationError("occurrence", occ.ID, "data_dir", ErrMissingRequiredField)
	}
	return nil
}

func (v *ConfigValidator) validateProcessor() error {
	p := v.cfg.Processor
	if p.WorkerCount < 1 {
		return NewValidationError("processor", "processor", "worker_count", fmt.Errorf("must be at least 1"))
	}
	if p.MaxConcurrentThoughts < 1 {
		return NewValidationError("processor", "processor", "max_concurrent_thoughts", fmt.Errorf("must be at least 1"))
	}
	if p.RoundTimeout <= 0 {
		return NewValidationError("processor", "processor", "round_timeout", fmt.Errorf("must be positive"))
	}
	if p.QueueLowWater > p.QueueHighWater {
		return NewValidationError("processor", "processor", "queue_low_water",
			fmt.Errorf("must not exceed queue_high_water (%d > %d)", p.QueueLowWater, p.QueueHighWater))
	}
	if p.MetricsWindow < 1 || p.MetricsWindow > 100 {
		return NewValidationError("processor", "processor", "metrics_window",
			fmt.Errorf("must be in 1..100, got %d", p.MetricsWindow))
	}
	return nil
}

func (v *ConfigValidator) validateBusAndBreaker() error {
	b := v.cfg.Bus
	if b.CallTimeout <= 0 {
		return NewValidationError("bus", "bus", "call_timeout", fmt.Errorf("must be positive"))
	}
	if b.RetryMaxAttempts < 1 {
		return NewValidationError("bus", "bus", "retry_max_attempts", fmt.Errorf("must be at least 1"))
	}
	cb := v.cfg.Breaker
	if cb.FailureThreshold < 1 {
		return NewValidationError("breaker", "breaker", "failure_threshold", fmt.Errorf("must be at least 1"))
	}
	if cb.Cooldown <= 0 || cb.MaxCooldown < cb.Cooldown {
		return NewValidationError("breaker", "breaker", "cooldown",
			fmt.Errorf("cooldown must be positive and max_cooldown >= cooldown"))
	}
	return nil
}

func (v *ConfigValidator) validateGate() error {
	g := v.cfg.Gate
	if g.InitialCredits < 0 {
		return NewValidationError("gate", "gate", "initial_credits", fmt.Errorf("must not be negative"))
	}
	if g.InteractionCost < 0 {
		return NewValidationError("gate", "gate", "interaction_cost", fmt.Errorf("must not be negative"))
	}
	return nil
}

func (v *ConfigValidator) validateAPI() error {
	a := v.cfg.API
	if a.ListenAddr == "" {
		return NewValidationError("api", "api", "listen_addr", ErrMissingRequiredField)
	}
	if a.EmergencyPublicKey != "" {
		raw, err := hex.DecodeString(a.EmergencyPublicKey)
		if err != nil {
			return NewValidationError("api", "api", "emergency_public_key", fmt.Errorf("not valid hex: %v", err))
		}
		if len(raw) != 32 {
			return NewValidationError("api", "api", "emergency_public_key",
				fmt.Errorf("expected 32-byte Ed25519 key, got %d bytes", len(raw)))
		}
	}
	return nil
}

func (v *ConfigValidator) validateLLMProviders() error {
	if len(v.cfg.LLMProviders) == 0 {
		return NewValidationError("llm_provider", "llm_providers", "", fmt.Errorf("at least one LLM provider required"))
	}
	for name, p := range v.cfg.LLMProviders {
		if !p.Mode.IsValid() {
			return NewValidationError("llm_provider", name, "mode", fmt.Errorf("invalid mode: %s", p.Mode))
		}
		if p.Mode == LLMModeExternal && p.APIKeyEnv == "" {
			return NewValidationError("llm_provider", name, "api_key_env", ErrMissingRequiredField)
		}
		if p.Mode == LLMModeExternal && p.BaseURL == "" {
			return NewValidationError("llm_provider", name, "base_url", ErrMissingRequiredField)
		}
		if p.Strategy != "" && !p.Strategy.IsValid() {
			return NewValidationError("llm_provider", name, "strategy", fmt.Errorf("invalid strategy: %s", p.Strategy))
		}
		if p.Weight < 0 {
			return NewValidationError("llm_provider", name, "weight", fmt.Errorf("must not be negative"))
		}
	}
	return nil
}

func (v *ConfigValidator) validateToolServers() error {
	for id, s := range v.cfg.ToolServers {
		if !s.Transport.IsValid() {
			return NewValidationError("tool_server", id, "transport", fmt.Errorf("invalid transport: %s", s.Transport))
		}
		switch s.Transport {
		case TransportTypeStdio:
			if s.Command == "" {
				return NewValidationError("tool_server", id, "command", ErrMissingRequiredField)
			}
		case TransportTypeHTTP:
			if s.URL == "" {
				return NewValidationError("tool_server", id, "url", ErrMissingRequiredField)
			}
		}
	}
	return nil
}

func (v *ConfigValidator) validateWiseProviders() error {
	for name, w := range v.cfg.WiseProviders {
		if !w.Mode.IsValid() {
			return NewValidationError("wise_provider", name, "mode", fmt.Errorf("invalid mode: %s", w.Mode))
		}
	}
	return nil
}
