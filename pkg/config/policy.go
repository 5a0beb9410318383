package config

import "time"

// BusConfig contains the shared call policy applied by every bus.
type BusConfig struct {
	// CallTimeout is the per-call deadline when the round deadline leaves
	// more headroom than this.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// RetryMaxAttempts bounds retries of retryable failures (timeouts,
	// transient provider errors). 1 means no retry.
	RetryMaxAttempts int `yaml:"retry_max_attempts"`

	// RetryInitialBackoff is the first retry delay; doubles per attempt.
	RetryInitialBackoff time.Duration `yaml:"retry_initial_backoff"`

	// RetryMaxBackoff caps the per-attempt delay.
	RetryMaxBackoff time.Duration `yaml:"retry_max_backoff"`

	// LLMFallbackCapability is consulted when every provider of the
	// primary LLM capability has an open circuit. Empty disables fallback.
	LLMFallbackCapability string `yaml:"llm_fallback_capability"`
}

// DefaultBusConfig returns the built-in bus policy defaults.
func DefaultBusConfig() *BusConfig {
	return &BusConfig{
		CallTimeout:         30 * time.Second,
		RetryMaxAttempts:    2,
		RetryInitialBackoff: 200 * time.Millisecond,
		RetryMaxBackoff:     2 * time.Second,
	}
}

// BreakerConfig contains circuit breaker thresholds for the service
// registry.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens a
	// provider's circuit.
	FailureThreshold int `yaml:"failure_threshold"`

	// Cooldown is the initial open duration before half-open.
	Cooldown time.Duration `yaml:"cooldown"`

	// MaxCooldown caps the exponential reopen backoff.
	MaxCooldown time.Duration `yaml:"max_cooldown"`
}

// DefaultBreakerConfig returns the built-in breaker defaults.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		MaxCooldown:      10 * time.Minute,
	}
}

// GateConfig contains admission gate settings.
type GateConfig struct {
	// InitialCredits is the balance granted to a newly seen subject.
	InitialCredits int64 `yaml:"initial_credits"`

	// InteractionCost is the upfront debit per accepted interaction.
	InteractionCost int64 `yaml:"interaction_cost"`

	// ScrubEnabled toggles the anti-spoofing scrubber. Always on outside
	// of tests.
	ScrubEnabled *bool `yaml:"scrub_enabled,omitempty"`
}

// DefaultGateConfig returns the built-in gate defaults.
func DefaultGateConfig() *GateConfig {
	return &GateConfig{
		InitialCredits:  10,
		InteractionCost: 1,
	}
}
