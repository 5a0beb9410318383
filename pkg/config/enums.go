package config

// SelectionStrategy defines how the registry picks among eligible providers
// of one capability
type SelectionStrategy string

const (
	// SelectionPriority picks the lowest priority integer, ties broken by
	// weight then round-robin cursor (default)
	SelectionPriority SelectionStrategy = "priority"
	// SelectionRoundRobin rotates through eligible providers
	SelectionRoundRobin SelectionStrategy = "round_robin"
	// SelectionWeightedRandom samples proportional to provider weight
	SelectionWeightedRandom SelectionStrategy = "weighted_random"
)

// IsValid checks if the selection strategy is valid
func (s SelectionStrategy) IsValid() bool {
	switch s {
	case SelectionPriority, SelectionRoundRobin, SelectionWeightedRandom:
		return true
	default:
		return false
	}
}

// TransportType defines tool server transport types
type TransportType string

const (
	// TransportTypeStdio uses subprocess communication via stdin/stdout
	TransportTypeStdio TransportType = "stdio"
	// TransportTypeHTTP uses streamable HTTP JSON-RPC
	TransportTypeHTTP TransportType = "http"
)

// IsValid checks if the transport type is valid
func (t TransportType) IsValid() bool {
	return t == TransportTypeStdio || t == TransportTypeHTTP
}

// LLMProviderMode defines how an LLM provider entry is backed
type LLMProviderMode string

const (
	// LLMModeScripted is the deterministic rule-driven provider used for
	// development and tests; no external calls
	LLMModeScripted LLMProviderMode = "scripted"
	// LLMModeExternal marks a provider served by an out-of-process
	// integration registered at wiring time
	LLMModeExternal LLMProviderMode = "external"
)

// IsValid checks if the LLM provider mode is valid
func (m LLMProviderMode) IsValid() bool {
	return m == LLMModeScripted || m == LLMModeExternal
}

// WiseProviderMode defines how a wisdom authority entry is backed
type WiseProviderMode string

const (
	// WiseModeLocal answers guidance requests from local policy
	WiseModeLocal WiseProviderMode = "local"
	// WiseModeDeferral records deferrals for a human authority queue
	WiseModeDeferral WiseProviderMode = "deferral"
)

// IsValid checks if the wise provider mode is valid
func (m WiseProviderMode) IsValid() bool {
	return m == WiseModeLocal || m == WiseModeDeferral
}
