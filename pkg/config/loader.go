package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// CIRISYAMLConfig represents the complete ciris.yaml file structure
type CIRISYAMLConfig struct {
	Occurrence    *OccurrenceConfig             `yaml:"occurrence"`
	Processor     *ProcessorConfig              `yaml:"processor"`
	Bus           *BusConfig                    `yaml:"bus"`
	Breaker       *BreakerConfig                `yaml:"breaker"`
	Gate          *GateConfig                   `yaml:"gate"`
	API           *APIConfig                    `yaml:"api"`
	Retention     *RetentionConfig              `yaml:"retention"`
	ToolServers   map[string]*ToolServerConfig  `yaml:"tool_servers"`
	WiseProviders map[string]*WiseProviderConfig `yaml:"wise_providers"`
}

// LLMProvidersYAMLConfig represents the llm-providers.yaml file structure
type LLMProvidersYAMLConfig struct {
	LLMProviders map[string]*LLMProviderConfig `yaml:"llm_providers"`
}

// Environment override variables applied after YAML load.
const (
	EnvOccurrenceID = "CIRIS_OCCURRENCE_ID"
	EnvDataDir      = "CIRIS_DATA_DIR"
	EnvListenAddr   = "CIRIS_LISTEN_ADDR"
)

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load YAML files from configDir
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Merge user values over built-in defaults
//  4. Apply environment overrides (occurrence id, data dir, listen addr)
//  5. Validate all configuration
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"occurrence", cfg.Occurrence.ID,
		"llm_providers", stats.LLMProviders,
		"tool_servers", stats.ToolServers,
		"wise_providers", stats.WiseProviders)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	cirisConfig, err := loader.loadCIRISYAML()
	if err != nil {
		return nil, NewLoadError("ciris.yaml", err)
	}

	llmProviders, err := loader.loadLLMProvidersYAML()
	if err != nil {
		return nil, NewLoadError("llm-providers.yaml", err)
	}

	// Merge user values over defaults (non-zero user values win).
	occurrence := DefaultOccurrenceConfig()
	processor := DefaultProcessorConfig()
	bus := DefaultBusConfig()
	breaker := DefaultBreakerConfig()
	gate := DefaultGateConfig()
	api := DefaultAPIConfig()
	retention := DefaultRetentionConfig()

	merges := []struct {
		dst, src any
	}{
		{occurrence, cirisConfig.Occurrence},
		{processor, cirisConfig.Processor},
		{bus, cirisConfig.Bus},
		{breaker, cirisConfig.Breaker},
		{gate, cirisConfig.Gate},
		{api, cirisConfig.API},
		{retention, cirisConfig.Retention},
	}
	for _, m := range merges {
		if isNilSection(m.src) {
			continue
		}
		if err := mergo.Merge(m.dst, m.src, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge configuration: %w", err)
		}
	}

	applyEnvOverrides(occurrence, api)

	// Default registry weights so selection math never divides by zero.
	for _, p := range llmProviders {
		if p.Weight == 0 {
			p.Weight = 1.0
		}
		if p.Capability == "" {
			p.Capability = "llm"
		}
	}
	for _, s := range cirisConfig.ToolServers {
		if s.Weight == 0 {
			s.Weight = 1.0
		}
	}
	for _, w := range cirisConfig.WiseProviders {
		if w.Weight == 0 {
			w.Weight = 1.0
		}
	}

	return &Config{
		configDir:     configDir,
		Occurrence:    occurrence,
		Processor:     processor,
		Bus:           bus,
		Breaker:       breaker,
		Gate:          gate,
		API:           api,
		Retention:     retention,
		LLMProviders:  llmProviders,
		ToolServers:   cirisConfig.ToolServers,
		WiseProviders: cirisConfig.WiseProviders,
	}, nil
}

// applyEnvOverrides lets deployment env win over YAML for the identity
// and bind settings that differ per occurrence.
func applyEnvOverrides(occurrence *OccurrenceConfig, api *APIConfig) {
	if v := os.Getenv(EnvOccurrenceID); v != "" {
		occurrence.ID = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		occurrence.DataDir = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		api.ListenAddr = v
	}
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadCIRISYAML() (*CIRISYAMLConfig, error) {
	var config CIRISYAMLConfig

	// Initialize maps to avoid nil maps
	config.ToolServers = make(map[string]*ToolServerConfig)
	config.WiseProviders = make(map[string]*WiseProviderConfig)

	if err := l.loadYAML("ciris.yaml", &config); err != nil {
		return nil, err
	}

	return &config, nil
}

// loadLLMProvidersYAML loads the provider file. A missing file yields the
// built-in scripted provider so first-run development works out of the box.
func (l *configLoader) loadLLMProvidersYAML() (map[string]*LLMProviderConfig, error) {
	var config LLMProvidersYAMLConfig
	config.LLMProviders = make(map[string]*LLMProviderConfig)

	if err := l.loadYAML("llm-providers.yaml", &config); err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			return map[string]*LLMProviderConfig{
				"scripted-default": {Mode: LLMModeScripted, Model: "scripted", Weight: 1.0, Capability: "llm"},
			}, nil
		}
		return nil, err
	}

	return config.LLMProviders, nil
}

func isNilSection(v any) bool {
	switch p := v.(type) {
	case *OccurrenceConfig:
		return p == nil
	case *ProcessorConfig:
		return p == nil
	case *BusConfig:
		return p == nil
	case *BreakerConfig:
		return p == nil
	case *GateConfig:
		return p == nil
	case *APIConfig:
		return p == nil
	case *RetentionConfig:
		return p == nil
	}
	return v == nil
}
