package config

import "time"

// ProcessorConfig contains round loop and worker pool configuration.
// These values control how ready thoughts are polled, claimed, and run
// through the pipeline.
type ProcessorConfig struct {
	// WorkerCount is the number of worker goroutines in this occurrence.
	// Each worker independently claims and processes thoughts.
	WorkerCount int `yaml:"worker_count"`

	// MaxConcurrentThoughts is the per-occurrence limit of thoughts in the
	// pipeline at once.
	MaxConcurrentThoughts int `yaml:"max_concurrent_thoughts"`

	// PollInterval is the base interval for checking ready thoughts.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// RoundTimeout is the deadline for one full pipeline traversal; every
	// bus call inside the round inherits it.
	RoundTimeout time.Duration `yaml:"round_timeout"`

	// GracefulShutdownTimeout is the max time to wait for in-flight
	// thoughts to finish during shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// QueueHighWater pauses adapter intake when ready thoughts exceed it;
	// QueueLowWater resumes intake.
	QueueHighWater int `yaml:"queue_high_water"`
	QueueLowWater  int `yaml:"queue_low_water"`

	// MetricsWindow is the number of recent completed thoughts the
	// seconds-per-thought rolling mean covers.
	MetricsWindow int `yaml:"metrics_window"`
}

// DefaultProcessorConfig returns the built-in processor defaults.
func DefaultProcessorConfig() *ProcessorConfig {
	return &ProcessorConfig{
		WorkerCount:             3,
		MaxConcurrentThoughts:   3,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		RoundTimeout:            2 * time.Minute,
		GracefulShutdownTimeout: 2 * time.Minute,
		QueueHighWater:          50,
		QueueLowWater:           20,
		MetricsWindow:           100,
	}
}
