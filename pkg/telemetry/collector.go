package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cirisai/ciris-engine/pkg/registry"
	"github.com/cirisai/ciris-engine/pkg/services"
)

// scrapeTimeout bounds the DB queries behind one Prometheus scrape.
const scrapeTimeout = 5 * time.Second

// usageWindow is the lookback for token and audit aggregates.
const usageWindow = 24 * time.Hour

// RuntimeCollector derives agent metrics at scrape time. Runtime state comes
// from in-memory accessors; queue depth, token usage, and audit counts come
// from the store, so a scrape costs a handful of aggregate queries.
type RuntimeCollector struct {
	occurrenceID string
	runtime      Runtime
	providers    ProviderHealthSource
	tasks        *services.TaskService
	correlations *services.CorrelationService
	wsClients    func() int
	logger       *slog.Logger

	secondsPerThought *prometheus.Desc
	activeTasks       *prometheus.Desc
	paused            *prometheus.Desc
	intakeOpen        *prometheus.Desc
	tasksByStatus     *prometheus.Desc
	circuitState      *prometheus.Desc
	circuitFailures   *prometheus.Desc
	promptTokens      *prometheus.Desc
	completionTokens  *prometheus.Desc
	costUSD           *prometheus.Desc
	wsConnections     *prometheus.Desc
}

// NewRuntimeCollector wires the collector. wsClients may be nil when no
// WebSocket surface exists.
func NewRuntimeCollector(
	occurrenceID string,
	runtime Runtime,
	providers ProviderHealthSource,
	tasks *services.TaskService,
	correlations *services.CorrelationService,
	wsClients func() int,
	logger *slog.Logger,
) *RuntimeCollector {
	if runtime == nil || providers == nil || tasks == nil || correlations == nil {
		panic("telemetry.NewRuntimeCollector: runtime, providers, tasks, and correlations are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	occ := []string{"occurrence_id"}
	return &RuntimeCollector{
		occurrenceID: occurrenceID,
		runtime:      runtime,
		providers:    providers,
		tasks:        tasks,
		correlations: correlations,
		wsClients:    wsClients,
		logger:       logger.With("component", "telemetry"),

		secondsPerThought: prometheus.NewDesc("ciris_seconds_per_thought",
			"Rolling mean wall time of recently completed thoughts.", occ, nil),
		activeTasks: prometheus.NewDesc("ciris_active_tasks",
			"Tasks currently being processed by workers.", occ, nil),
		paused: prometheus.NewDesc("ciris_processor_paused",
			"1 while the processor is paused at step boundaries.", occ, nil),
		intakeOpen: prometheus.NewDesc("ciris_intake_open",
			"1 while the gate admits new tasks.", occ, nil),
		tasksByStatus: prometheus.NewDesc("ciris_tasks",
			"Task count by status.", []string{"occurrence_id", "status"}, nil),
		circuitState: prometheus.NewDesc("ciris_provider_circuit_state",
			"Provider circuit state: 0 closed, 1 half-open, 2 open.",
			[]string{"capability", "provider"}, nil),
		circuitFailures: prometheus.NewDesc("ciris_provider_consecutive_failures",
			"Consecutive failures recorded against a provider.",
			[]string{"capability", "provider"}, nil),
		promptTokens: prometheus.NewDesc("ciris_llm_prompt_tokens_24h",
			"Prompt tokens consumed in the last 24 hours.", occ, nil),
		completionTokens: prometheus.NewDesc("ciris_llm_completion_tokens_24h",
			"Completion tokens consumed in the last 24 hours.", occ, nil),
		costUSD: prometheus.NewDesc("ciris_llm_cost_usd_24h",
			"Estimated LLM spend in the last 24 hours.", occ, nil),
		wsConnections: prometheus.NewDesc("ciris_websocket_connections",
			"Connected WebSocket event clients.", occ, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *RuntimeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.secondsPerThought
	ch <- c.activeTasks
	ch <- c.paused
	ch <- c.intakeOpen
	ch <- c.tasksByStatus
	ch <- c.circuitState
	ch <- c.circuitFailures
	ch <- c.promptTokens
	ch <- c.completionTokens
	ch <- c.costUSD
	ch <- c.wsConnections
}

// Collect implements prometheus.Collector. Store failures drop the affected
// metrics from the scrape instead of failing it.
func (c *RuntimeCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	snap := c.runtime.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.secondsPerThought, prometheus.GaugeValue,
		snap.SecondsPerThought, c.occurrenceID)
	ch <- prometheus.MustNewConstMetric(c.activeTasks, prometheus.GaugeValue,
		float64(snap.ActiveTasks), c.occurrenceID)
	ch <- prometheus.MustNewConstMetric(c.paused, prometheus.GaugeValue,
		boolGauge(snap.Paused), c.occurrenceID)
	ch <- prometheus.MustNewConstMetric(c.intakeOpen, prometheus.GaugeValue,
		boolGauge(c.runtime.IntakeOpen()), c.occurrenceID)

	for _, h := range c.providers.Health() {
		ch <- prometheus.MustNewConstMetric(c.circuitState, prometheus.GaugeValue,
			circuitGauge(h.Circuit), string(h.Capability), h.Name)
		ch <- prometheus.MustNewConstMetric(c.circuitFailures, prometheus.GaugeValue,
			float64(h.Failures), string(h.Capability), h.Name)
	}

	if c.wsClients != nil {
		ch <- prometheus.MustNewConstMetric(c.wsConnections, prometheus.GaugeValue,
			float64(c.wsClients()), c.occurrenceID)
	}

	if counts, err := c.tasks.CountByStatus(ctx, c.occurrenceID); err != nil {
		c.logger.Warn("Task count scrape failed", "error", err)
	} else {
		for status, n := range counts {
			ch <- prometheus.MustNewConstMetric(c.tasksByStatus, prometheus.GaugeValue,
				float64(n), c.occurrenceID, string(status))
		}
	}

	if usage, err := c.correlations.TokenTotalsSince(ctx, time.Now().UTC().Add(-usageWindow)); err != nil {
		c.logger.Warn("Token usage scrape failed", "error", err)
	} else {
		ch <- prometheus.MustNewConstMetric(c.promptTokens, prometheus.GaugeValue,
			float64(usage.PromptTokens), c.occurrenceID)
		ch <- prometheus.MustNewConstMetric(c.completionTokens, prometheus.GaugeValue,
			float64(usage.CompletionTokens), c.occurrenceID)
		ch <- prometheus.MustNewConstMetric(c.costUSD, prometheus.GaugeValue,
			usage.CostUSD, c.occurrenceID)
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func circuitGauge(state registry.BreakerState) float64 {
	switch state {
	case registry.BreakerHalfOpen:
		return 1
	case registry.BreakerOpen:
		return 2
	default:
		return 0
	}
}

var _ prometheus.Collector = (*RuntimeCollector)(nil)
