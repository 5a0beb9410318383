// Package telemetry exposes the runtime's observable state three ways: a
// Prometheus registry scraped at /metrics, an OpenTelemetry tracer provider
// for pipeline and bus spans, and a unified JSON snapshot merging runtime,
// queue, provider, and usage figures for /telemetry/unified.
package telemetry

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/cirisai/ciris-engine/pkg/registry"
)

// Runtime is the processor's observable surface. Satisfied by
// *processor.Processor.
type Runtime interface {
	Snapshot() models.SystemSnapshot
	IntakeOpen() bool
}

// ProviderHealthSource reports circuit state per registered provider.
// Satisfied by *registry.Registry.
type ProviderHealthSource interface {
	Health() []registry.ProviderHealth
}

// NewRegistry builds the process metrics registry: Go runtime and process
// collectors plus the agent runtime collector.
func NewRegistry(rc *RuntimeCollector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if rc != nil {
		reg.MustRegister(rc)
	}
	return reg
}

// Handler returns the Prometheus exposition handler for a registry.
func Handler(reg *prometheus.Registry, logger *slog.Logger) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: slogPromLogger{logger: logger},
	})
}

// slogPromLogger adapts slog to promhttp's error logger.
type slogPromLogger struct {
	logger *slog.Logger
}

func (l slogPromLogger) Println(v ...any) {
	if l.logger != nil {
		l.logger.Error("Metrics exposition error", "detail", v)
	}
}
