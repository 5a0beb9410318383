package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cirisai/ciris-engine/pkg/audit"
	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/cirisai/ciris-engine/pkg/registry"
	"github.com/cirisai/ciris-engine/pkg/services"
	"github.com/cirisai/ciris-engine/pkg/version"
)

// UnifiedSnapshot merges the runtime's observable state into one document
// for GET /telemetry/unified.
type UnifiedSnapshot struct {
	OccurrenceID  string                    `json:"occurrence_id"`
	Version       string                    `json:"version"`
	UptimeSeconds float64                   `json:"uptime_seconds"`
	Runtime       models.SystemSnapshot     `json:"runtime"`
	IntakeOpen    bool                      `json:"intake_open"`
	Tasks         map[string]int            `json:"tasks"`
	Providers     []registry.ProviderHealth `json:"providers"`
	Tokens24h     *models.TokenUsage        `json:"tokens_24h,omitempty"`
	Audit24h      map[string]int            `json:"audit_24h,omitempty"`
	Spans         SpanStats                 `json:"spans"`
	WSConnections int                       `json:"websocket_connections"`
	GeneratedAt   time.Time                 `json:"generated_at"`
}

// TransparencyFeed is the public, unauthenticated statistics surface. It
// carries aggregates only, never content or subject identifiers.
type TransparencyFeed struct {
	WindowHours    int            `json:"window_hours"`
	ActionCounts   map[string]int `json:"action_counts"`
	TasksCompleted int            `json:"tasks_completed"`
	TasksDeferred  int            `json:"tasks_deferred"`
	DeferralRate   float64        `json:"deferral_rate"`
	GateRejections int            `json:"gate_rejections"`
	GeneratedAt    time.Time      `json:"generated_at"`
}

// Service assembles telemetry documents on demand.
type Service struct {
	occurrenceID string
	startedAt    time.Time
	runtime      Runtime
	providers    ProviderHealthSource
	tasks        *services.TaskService
	correlations *services.CorrelationService
	ledger       *audit.Ledger
	tracing      *Tracing
	wsClients    func() int
}

// NewService wires the snapshot assembler. tracing and wsClients may be nil.
func NewService(
	occurrenceID string,
	runtime Runtime,
	providers ProviderHealthSource,
	tasks *services.TaskService,
	correlations *services.CorrelationService,
	ledger *audit.Ledger,
	tracing *Tracing,
	wsClients func() int,
) *Service {
	if runtime == nil || providers == nil || tasks == nil || correlations == nil || ledger == nil {
		panic("telemetry.NewService: runtime, providers, tasks, correlations, and ledger are required")
	}
	return &Service{
		occurrenceID: occurrenceID,
		startedAt:    time.Now().UTC(),
		runtime:      runtime,
		providers:    providers,
		tasks:        tasks,
		correlations: correlations,
		ledger:       ledger,
		tracing:      tracing,
		wsClients:    wsClients,
	}
}

// Unified assembles the merged snapshot. Aggregate queries that fail leave
// their section empty rather than failing the whole document.
func (s *Service) Unified(ctx context.Context) (*UnifiedSnapshot, error) {
	now := time.Now().UTC()
	snap := &UnifiedSnapshot{
		OccurrenceID:  s.occurrenceID,
		Version:       version.Full(),
		UptimeSeconds: now.Sub(s.startedAt).Seconds(),
		Runtime:       s.runtime.Snapshot(),
		IntakeOpen:    s.runtime.IntakeOpen(),
		Tasks:         map[string]int{},
		Providers:     s.providers.Health(),
		GeneratedAt:   now,
	}
	if s.tracing != nil {
		snap.Spans = s.tracing.SpanStats()
	}
	if s.wsClients != nil {
		snap.WSConnections = s.wsClients()
	}

	counts, err := s.tasks.CountByStatus(ctx, s.occurrenceID)
	if err != nil {
		return nil, fmt.Errorf("telemetry snapshot: %w", err)
	}
	for status, n := range counts {
		snap.Tasks[string(status)] = n
	}

	since := now.Add(-usageWindow)
	if usage, err := s.correlations.TokenTotalsSince(ctx, since); err == nil {
		snap.Tokens24h = usage
	}
	if kinds, err := s.ledger.CountByKindSince(ctx, s.occurrenceID, since); err == nil {
		snap.Audit24h = map[string]int{}
		for kind, n := range kinds {
			snap.Audit24h[string(kind)] = n
		}
	}
	return snap, nil
}

// Transparency assembles the public feed over a trailing window.
func (s *Service) Transparency(ctx context.Context, window time.Duration) (*TransparencyFeed, error) {
	if window <= 0 {
		window = usageWindow
	}
	now := time.Now().UTC()
	since := now.Add(-window)

	feed := &TransparencyFeed{
		WindowHours:  int(window.Hours()),
		ActionCounts: map[string]int{},
		GeneratedAt:  now,
	}

	entries, err := s.ledger.Entries(ctx, s.occurrenceID, audit.EntryQuery{
		Kind:  models.AuditAction,
		Since: since,
	})
	if err != nil {
		return nil, fmt.Errorf("transparency feed: %w", err)
	}
	for _, entry := range entries {
		var p models.ActionAuditPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			continue
		}
		feed.ActionCounts[string(p.Action)]++
	}

	kinds, err := s.ledger.CountByKindSince(ctx, s.occurrenceID, since)
	if err != nil {
		return nil, fmt.Errorf("transparency feed: %w", err)
	}
	feed.GateRejections = kinds[models.AuditGateRejection]

	counts, err := s.tasks.CountByStatus(ctx, s.occurrenceID)
	if err != nil {
		return nil, fmt.Errorf("transparency feed: %w", err)
	}
	feed.TasksCompleted = counts[models.TaskCompleted]
	feed.TasksDeferred = counts[models.TaskDeferred]
	if done := feed.TasksCompleted + feed.TasksDeferred; done > 0 {
		feed.DeferralRate = float64(feed.TasksDeferred) / float64(done)
	}
	return feed, nil
}
