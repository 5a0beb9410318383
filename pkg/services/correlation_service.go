package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cirisai/ciris-engine/pkg/database"
	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/google/uuid"
)

// maxCorrelationBody bounds stored request/response summaries so traces never
// balloon the store.
const maxCorrelationBody = 4096

// CorrelationService persists the trace record every bus call and handler
// invocation leaves behind
type CorrelationService struct {
	client *database.Client
}

// NewCorrelationService creates a new CorrelationService
func NewCorrelationService(client *database.Client) *CorrelationService {
	if client == nil {
		panic("NewCorrelationService: client must not be nil")
	}
	return &CorrelationService{client: client}
}

// Record inserts one completed correlation. Request/response bodies are
// truncated to a bounded summary. The caller's context is deliberately not
// used for the write; see below.
func (s *CorrelationService) Record(_ context.Context, corr *models.Correlation) error {
	if corr.Service == "" {
		return NewValidationError("service", "required")
	}
	if corr.Operation == "" {
		return NewValidationError("operation", "required")
	}
	if corr.ID == "" {
		corr.ID = uuid.New().String()
	}
	if corr.StartedAt.IsZero() {
		corr.StartedAt = time.Now().UTC()
	}

	var promptTokens, completionTokens int
	var costUSD float64
	if corr.Tokens != nil {
		promptTokens = corr.Tokens.PromptTokens
		completionTokens = corr.Tokens.CompletionTokens
		costUSD = corr.Tokens.CostUSD
	}

	// Correlations are evidence of what already happened; never drop one to
	// caller cancellation
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.client.DB().ExecContext(writeCtx, s.client.Rebind(
		`INSERT INTO correlations (id, task_id, thought_id, span_id, parent_span_id,
		    service, operation, status, error_kind, request, response,
		    prompt_tokens, completion_tokens, cost_usd, started_at, ended_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		corr.ID, corr.TaskID, corr.ThoughtID, corr.SpanID, corr.ParentSpanID,
		corr.Service, corr.Operation, corr.Status, corr.ErrorKind,
		truncate(corr.Request, maxCorrelationBody), truncate(corr.Response, maxCorrelationBody),
		promptTokens, completionTokens, costUSD,
		corr.StartedAt, corr.EndedAt, corr.DurationMS)
	if err != nil {
		return fmt.Errorf("failed to record correlation: %w", err)
	}
	return nil
}

// ListForTask lists a task's correlations in call order
func (s *CorrelationService) ListForTask(ctx context.Context, taskID string) ([]*models.Correlation, error) {
	return s.list(ctx, `WHERE task_id = ?`, []any{taskID})
}

// ListForThought lists one thought's correlations in call order
func (s *CorrelationService) ListForThought(ctx context.Context, thoughtID string) ([]*models.Correlation, error) {
	return s.list(ctx, `WHERE thought_id = ?`, []any{thoughtID})
}

// PruneOlderThan removes correlations that started before the cutoff.
// Called by the retention sweeper.
func (s *CorrelationService) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.client.DB().ExecContext(ctx, s.client.Rebind(
		`DELETE FROM correlations WHERE started_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune correlations: %w", err)
	}
	return res.RowsAffected()
}

// TokenTotalsSince aggregates token usage recorded after the given time
func (s *CorrelationService) TokenTotalsSince(ctx context.Context, since time.Time) (*models.TokenUsage, error) {
	var usage models.TokenUsage
	err := s.client.DB().QueryRowContext(ctx, s.client.Rebind(
		`SELECT COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM correlations WHERE started_at >= ?`), since).
		Scan(&usage.PromptTokens, &usage.CompletionTokens, &usage.CostUSD)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate token usage: %w", err)
	}
	return &usage, nil
}

func (s *CorrelationService) list(ctx context.Context, where string, args []any) ([]*models.Correlation, error) {
	rows, err := s.client.DB().QueryContext(ctx, s.client.Rebind(
		`SELECT id, task_id, thought_id, span_id, parent_span_id, service, operation,
		        status, error_kind, request, response, prompt_tokens, completion_tokens,
		        cost_usd, started_at, ended_at, duration_ms
		 FROM correlations `+where+` ORDER BY started_at ASC`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list correlations: %w", err)
	}
	defer rows.Close()

	correlations := []*models.Correlation{}
	for rows.Next() {
		var corr models.Correlation
		var request, response sql.NullString
		var endedAt sql.NullTime
		var promptTokens, completionTokens int
		var costUSD float64
		err := rows.Scan(&corr.ID, &corr.TaskID, &corr.ThoughtID, &corr.SpanID,
			&corr.ParentSpanID, &corr.Service, &corr.Operation, &corr.Status,
			&corr.ErrorKind, &request, &response, &promptTokens, &completionTokens,
			&costUSD, &corr.StartedAt, &endedAt, &corr.DurationMS)
		if err != nil {
			return nil, fmt.Errorf("failed to scan correlation: %w", err)
		}
		corr.Request = request.String
		corr.Response = response.String
		if endedAt.Valid {
			corr.EndedAt = &endedAt.Time
		}
		if promptTokens > 0 || completionTokens > 0 || costUSD > 0 {
			corr.Tokens = &models.TokenUsage{
				PromptTokens:     promptTokens,
				CompletionTokens: completionTokens,
				CostUSD:          costUSD,
			}
		}
		correlations = append(correlations, &corr)
	}
	return correlations, rows.Err()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
