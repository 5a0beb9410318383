package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/cirisai/ciris-engine/pkg/registry"
	"github.com/cirisai/ciris-engine/pkg/services"
)

// core is the shared call path under every bus: provider selection, breaker
// reporting, deadline clipping, retry, correlation stamping, and tracing.
type core struct {
	registry     *registry.Registry
	correlations *services.CorrelationService
	consent      ConsentPolicy
	logger       *slog.Logger
}

// callResult is what a provider closure hands back for the trace record.
type callResult struct {
	response string
	tokens   *models.TokenUsage
}

type callFunc func(ctx context.Context, p registry.Provider) (callResult, error)

func (c *core) tracer() trace.Tracer {
	return otel.Tracer("ciris-engine/bus")
}

// invoke runs one bus call end to end. Every attempt re-selects a provider,
// so a tripped primary falls through to the next eligible provider without
// the caller noticing. The correlation is recorded whatever the outcome.
func (c *core) invoke(ctx context.Context, capability registry.Capability, sel registry.Selector, operation, requestSummary string, fn callFunc) error {
	tr := TraceFrom(ctx)
	corr := &models.Correlation{
		ID:           uuid.New().String(),
		TaskID:       tr.TaskID,
		ThoughtID:    tr.ThoughtID,
		SpanID:       uuid.New().String(),
		ParentSpanID: tr.SpanID,
		Service:      string(capability),
		Operation:    operation,
		Request:      requestSummary,
		StartedAt:    time.Now().UTC(),
	}

	ctx, span := c.tracer().Start(ctx, fmt.Sprintf("bus.%s.%s", capability, operation),
		trace.WithAttributes(
			attribute.String("ciris.capability", string(capability)),
			attribute.String("ciris.task_id", tr.TaskID),
			attribute.String("ciris.thought_id", tr.ThoughtID),
		))
	defer span.End()

	var lastErr error
	var result callResult
attempts:
	for attempt := 0; attempt <= MaxCallRetries; attempt++ {
		if attempt > 0 {
			backoff := RetryBackoffMin + time.Duration(rand.Int64N(int64(RetryBackoffMax-RetryBackoffMin)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				lastErr = ctx.Err()
				break attempts
			}
		}

		provider, ok := c.registry.Get(ctx, capability, sel)
		if !ok {
			lastErr = fmt.Errorf("%w: no eligible provider for capability %q", models.ErrCircuitOpen, capability)
			break
		}
		span.SetAttributes(attribute.String("ciris.provider", provider.Name))

		callCtx, cancel := clipDeadline(ctx)
		result, lastErr = fn(callCtx, provider)
		cancel()

		if lastErr == nil {
			c.registry.ReportSuccess(capability, provider.Name)
			break
		}

		if errors.Is(lastErr, context.DeadlineExceeded) && !errors.Is(lastErr, models.ErrTimeout) {
			lastErr = fmt.Errorf("%w: %s %s via %s: %v", models.ErrTimeout, capability, operation, provider.Name, lastErr)
		}
		c.registry.ReportFailure(capability, provider.Name)

		if classifyCallError(lastErr) == noRetry {
			break
		}
		c.logger.Debug("Bus call failed, retrying",
			"capability", capability, "operation", operation,
			"provider", provider.Name, "attempt", attempt+1, "error", lastErr)
	}

	c.finish(ctx, corr, result, lastErr)
	if lastErr != nil {
		span.RecordError(lastErr)
		span.SetStatus(codes.Error, lastErr.Error())
	}
	return lastErr
}

// finish closes out the correlation record. Correlations are evidence; a
// failed write is logged, never surfaced to the caller.
func (c *core) finish(ctx context.Context, corr *models.Correlation, result callResult, callErr error) {
	ended := time.Now().UTC()
	corr.EndedAt = &ended
	corr.DurationMS = ended.Sub(corr.StartedAt).Milliseconds()
	corr.Response = result.response
	corr.Tokens = result.tokens

	switch {
	case callErr == nil:
		corr.Status = models.CorrelationOK
	case errors.Is(callErr, models.ErrTimeout):
		corr.Status = models.CorrelationTimeout
		corr.ErrorKind = ErrorKind(callErr)
	default:
		corr.Status = models.CorrelationError
		corr.ErrorKind = ErrorKind(callErr)
	}

	if err := c.correlations.Record(ctx, corr); err != nil {
		c.logger.Error("Failed to record bus correlation",
			"service", corr.Service, "operation", corr.Operation, "error", err)
	}
}

// clipDeadline caps a call at DefaultCallTimeout unless the round deadline
// is already tighter.
func clipDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < DefaultCallTimeout {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, DefaultCallTimeout)
}

// summarize bounds a request/response body for the correlation record.
func summarize(s string) string {
	const limit = 256
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
