package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/cirisai/ciris-engine/pkg/registry"
	"github.com/cirisai/ciris-engine/pkg/services"
)

// WiseProvider is a wisdom authority: it answers guidance requests and
// accepts deferrals for human review.
type WiseProvider interface {
	Guidance(ctx context.Context, req *models.GuidanceRequest) (*models.GuidanceResponse, error)
	AcceptDeferral(ctx context.Context, d *models.Deferral) error
}

// prohibitedCapabilities is the hard denylist enforced before any provider
// lookup. No registration overrides it; matching requests fail with
// models.ErrProhibited.
var prohibitedCapabilities = []string{
	"medical",   // diagnosis and treatment
	"financial", // trading and investment advice
	"legal",     // legal advice
	"emergency", // emergency-services coordination
}

// WiseBus carries guidance requests and deferrals. The prohibition check is
// the first thing RequestGuidance does: a request declaring a prohibited
// capability is rejected before the registry is even consulted.
type WiseBus struct {
	core *core
}

func newWiseBus(core *core) *WiseBus {
	return &WiseBus{core: core}
}

// CapabilityProhibited reports whether a declared capability falls in the
// prohibited set. Matching is prefix-based on the capability's leading
// segment ("medical_advice", "medical/diagnosis", "medical" all match).
func CapabilityProhibited(capability string) bool {
	normalized := strings.ToLower(strings.TrimSpace(capability))
	for _, p := range prohibitedCapabilities {
		if normalized == p || strings.HasPrefix(normalized, p+"_") ||
			strings.HasPrefix(normalized, p+"-") || strings.HasPrefix(normalized, p+"/") {
			return true
		}
	}
	return false
}

// RequestGuidance asks a wisdom authority for direction.
func (b *WiseBus) RequestGuidance(ctx context.Context, req *models.GuidanceRequest) (*models.GuidanceResponse, error) {
	if req == nil || req.Question == "" {
		return nil, services.NewValidationError("question", "required")
	}
	if CapabilityProhibited(req.Capability) {
		// Record the refusal as a correlation without touching any provider.
		b.recordProhibited(ctx, "guidance", req.Capability)
		return nil, fmt.Errorf("%w: capability %q", models.ErrProhibited, req.Capability)
	}

	var resp *models.GuidanceResponse
	err := b.core.invoke(ctx, registry.CapabilityWiseAuthority, registry.Selector{}, "guidance", summarize(req.Question),
		func(ctx context.Context, p registry.Provider) (callResult, error) {
			wp, ok := p.Instance.(WiseProvider)
			if !ok {
				return callResult{}, fmt.Errorf("provider %q does not implement WiseProvider", p.Name)
			}
			var err error
			resp, err = wp.Guidance(ctx, req)
			if err != nil {
				return callResult{}, err
			}
			resp.Source = p.Name
			return callResult{response: summarize(resp.Guidance)}, nil
		})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// SubmitDeferral hands a deferred task to a wisdom authority. With no
// authority registered the deferral still succeeds locally; the task record
// itself carries the deferred state.
func (b *WiseBus) SubmitDeferral(ctx context.Context, d *models.Deferral) error {
	if d == nil || d.TaskID == "" || d.Reason == "" {
		return services.NewValidationError("deferral", "requires task_id and reason")
	}

	err := b.core.invoke(ctx, registry.CapabilityWiseAuthority, registry.Selector{}, "deferral", summarize(d.Reason),
		func(ctx context.Context, p registry.Provider) (callResult, error) {
			wp, ok := p.Instance.(WiseProvider)
			if !ok {
				return callResult{}, fmt.Errorf("provider %q does not implement WiseProvider", p.Name)
			}
			if err := wp.AcceptDeferral(ctx, d); err != nil {
				return callResult{}, err
			}
			return callResult{response: "accepted"}, nil
		})
	if err != nil {
		if errorsIsCircuitOpen(err) {
			b.core.logger.Info("No wisdom authority available, deferral recorded locally",
				"task_id", d.TaskID, "reason", d.Reason)
			return nil
		}
		return err
	}
	return nil
}

func errorsIsCircuitOpen(err error) bool {
	return ErrorKind(err) == "circuit_open"
}

// recordProhibited traces a prohibition refusal. The correlation is the
// evidence that no provider was consulted.
func (b *WiseBus) recordProhibited(ctx context.Context, operation, capability string) {
	tr := TraceFrom(ctx)
	now := time.Now().UTC()
	corr := &models.Correlation{
		ID:           uuid.New().String(),
		TaskID:       tr.TaskID,
		ThoughtID:    tr.ThoughtID,
		SpanID:       uuid.New().String(),
		ParentSpanID: tr.SpanID,
		Service:      string(registry.CapabilityWiseAuthority),
		Operation:    operation,
		Request:      capability,
		StartedAt:    now,
		EndedAt:      &now,
		Status:       models.CorrelationError,
		ErrorKind:    "prohibited",
	}
	if err := b.core.correlations.Record(ctx, corr); err != nil {
		b.core.logger.Error("Failed to record prohibition correlation", "error", err)
	}
}
