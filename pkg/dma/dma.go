// Package dma holds the four decision-making algorithm evaluators: the three
// first-phase evaluations (ethical, common-sense, domain-specific) that run
// concurrently over a thought's context, and the second-phase action
// selection that proposes one typed action. All four are LLM-backed through
// the LLM Bus with purpose-routed requests.
package dma

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/cirisai/ciris-engine/pkg/bus"
	"github.com/cirisai/ciris-engine/pkg/llm"
	"github.com/cirisai/ciris-engine/pkg/models"
)

// Request purposes. They route scripted providers in tests and are recorded
// as the correlation operation of each model call.
const (
	PurposeEthical         = "ethical_dma"
	PurposeCommonSense     = "common_sense_dma"
	PurposeDomain          = "domain_dma"
	PurposeActionSelection = "action_selection"
)

// Evaluators runs the four DMA evaluations. Safe for concurrent use across
// pipeline workers.
type Evaluators struct {
	llm    *bus.LLMBus
	domain string
	logger *slog.Logger
}

// New creates the evaluator set. domain names the deployment's domain for the
// domain-specific evaluation ("general" when unset).
func New(llmBus *bus.LLMBus, domain string, logger *slog.Logger) *Evaluators {
	if llmBus == nil {
		panic("dma.New: llm bus must not be nil")
	}
	if domain == "" {
		domain = "general"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluators{
		llm:    llmBus,
		domain: domain,
		logger: logger.With("component", "dma"),
	}
}

// EvaluateAll runs the three first-phase DMAs concurrently and joins at the
// barrier. No short-circuit: a failure in one evaluation still waits for the
// others before surfacing. Aggregation is a pure function of the three
// results, so completion order never changes the outcome.
func (e *Evaluators) EvaluateAll(ctx context.Context, bundle *models.ContextBundle) (*models.DMAResults, error) {
	results := &models.DMAResults{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := e.Ethical(gctx, bundle)
		if err != nil {
			return fmt.Errorf("ethical dma: %w", err)
		}
		results.Ethical = *r
		return nil
	})
	g.Go(func() error {
		r, err := e.CommonSense(gctx, bundle)
		if err != nil {
			return fmt.Errorf("common-sense dma: %w", err)
		}
		results.CommonSense = *r
		return nil
	})
	g.Go(func() error {
		r, err := e.Domain(gctx, bundle)
		if err != nil {
			return fmt.Errorf("domain dma: %w", err)
		}
		results.Domain = *r
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Ethical evaluates the thought against the agent's ethical principles.
func (e *Evaluators) Ethical(ctx context.Context, bundle *models.ContextBundle) (*models.EthicalDMAResult, error) {
	resp, err := e.call(ctx, PurposeEthical, ethicalSystemPrompt, renderBundle(bundle))
	if err != nil {
		return nil, err
	}
	var result models.EthicalDMAResult
	if err := decodeResult(resp.Content, &result); err != nil {
		return nil, fmt.Errorf("ethical dma response: %w", err)
	}
	result.Score = clampScore(result.Score)
	return &result, nil
}

// CommonSense evaluates the thought's plausibility.
func (e *Evaluators) CommonSense(ctx context.Context, bundle *models.ContextBundle) (*models.CommonSenseDMAResult, error) {
	resp, err := e.call(ctx, PurposeCommonSense, commonSenseSystemPrompt, renderBundle(bundle))
	if err != nil {
		return nil, err
	}
	var result models.CommonSenseDMAResult
	if err := decodeResult(resp.Content, &result); err != nil {
		return nil, fmt.Errorf("common-sense dma response: %w", err)
	}
	result.Score = clampScore(result.Score)
	return &result, nil
}

// Domain evaluates the thought within the deployment's domain.
func (e *Evaluators) Domain(ctx context.Context, bundle *models.ContextBundle) (*models.DomainSpecificDMAResult, error) {
	resp, err := e.call(ctx, PurposeDomain, domainSystemPrompt(e.domain), renderBundle(bundle))
	if err != nil {
		return nil, err
	}
	var result models.DomainSpecificDMAResult
	if err := decodeResult(resp.Content, &result); err != nil {
		return nil, fmt.Errorf("domain dma response: %w", err)
	}
	result.Score = clampScore(result.Score)
	if result.Domain == "" {
		result.Domain = e.domain
	}
	return &result, nil
}

// SelectAction runs the second-phase action selection. conscienceFeedback is
// empty on the first selection; on a recursive re-selection it carries the
// conscience failure reason so the model can choose differently.
func (e *Evaluators) SelectAction(ctx context.Context, bundle *models.ContextBundle, dmas *models.DMAResults, conscienceFeedback string) (*models.ActionSelectionDMAResult, error) {
	user := renderSelectionPrompt(bundle, dmas, conscienceFeedback)
	resp, err := e.call(ctx, PurposeActionSelection, actionSelectionSystemPrompt, user)
	if err != nil {
		return nil, err
	}

	var result models.ActionSelectionDMAResult
	if err := decodeResult(resp.Content, &result); err != nil {
		return nil, fmt.Errorf("action selection response: %w", err)
	}
	if err := result.Decision.Validate(); err != nil {
		return nil, fmt.Errorf("action selection produced invalid decision: %w", err)
	}
	result.Confidence = clampScore(result.Confidence)
	return &result, nil
}

func (e *Evaluators) call(ctx context.Context, purpose, system, user string) (*llm.Response, error) {
	return e.llm.Call(ctx, &llm.Request{
		Purpose: purpose,
		System:  system,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: user},
		},
	})
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
