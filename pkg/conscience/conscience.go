// Package conscience is the ethical post-check over a selected action. It
// runs after action selection and before any handler executes: an action that
// fails here never reaches the outside world. Checks are deterministic
// functions of the proposed decision, the first-phase DMA verdicts, and the
// context bundle; the same proposal always gets the same verdict.
package conscience

import (
	"fmt"
	"strings"

	"github.com/cirisai/ciris-engine/pkg/models"
)

// Default thresholds. A proposal whose first-phase scores fall below these is
// blocked from acting outward.
const (
	DefaultEthicalThreshold     = 0.5
	DefaultPlausibleThreshold   = 0.3
	DefaultCriticalEthicalFloor = 0.2
)

// Checker validates proposed actions. The zero thresholds are replaced with
// defaults by New.
type Checker struct {
	ethicalThreshold   float64
	plausibleThreshold float64
	criticalFloor      float64
}

// New creates a checker with default thresholds.
func New() *Checker {
	return &Checker{
		ethicalThreshold:   DefaultEthicalThreshold,
		plausibleThreshold: DefaultPlausibleThreshold,
		criticalFloor:      DefaultCriticalEthicalFloor,
	}
}

// Review returns the verdict over one proposed action. Exempt actions
// (RECALL, TASK_COMPLETE, OBSERVE, DEFER, REJECT) pass without inspection;
// everything else runs the full check set and fails on the first objection.
func (c *Checker) Review(decision *models.ActionDecision, dmas *models.DMAResults, bundle *models.ContextBundle) *models.ConscienceResult {
	if decision.Action.ConscienceExempt() {
		return &models.ConscienceResult{Passed: true, Reason: "exempt"}
	}

	checks := []func(*models.ActionDecision, *models.DMAResults, *models.ContextBundle) *models.ConscienceResult{
		c.checkEthicalAlignment,
		c.checkPlausibility,
		c.checkOutboundContent,
		c.checkMemoryWrite,
	}
	for _, check := range checks {
		if verdict := check(decision, dmas, bundle); verdict != nil {
			return verdict
		}
	}
	return &models.ConscienceResult{Passed: true}
}

// checkEthicalAlignment blocks outward and memory-mutating actions when the
// ethical evaluation scored the thought below threshold. Below the critical
// floor the severity escalates.
func (c *Checker) checkEthicalAlignment(decision *models.ActionDecision, dmas *models.DMAResults, _ *models.ContextBundle) *models.ConscienceResult {
	if dmas == nil {
		return nil
	}
	score := dmas.Ethical.Score
	if score >= c.ethicalThreshold {
		return nil
	}

	severity := models.SeverityWarning
	if score < c.criticalFloor {
		severity = models.SeverityCritical
	}
	reason := fmt.Sprintf("ethical evaluation scored %.2f, below %.2f", score, c.ethicalThreshold)
	if len(dmas.Ethical.Conflicts) > 0 {
		reason += ": " + strings.Join(dmas.Ethical.Conflicts, "; ")
	}
	return &models.ConscienceResult{Passed: false, Reason: reason, Severity: severity}
}

// checkPlausibility blocks actions grounded in an implausible reading of the
// situation. Acting on a misread context is how benign intent does harm.
func (c *Checker) checkPlausibility(_ *models.ActionDecision, dmas *models.DMAResults, _ *models.ContextBundle) *models.ConscienceResult {
	if dmas == nil {
		return nil
	}
	if dmas.CommonSense.Score >= c.plausibleThreshold {
		return nil
	}
	reason := fmt.Sprintf("common-sense evaluation scored %.2f, below %.2f", dmas.CommonSense.Score, c.plausibleThreshold)
	if len(dmas.CommonSense.Implausibleness) > 0 {
		reason += ": " + strings.Join(dmas.CommonSense.Implausibleness, "; ")
	}
	return &models.ConscienceResult{Passed: false, Reason: reason, Severity: models.SeverityWarning}
}

// checkOutboundContent vets SPEAK and TOOL payloads: an empty utterance is a
// malformed proposal, and outbound text must not carry privileged framing
// markers that would let the agent impersonate the system to downstream
// consumers.
func (c *Checker) checkOutboundContent(decision *models.ActionDecision, _ *models.DMAResults, _ *models.ContextBundle) *models.ConscienceResult {
	switch decision.Action {
	case models.ActionSpeak:
		content := strings.TrimSpace(decision.Speak.Content)
		if content == "" {
			return &models.ConscienceResult{
				Passed: false, Reason: "SPEAK with empty content", Severity: models.SeverityInfo,
			}
		}
		if marker := privilegedMarker(content); marker != "" {
			return &models.ConscienceResult{
				Passed:   false,
				Reason:   fmt.Sprintf("outbound content carries privileged framing marker %q", marker),
				Severity: models.SeverityCritical,
			}
		}
	case models.ActionTool:
		if strings.TrimSpace(decision.Tool.Name) == "" {
			return &models.ConscienceResult{
				Passed: false, Reason: "TOOL with empty tool name", Severity: models.SeverityInfo,
			}
		}
	}
	return nil
}

// checkMemoryWrite refuses MEMORIZE proposals that would touch system-managed
// attributes. The memory bus enforces this too; catching it here keeps the
// refusal inside the pipeline where recursion can pick a different action.
func (c *Checker) checkMemoryWrite(decision *models.ActionDecision, _ *models.DMAResults, _ *models.ContextBundle) *models.ConscienceResult {
	if decision.Action != models.ActionMemorize {
		return nil
	}
	for key := range decision.Memorize.Node.Attributes {
		if models.ManagedAttributes[key] {
			return &models.ConscienceResult{
				Passed:   false,
				Reason:   fmt.Sprintf("MEMORIZE would write system-managed attribute %q", key),
				Severity: models.SeverityCritical,
			}
		}
	}
	return nil
}

// privilegedMarkers are framing strings that impersonate conversation
// structure. Shared with the gate's inbound scrubber in spirit: the gate
// strips them from input, the conscience refuses to emit them.
var privilegedMarkers = []string{
	"<|system|>",
	"<|assistant|>",
	"[SYSTEM]",
	"### System:",
	"### Assistant:",
}

func privilegedMarker(content string) string {
	for _, m := range privilegedMarkers {
		if strings.Contains(content, m) {
			return m
		}
	}
	return ""
}
