package models

// EthicalDMAResult is the principle-alignment evaluation of a thought.
type EthicalDMAResult struct {
	Score     float64  `json:"score"` // 0 (misaligned) .. 1 (aligned)
	Rationale string   `json:"rationale"`
	Conflicts []string `json:"conflicts,omitempty"` // principles in tension
}

// CommonSenseDMAResult is the plausibility evaluation of a thought.
type CommonSenseDMAResult struct {
	Score           float64  `json:"score"`
	Rationale       string   `json:"rationale"`
	Implausibleness []string `json:"implausibilities,omitempty"`
}

// DomainSpecificDMAResult is the in-domain evaluation of a thought.
type DomainSpecificDMAResult struct {
	Score     float64  `json:"score"`
	Domain    string   `json:"domain,omitempty"`
	Rationale string   `json:"rationale"`
	Flags     []string `json:"flags,omitempty"`
}

// DMAResults aggregates the three concurrent first-phase evaluations.
// Aggregation is a pure function of the three values; evaluation order
// never affects it.
type DMAResults struct {
	Ethical     EthicalDMAResult        `json:"ethical"`
	CommonSense CommonSenseDMAResult    `json:"common_sense"`
	Domain      DomainSpecificDMAResult `json:"domain"`
}

// ActionSelectionDMAResult is the second-phase selection of one action.
// GuidanceCapability, when set, names the outside competency the request
// calls for; the pipeline consults the Wise Bus under that capability
// before the conscience sees the decision.
type ActionSelectionDMAResult struct {
	Decision           ActionDecision `json:"decision"`
	Confidence         float64        `json:"confidence"`
	Rationale          string         `json:"rationale"`
	GuidanceCapability string         `json:"guidance_capability,omitempty"`
}

// ConscienceSeverity grades a conscience failure.
type ConscienceSeverity string

const (
	SeverityInfo     ConscienceSeverity = "info"
	SeverityWarning  ConscienceSeverity = "warning"
	SeverityCritical ConscienceSeverity = "critical"
)

// ConscienceResult is the ethical post-check verdict over a proposed action.
type ConscienceResult struct {
	Passed   bool               `json:"passed"`
	Reason   string             `json:"reason,omitempty"`
	Severity ConscienceSeverity `json:"severity,omitempty"`
}
