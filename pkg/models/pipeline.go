package models

// StepPoint names one of the eleven pipeline step points. Order is fixed;
// each executes at most once per thought per round (the RECURSIVE_* pair at
// most once each, only after a conscience failure).
type StepPoint string

const (
	StepStartRound          StepPoint = "START_ROUND"
	StepGatherContext       StepPoint = "GATHER_CONTEXT"
	StepPerformDMAs         StepPoint = "PERFORM_DMAS"
	StepPerformASPDMA       StepPoint = "PERFORM_ASPDMA"
	StepConscience          StepPoint = "CONSCIENCE"
	StepRecursiveASPDMA     StepPoint = "RECURSIVE_ASPDMA"
	StepRecursiveConscience StepPoint = "RECURSIVE_CONSCIENCE"
	StepFinalizeAction      StepPoint = "FINALIZE_ACTION"
	StepPerformAction       StepPoint = "PERFORM_ACTION"
	StepActionComplete      StepPoint = "ACTION_COMPLETE"
	StepRoundComplete       StepPoint = "ROUND_COMPLETE"
)

// IdentitySnapshot is the agent's standing identity, confirmed during WAKEUP
// and carried in every context bundle.
type IdentitySnapshot struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
	Purpose string `json:"purpose,omitempty"`
}

// SystemSnapshot captures runtime state at context-gathering time.
type SystemSnapshot struct {
	OccurrenceID      string  `json:"occurrence_id"`
	CognitiveState    string  `json:"cognitive_state"`
	Paused            bool    `json:"paused"`
	ActiveTasks       int     `json:"active_tasks"`
	SecondsPerThought float64 `json:"seconds_per_thought,omitempty"`
}

// ContextBundle is the assembled working context for one round of one
// thought: identity, system snapshot, pertinent memories, recent
// conversation, active constraints, and prior tool results.
type ContextBundle struct {
	Identity     IdentitySnapshot  `json:"identity"`
	System       SystemSnapshot    `json:"system"`
	Input        string            `json:"input,omitempty"`
	Memories     []*GraphNode      `json:"memories,omitempty"`
	Conversation []*ChannelMessage `json:"conversation,omitempty"`
	Constraints  []string          `json:"constraints,omitempty"`
	ToolResults  []ToolObservation `json:"tool_results,omitempty"`
	// Guidance is a wisdom authority's direction, present once action
	// selection declared an outside competency and the consult succeeded.
	Guidance string `json:"guidance,omitempty"`
}

// StepResult is the typed outcome of one executed step point. Exactly the
// payload fields matching the step are set; recoverable errors are reified
// here rather than thrown across step boundaries.
type StepResult struct {
	Step      StepPoint `json:"step"`
	TaskID    string    `json:"task_id"`
	ThoughtID string    `json:"thought_id"`
	Round     int       `json:"round"`
	OK        bool      `json:"ok"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`

	Context    *ContextBundle            `json:"context,omitempty"`
	DMAs       *DMAResults               `json:"dmas,omitempty"`
	Selection  *ActionSelectionDMAResult `json:"selection,omitempty"`
	Conscience *ConscienceResult         `json:"conscience,omitempty"`
	Decision   *ActionDecision           `json:"decision,omitempty"`
	Outcome    *HandlerOutcome           `json:"outcome,omitempty"`

	// ROUND_COMPLETE flags.
	Terminal          bool `json:"terminal,omitempty"`
	FollowUpScheduled bool `json:"follow_up_scheduled,omitempty"`

	DurationMS int64 `json:"duration_ms,omitempty"`
}
