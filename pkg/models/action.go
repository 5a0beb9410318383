package models

import (
	"fmt"
	"time"
)

// ActionType is the pipeline's selected action for one round.
type ActionType string

const (
	ActionSpeak        ActionType = "SPEAK"
	ActionTool         ActionType = "TOOL"
	ActionObserve      ActionType = "OBSERVE"
	ActionMemorize     ActionType = "MEMORIZE"
	ActionRecall       ActionType = "RECALL"
	ActionForget       ActionType = "FORGET"
	ActionReject       ActionType = "REJECT"
	ActionPonder       ActionType = "PONDER"
	ActionDefer        ActionType = "DEFER"
	ActionTaskComplete ActionType = "TASK_COMPLETE"
)

// AllActionTypes lists every action the pipeline can select.
var AllActionTypes = []ActionType{
	ActionSpeak, ActionTool, ActionObserve,
	ActionMemorize, ActionRecall, ActionForget,
	ActionReject, ActionPonder, ActionDefer,
	ActionTaskComplete,
}

// IsValid returns true if the action type is known
func (a ActionType) IsValid() bool {
	switch a {
	case ActionSpeak, ActionTool, ActionObserve,
		ActionMemorize, ActionRecall, ActionForget,
		ActionReject, ActionPonder, ActionDefer,
		ActionTaskComplete:
		return true
	}
	return false
}

// IsTerminal returns true if selecting this action ends the task.
func (a ActionType) IsTerminal() bool {
	switch a {
	case ActionTaskComplete, ActionReject, ActionDefer:
		return true
	}
	return false
}

// ConscienceExempt returns true for actions that skip the conscience check.
func (a ActionType) ConscienceExempt() bool {
	switch a {
	case ActionRecall, ActionTaskComplete, ActionObserve, ActionDefer, ActionReject:
		return true
	}
	return false
}

// SpeakParams carries an outbound message for the Communication Bus.
type SpeakParams struct {
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
}

// ToolParams names a tool and its JSON-encoded arguments.
type ToolParams struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// ObserveParams pulls recent state from a channel. Idempotent per
// (channel_id, external_id).
type ObserveParams struct {
	ChannelID  string `json:"channel_id"`
	ExternalID string `json:"external_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	// FollowUp requests a follow-up thought carrying the observation.
	// Without it the observation completes in place.
	FollowUp bool `json:"follow_up,omitempty"`
}

// MemorizeParams writes a node to graph memory.
type MemorizeParams struct {
	Node GraphNode `json:"node"`
}

// RecallParams reads from graph memory.
type RecallParams struct {
	Query RecallQuery `json:"query"`
}

// ForgetParams deletes or anonymizes a node.
type ForgetParams struct {
	Key    NodeKey `json:"key"`
	Reason string  `json:"reason,omitempty"`
}

// RejectParams declines the task with a reason. Terminal.
type RejectParams struct {
	Reason string `json:"reason"`
}

// PonderParams schedules a follow-up thought with added reflection.
type PonderParams struct {
	Questions []string `json:"questions,omitempty"`
	Note      string   `json:"note,omitempty"`
}

// DeferParams hands the task to a later schedule or a human authority.
type DeferParams struct {
	Reason     string     `json:"reason"`
	DeferUntil *time.Time `json:"defer_until,omitempty"`
}

// CompleteParams closes the task successfully.
type CompleteParams struct {
	Summary string `json:"summary,omitempty"`
}

// ActionDecision is the pipeline's single output per thought: one action
// type plus exactly the matching typed parameter record.
type ActionDecision struct {
	Action    ActionType      `json:"action"`
	Rationale string          `json:"rationale,omitempty"`
	Speak     *SpeakParams    `json:"speak,omitempty"`
	Tool      *ToolParams     `json:"tool,omitempty"`
	Observe   *ObserveParams  `json:"observe,omitempty"`
	Memorize  *MemorizeParams `json:"memorize,omitempty"`
	Recall    *RecallParams   `json:"recall,omitempty"`
	Forget    *ForgetParams   `json:"forget,omitempty"`
	Reject    *RejectParams   `json:"reject,omitempty"`
	Ponder    *PonderParams   `json:"ponder,omitempty"`
	Defer     *DeferParams    `json:"defer,omitempty"`
	Complete  *CompleteParams `json:"complete,omitempty"`
}

// Validate checks that the decision names a known action and carries the
// parameter record matching it (and no other).
func (d *ActionDecision) Validate() error {
	if !d.Action.IsValid() {
		return fmt.Errorf("unknown action type %q", d.Action)
	}
	set := 0
	var match bool
	check := func(present bool, action ActionType) {
		if present {
			set++
			if d.Action == action {
				match = true
			}
		}
	}
	check(d.Speak != nil, ActionSpeak)
	check(d.Tool != nil, ActionTool)
	check(d.Observe != nil, ActionObserve)
	check(d.Memorize != nil, ActionMemorize)
	check(d.Recall != nil, ActionRecall)
	check(d.Forget != nil, ActionForget)
	check(d.Reject != nil, ActionReject)
	check(d.Ponder != nil, ActionPonder)
	check(d.Defer != nil, ActionDefer)
	check(d.Complete != nil, ActionTaskComplete)
	if set != 1 || !match {
		return fmt.Errorf("action %s requires exactly its own parameter record (got %d set)", d.Action, set)
	}
	return nil
}

// HandlerStatus is the outcome status a handler reports.
type HandlerStatus string

const (
	HandlerOK     HandlerStatus = "ok"
	HandlerFailed HandlerStatus = "failed"
)

// FollowUpRequest asks the processor to schedule one follow-up thought.
type FollowUpRequest struct {
	Marker     FollowUpMarker `json:"marker"`
	Reflection string         `json:"reflection,omitempty"`
}

// HandlerOutcome is the typed result of dispatching one action handler.
type HandlerOutcome struct {
	Action    ActionType       `json:"action"`
	Status    HandlerStatus    `json:"status"`
	ErrorKind string           `json:"error_kind,omitempty"`
	Message   string           `json:"message,omitempty"`
	FollowUp  *FollowUpRequest `json:"follow_up,omitempty"`
	// Observations collected by OBSERVE / TOOL, surfaced to the next thought.
	Observations []ToolObservation `json:"observations,omitempty"`
}
