package models

import (
	"time"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskActive    TaskStatus = "active"
	TaskDeferred  TaskStatus = "deferred"
	TaskCompleted TaskStatus = "completed"
	TaskRejected  TaskStatus = "rejected"
	TaskFailed    TaskStatus = "failed"
)

// IsValid returns true if the status is a known task status
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskPending, TaskActive, TaskDeferred, TaskCompleted, TaskRejected, TaskFailed:
		return true
	}
	return false
}

// IsTerminal returns true if the status is final and immutable
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskDeferred, TaskCompleted, TaskRejected, TaskFailed:
		return true
	}
	return false
}

// TaskKind distinguishes how a task entered the system
type TaskKind string

const (
	// TaskKindStandard is a regular gated interaction task.
	TaskKindStandard TaskKind = "standard"
	// TaskKindBootstrap is admitted during WAKEUP only (identity confirmation etc).
	TaskKindBootstrap TaskKind = "bootstrap"
	// TaskKindPartnership is a partnership-decision task spawned by a consent
	// upgrade request; its terminal action resolves the request.
	TaskKindPartnership TaskKind = "partnership"
)

// IsValid returns true if the kind is a known task kind
func (k TaskKind) IsValid() bool {
	switch k {
	case TaskKindStandard, TaskKindBootstrap, TaskKindPartnership:
		return true
	}
	return false
}

// MaxTaskRounds is the hard per-task round budget. On the final round only
// terminal actions are admissible; anything else is rewritten to DEFER.
const MaxTaskRounds = 7

// Task is the originating unit of work driven through the pipeline.
// Created by intake, mutated only by the processor worker holding its
// current thought, terminated exactly once.
type Task struct {
	ID            string     `json:"id"`
	OccurrenceID  string     `json:"occurrence_id"`
	Kind          TaskKind   `json:"kind"`
	AdapterID     string     `json:"adapter_id"`
	ChannelID     string     `json:"channel_id"`
	SubjectID     string     `json:"subject_id"`
	InitialInput  string     `json:"initial_input"`
	Status        TaskStatus `json:"status"`
	RoundCount    int        `json:"round_count"`
	OutcomeReason string     `json:"outcome_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// ThoughtState represents the lifecycle state of a thought
type ThoughtState string

const (
	ThoughtNew       ThoughtState = "new"
	ThoughtInFlight  ThoughtState = "in_flight"
	ThoughtCompleted ThoughtState = "completed"
	ThoughtFailed    ThoughtState = "failed"
)

// IsValid returns true if the state is a known thought state
func (s ThoughtState) IsValid() bool {
	switch s {
	case ThoughtNew, ThoughtInFlight, ThoughtCompleted, ThoughtFailed:
		return true
	}
	return false
}

// ThoughtGeneration records how a thought came to exist
type ThoughtGeneration string

const (
	GenerationSeed      ThoughtGeneration = "seed"
	GenerationFollowUp  ThoughtGeneration = "follow_up"
	GenerationRecursive ThoughtGeneration = "recursive"
)

// FollowUpMarker flags explicit unresolved work carried into the next round.
// Absence of a marker after SPEAK forces TASK_COMPLETE (completion bias).
type FollowUpMarker string

const (
	FollowUpNone        FollowUpMarker = ""
	FollowUpPendingTool FollowUpMarker = "pending_tool_result"
	FollowUpMultiPart   FollowUpMarker = "multi_part_response"
	FollowUpDirective   FollowUpMarker = "follow_up_directive"
)

// PriorAction summarizes a completed action from an earlier round of the
// same task, carried forward in the next thought's content.
type PriorAction struct {
	Round   int        `json:"round"`
	Action  ActionType `json:"action"`
	Summary string     `json:"summary,omitempty"`
}

// ToolObservation is a completed tool result attached to the next thought.
type ToolObservation struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ThoughtContent is the structured working context a thought carries.
// Serialized as JSON in the thought store.
type ThoughtContent struct {
	Input           string            `json:"input,omitempty"`
	Reflection      string            `json:"reflection,omitempty"`
	FollowUpMarker  FollowUpMarker    `json:"follow_up_marker,omitempty"`
	PriorActions    []PriorAction     `json:"prior_actions,omitempty"`
	ToolResults     []ToolObservation `json:"tool_results,omitempty"`
	ConscienceNotes []string          `json:"conscience_notes,omitempty"`
}

// Thought is one round's working item for a task. A task has at most one
// active thought per round; follow-up thoughts exist only when a handler
// declared one.
type Thought struct {
	ID           string            `json:"id"`
	TaskID       string            `json:"task_id"`
	OccurrenceID string            `json:"occurrence_id"`
	Generation   ThoughtGeneration `json:"generation"`
	Round        int               `json:"round"`
	State        ThoughtState      `json:"state"`
	Content      ThoughtContent    `json:"content"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// CreateTaskRequest contains fields for creating a new task
type CreateTaskRequest struct {
	OccurrenceID string   `json:"occurrence_id"`
	Kind         TaskKind `json:"kind"`
	AdapterID    string   `json:"adapter_id"`
	ChannelID    string   `json:"channel_id"`
	SubjectID    string   `json:"subject_id"`
	InitialInput string   `json:"initial_input"`
}

// TaskFilters contains filtering options for listing tasks
type TaskFilters struct {
	Status    TaskStatus `json:"status,omitempty"`
	SubjectID string     `json:"subject_id,omitempty"`
	ChannelID string     `json:"channel_id,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

// TaskListResponse is a paginated task listing
type TaskListResponse struct {
	Tasks      []*Task `json:"tasks"`
	TotalCount int     `json:"total_count"`
	Limit      int     `json:"limit"`
	Offset     int     `json:"offset"`
}
