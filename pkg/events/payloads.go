package events

import "time"

// TaskStatusPayload announces a task status change on the tasks channel and
// the task's own channel.
type TaskStatusPayload struct {
	Type      string    `json:"type"`
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Round     int       `json:"round"`
	EventID   int64     `json:"event_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StepResultPayload streams one step point's outcome on the task channel.
// Live-only: reconnecting clients re-read step history through the API.
type StepResultPayload struct {
	Type      string    `json:"type"`
	TaskID    string    `json:"task_id"`
	ThoughtID string    `json:"thought_id"`
	Step      string    `json:"step"`
	OK        bool      `json:"ok"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Round     int       `json:"round"`
	Timestamp time.Time `json:"timestamp"`
}

// ActionOutcomePayload announces a handler outcome on the task channel.
type ActionOutcomePayload struct {
	Type      string    `json:"type"`
	TaskID    string    `json:"task_id"`
	ThoughtID string    `json:"thought_id"`
	Action    string    `json:"action"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditAppendedPayload announces a new audit chain entry. EventID is the
// chain seq, which catch-up uses as the replay cursor.
type AuditAppendedPayload struct {
	Type      string    `json:"type"`
	Kind      string    `json:"kind"`
	TaskID    string    `json:"task_id,omitempty"`
	EventID   int64     `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
}

// MessagePayload announces a conversation message on its channel.
type MessagePayload struct {
	Type      string    `json:"type"`
	ChannelID string    `json:"channel_id"`
	Direction string    `json:"direction"`
	AuthorID  string    `json:"author_id,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
