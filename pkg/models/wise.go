package models

import "time"

// GuidanceRequest asks a wisdom authority for direction on a thought. The
// declared Capability is checked against the prohibited set before any
// provider is consulted.
type GuidanceRequest struct {
	TaskID     string `json:"task_id,omitempty"`
	ThoughtID  string `json:"thought_id,omitempty"`
	Capability string `json:"capability"`
	Question   string `json:"question"`
	Context    string `json:"context,omitempty"`
}

// GuidanceResponse is a wisdom authority's answer.
type GuidanceResponse struct {
	Guidance string `json:"guidance"`
	Source   string `json:"source,omitempty"` // provider name
}

// Deferral hands a task to a human authority or a later schedule.
type Deferral struct {
	TaskID     string     `json:"task_id"`
	ThoughtID  string     `json:"thought_id,omitempty"`
	Reason     string     `json:"reason"`
	DeferUntil *time.Time `json:"defer_until,omitempty"`
}
