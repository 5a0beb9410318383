// Package events delivers runtime events to WebSocket clients, with
// PostgreSQL NOTIFY/LISTEN fan-out across occurrences on the networked
// backend and direct local broadcast on the embedded one.
//
// Channels:
//
//	tasks            task lifecycle for every task of this occurrence
//	task:{id}        one task's step results and action outcomes
//	channel:{id}     one conversation channel's inbound/outbound messages
//	audit            audit chain appends
//
// Catch-up: the audit chain's per-occurrence seq doubles as the event id on
// the tasks and audit channels, so a reconnecting client replays what it
// missed from the signed ledger. Conversation and step events are live-only.
package events

// Event types carried in the "type" field of every payload.
const (
	EventTypeTaskStatus    = "task.status"
	EventTypeStepResult    = "step.result"
	EventTypeActionOutcome = "action.outcome"
	EventTypeAuditAppended = "audit.appended"
	EventTypeMessage       = "channel.message"
)

// TasksChannel carries task lifecycle events for the whole occurrence.
const TasksChannel = "tasks"

// AuditChannel carries every audit chain append.
const AuditChannel = "audit"

// TaskChannel returns the channel name for one task's events.
func TaskChannel(taskID string) string { return "task:" + taskID }

// ConversationChannel returns the channel name for one conversation
// channel's message events.
func ConversationChannel(channelID string) string { return "channel:" + channelID }

// ClientMessage is the client → server WebSocket message shape.
type ClientMessage struct {
	Action      string `json:"action"` // subscribe, unsubscribe, catchup, ping
	Channel     string `json:"channel,omitempty"`
	LastEventID *int64 `json:"last_event_id,omitempty"`
}
