package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cirisai/ciris-engine/pkg/database"
	"github.com/cirisai/ciris-engine/pkg/models"
)

// notifyLimit is PostgreSQL's effective NOTIFY payload ceiling. Larger
// payloads are replaced with a minimal routing envelope.
const notifyLimit = 7900

// Broadcaster receives every published payload for WebSocket delivery.
// Implemented by ConnectionManager.
type Broadcaster interface {
	Broadcast(channel string, payload []byte)
}

// Publisher fans runtime events out to the in-process hub, local WebSocket
// clients, and, on the PostgreSQL backend, to other occurrences via
// NOTIFY. On Postgres, local WebSocket delivery rides the NOTIFY round trip
// (the listener hears its own notifications), so payloads are broadcast
// exactly once either way.
type Publisher struct {
	hub       *Hub
	local     Broadcaster
	client    *database.Client
	useNotify bool
	logger    *slog.Logger
}

// NewPublisher creates a publisher. local may be nil when no WebSocket
// surface exists (tests, CLI tools).
func NewPublisher(hub *Hub, local Broadcaster, client *database.Client, logger *slog.Logger) *Publisher {
	if hub == nil {
		panic("events.NewPublisher: hub must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		hub:    hub,
		local:  local,
		client: client,
		logger: logger.With("component", "events"),
	}
	if client != nil && client.Dialect() == database.DialectPostgres {
		p.useNotify = true
	}
	return p
}

// TaskStatus publishes a task lifecycle change to the tasks channel and the
// task's own channel.
func (p *Publisher) TaskStatus(ctx context.Context, task *models.Task, eventID int64) {
	payload := TaskStatusPayload{
		Type:      EventTypeTaskStatus,
		TaskID:    task.ID,
		Status:    string(task.Status),
		Reason:    task.OutcomeReason,
		Round:     task.RoundCount,
		EventID:   eventID,
		Timestamp: time.Now().UTC(),
	}
	p.publish(ctx, TasksChannel, payload)
	p.publish(ctx, TaskChannel(task.ID), payload)
}

// StepResult publishes one step point's outcome to the task's channel.
func (p *Publisher) StepResult(ctx context.Context, result *models.StepResult) {
	p.publish(ctx, TaskChannel(result.TaskID), StepResultPayload{
		Type:      EventTypeStepResult,
		TaskID:    result.TaskID,
		ThoughtID: result.ThoughtID,
		Step:      string(result.Step),
		OK:        result.OK,
		ErrorKind: result.ErrorKind,
		Round:     result.Round,
		Timestamp: time.Now().UTC(),
	})
}

// ActionOutcome publishes a handler outcome to the task's channel.
func (p *Publisher) ActionOutcome(ctx context.Context, taskID, thoughtID string, outcome *models.HandlerOutcome) {
	p.publish(ctx, TaskChannel(taskID), ActionOutcomePayload{
		Type:      EventTypeActionOutcome,
		TaskID:    taskID,
		ThoughtID: thoughtID,
		Action:    string(outcome.Action),
		Status:    string(outcome.Status),
		Message:   outcome.Message,
		Timestamp: time.Now().UTC(),
	})
}

// AuditAppended publishes a chain append to the audit channel. The entry's
// seq is the catch-up cursor.
func (p *Publisher) AuditAppended(ctx context.Context, entry *models.AuditEntry) {
	p.publish(ctx, AuditChannel, AuditAppendedPayload{
		Type:      EventTypeAuditAppended,
		Kind:      string(entry.Kind),
		EventID:   entry.Seq,
		Timestamp: time.Now().UTC(),
	})
}

// Message publishes a conversation message to its conversation channel.
func (p *Publisher) Message(ctx context.Context, msg *models.ChannelMessage) {
	p.publish(ctx, ConversationChannel(msg.ChannelID), MessagePayload{
		Type:      EventTypeMessage,
		ChannelID: msg.ChannelID,
		Direction: string(msg.Direction),
		AuthorID:  msg.AuthorID,
		Content:   msg.Content,
		Timestamp: msg.CreatedAt,
	})
}

func (p *Publisher) publish(ctx context.Context, channel string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Event marshal failed", "channel", channel, "error", err)
		return
	}

	p.hub.Publish(channel, data)

	if p.useNotify {
		if err := p.notify(ctx, channel, data); err != nil {
			p.logger.Warn("NOTIFY failed; falling back to local broadcast",
				"channel", channel, "error", err)
			p.broadcastLocal(channel, data)
		}
		return
	}
	p.broadcastLocal(channel, data)
}

func (p *Publisher) broadcastLocal(channel string, data []byte) {
	if p.local != nil {
		p.local.Broadcast(channel, data)
	}
}

// notify sends the payload through pg_notify, shrinking oversized payloads
// to a routing envelope.
func (p *Publisher) notify(ctx context.Context, channel string, data []byte) error {
	if len(data) > notifyLimit {
		envelope, err := routingEnvelope(data)
		if err != nil {
			return err
		}
		data = envelope
	}
	_, err := p.client.DB().ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, string(data))
	if err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// routingEnvelope keeps only the fields a client needs to re-fetch the full
// event through the API.
func routingEnvelope(data []byte) ([]byte, error) {
	var routing struct {
		Type    string `json:"type"`
		TaskID  string `json:"task_id,omitempty"`
		EventID int64  `json:"event_id,omitempty"`
	}
	if err := json.Unmarshal(data, &routing); err != nil {
		return nil, fmt.Errorf("extract routing fields: %w", err)
	}
	return json.Marshal(map[string]any{
		"type":      routing.Type,
		"task_id":   routing.TaskID,
		"event_id":  routing.EventID,
		"truncated": true,
	})
}
