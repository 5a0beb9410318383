package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cirisai/ciris-engine/pkg/database"
	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/google/uuid"
)

// MessageService persists channel traffic for history fetches and observe
// idempotency
type MessageService struct {
	client *database.Client
}

// NewMessageService creates a new MessageService
func NewMessageService(client *database.Client) *MessageService {
	if client == nil {
		panic("NewMessageService: client must not be nil")
	}
	return &MessageService{client: client}
}

// RecordInbound stores an inbound message. When the adapter supplied an
// external id and the message was already recorded, the existing row is
// returned with created=false; repeated observation is a no-op.
func (s *MessageService) RecordInbound(ctx context.Context, msg models.ChannelMessage) (*models.ChannelMessage, bool, error) {
	if msg.ChannelID == "" {
		return nil, false, NewValidationError("channel_id", "required")
	}

	if msg.ExternalID != "" {
		existing, err := s.findByExternalID(ctx, msg.ChannelID, msg.ExternalID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	msg.ID = uuid.New().String()
	msg.Direction = models.DirectionInbound
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if err := s.insert(ctx, &msg); err != nil {
		return nil, false, err
	}
	return &msg, true, nil
}

// RecordOutbound stores a message the agent sent on a channel
func (s *MessageService) RecordOutbound(ctx context.Context, msg models.ChannelMessage) (*models.ChannelMessage, error) {
	if msg.ChannelID == "" {
		return nil, NewValidationError("channel_id", "required")
	}
	msg.ID = uuid.New().String()
	msg.Direction = models.DirectionOutbound
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if err := s.insert(ctx, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// History lists a channel's messages, newest first, optionally before a
// given time
func (s *MessageService) History(ctx context.Context, channelID string, limit int, before *time.Time) ([]*models.ChannelMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	where := `WHERE channel_id = ?`
	args := []any{channelID}
	if before != nil {
		where += ` AND created_at < ?`
		args = append(args, *before)
	}
	args = append(args, limit)

	rows, err := s.client.DB().QueryContext(ctx, s.client.Rebind(
		selectMessageColumns+` FROM channel_messages `+where+` ORDER BY created_at DESC LIMIT ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := []*models.ChannelMessage{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// PruneOlderThan removes messages created before the cutoff
func (s *MessageService) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.client.DB().ExecContext(ctx, s.client.Rebind(
		`DELETE FROM channel_messages WHERE created_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune messages: %w", err)
	}
	return res.RowsAffected()
}

// DeleteBySubject removes every message a subject authored, for post-decay
// and DSAR deletion
func (s *MessageService) DeleteBySubject(ctx context.Context, subjectID string) (int64, error) {
	res, err := s.client.DB().ExecContext(ctx, s.client.Rebind(
		`DELETE FROM channel_messages WHERE author_id = ?`), subjectID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete subject messages: %w", err)
	}
	return res.RowsAffected()
}

// ListBySubject returns messages a subject authored, for DSAR access bundles
func (s *MessageService) ListBySubject(ctx context.Context, subjectID string, limit int) ([]*models.ChannelMessage, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.client.DB().QueryContext(ctx, s.client.Rebind(
		selectMessageColumns+` FROM channel_messages WHERE author_id = ? ORDER BY created_at ASC LIMIT ?`),
		subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list subject messages: %w", err)
	}
	defer rows.Close()

	messages := []*models.ChannelMessage{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *MessageService) findByExternalID(ctx context.Context, channelID, externalID string) (*models.ChannelMessage, error) {
	row := s.client.DB().QueryRowContext(ctx, s.client.Rebind(
		selectMessageColumns+` FROM channel_messages
		 WHERE channel_id = ? AND external_id = ? AND direction = ?`),
		channelID, externalID, models.DirectionInbound)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find message: %w", err)
	}
	return msg, nil
}

func (s *MessageService) insert(ctx context.Context, msg *models.ChannelMessage) error {
	_, err := s.client.DB().ExecContext(ctx, s.client.Rebind(
		`INSERT INTO channel_messages (id, channel_id, adapter_id, direction, external_id, author_id, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.ChannelID, msg.AdapterID, msg.Direction, msg.ExternalID,
		msg.AuthorID, msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

const selectMessageColumns = `SELECT id, channel_id, adapter_id, direction, external_id, author_id, content, created_at`

func scanMessage(row rowScanner) (*models.ChannelMessage, error) {
	var msg models.ChannelMessage
	err := row.Scan(&msg.ID, &msg.ChannelID, &msg.AdapterID, &msg.Direction,
		&msg.ExternalID, &msg.AuthorID, &msg.Content, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
